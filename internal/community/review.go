package community

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/repository"
)

// Границы автоматического ревью.
const (
	// autoReviewMinSize/autoReviewMaxSize — окно допустимого размера
	autoReviewMinSize = 100_000
	autoReviewMaxSize = 8 << 20

	// autoApproveMinSize — минимальный размер для авто-одобрения
	autoApproveMinSize = 500_000
	// autoApproveMinDescription — минимальная длина описания
	autoApproveMinDescription = 50
	// autoApproveTrustedCount — сколько одобренных прошивок делает автора доверенным
	autoApproveTrustedCount = 3
)

// suspiciousKeywords — слова в имени или описании, отклоняющие
// прошивку автоматически.
var suspiciousKeywords = []string{"hack", "crack", "exploit", "backdoor", "virus"}

// Decision — решение автоматического ревью.
type Decision string

const (
	// DecisionApprove — все сигналы положительные, одобрить
	DecisionApprove Decision = "approve"
	// DecisionReject — найден дисквалифицирующий сигнал
	DecisionReject Decision = "reject"
	// DecisionPending — сигналов недостаточно, оставить на ручную модерацию
	DecisionPending Decision = "pending"
)

// ReviewResult — результат автоматического ревью одной прошивки.
type ReviewResult struct {
	Decision Decision
	// Reason — причина отказа или основание одобрения
	Reason string
}

// AutoReview — автоматическое ревью пользовательской прошивки.
// Чистая функция над записью и числом ранее одобренных прошивок автора.
//
// Отказ: размер вне окна, отсутствие обязательных метаданных,
// подозрительные слова в имени или описании.
// Одобрение: достаточный размер, валидный чип, содержательное
// описание и доверенный автор — все условия одновременно.
// Иначе прошивка остаётся на ручную модерацию.
func AutoReview(entry *model.CommunityEntry, authorApprovedCount int) ReviewResult {
	if entry.FileSize < autoReviewMinSize || entry.FileSize > autoReviewMaxSize {
		return ReviewResult{
			Decision: DecisionReject,
			Reason:   fmt.Sprintf("недопустимый размер файла: %d байт", entry.FileSize),
		}
	}

	var missing []string
	if entry.ChipType == "" {
		missing = append(missing, "chip_type")
	}
	if entry.Variant == "" {
		missing = append(missing, "variant")
	}
	if entry.Author.Name == "" {
		missing = append(missing, "author_name")
	}
	if len(missing) > 0 {
		return ReviewResult{
			Decision: DecisionReject,
			Reason:   "отсутствуют обязательные поля: " + strings.Join(missing, ", "),
		}
	}

	name := strings.ToLower(entry.Name)
	description := strings.ToLower(entry.Description)
	for _, keyword := range suspiciousKeywords {
		if strings.Contains(name, keyword) || strings.Contains(description, keyword) {
			return ReviewResult{
				Decision: DecisionReject,
				Reason:   "подозрительное содержимое: " + keyword,
			}
		}
	}

	validChip := entry.ChipType == model.ChipESP32 || entry.ChipType == model.ChipESP8266
	if entry.FileSize > autoApproveMinSize &&
		validChip &&
		len(entry.Description) > autoApproveMinDescription &&
		authorApprovedCount >= autoApproveTrustedCount {
		return ReviewResult{
			Decision: DecisionApprove,
			Reason:   "автоматическое одобрение: доверенный автор",
		}
	}

	return ReviewResult{Decision: DecisionPending}
}

// ReviewSummary — итог прохода авто-ревью по очереди pending.
type ReviewSummary struct {
	Total    int
	Approved int
	Rejected int
	Pending  int
	Errors   int
}

// ReviewPending применяет автоматическое ревью ко всем прошивкам
// в статусе pending. Ошибка обработки одной прошивки логируется
// и не прерывает проход.
func (p *Pipeline) ReviewPending(ctx context.Context) (*ReviewSummary, error) {
	pending, err := p.repo.List(ctx, repository.CommunityFilter{
		Status: model.CommunityPending,
		Limit:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("выбор очереди модерации: %w", err)
	}

	summary := &ReviewSummary{Total: len(pending)}
	for _, entry := range pending {
		approvedCount, err := p.repo.CountApprovedByAuthor(ctx, entry.Author.Name)
		if err != nil {
			summary.Errors++
			p.logger.Error("ошибка подсчёта репутации автора",
				slog.String("id", entry.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		result := AutoReview(entry, approvedCount)
		switch result.Decision {
		case DecisionApprove:
			if err := p.repo.SetStatus(ctx, entry.ID, model.CommunityApproved, result.Reason, "automated_review"); err != nil {
				summary.Errors++
				p.logger.Error("ошибка авто-одобрения",
					slog.String("id", entry.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			summary.Approved++
			moderationTotal.WithLabelValues("approved", "auto").Inc()

		case DecisionReject:
			if err := p.repo.SetStatus(ctx, entry.ID, model.CommunityRejected, result.Reason, "automated_review"); err != nil {
				summary.Errors++
				p.logger.Error("ошибка авто-отклонения",
					slog.String("id", entry.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			summary.Rejected++
			moderationTotal.WithLabelValues("rejected", "auto").Inc()
			p.logger.Warn("прошивка отклонена авто-ревью",
				slog.String("id", entry.ID),
				slog.String("reason", result.Reason),
			)

		case DecisionPending:
			summary.Pending++
		}
	}

	p.logger.Info("авто-ревью завершено",
		slog.Int("total", summary.Total),
		slog.Int("approved", summary.Approved),
		slog.Int("rejected", summary.Rejected),
		slog.Int("pending", summary.Pending),
	)
	return summary, nil
}

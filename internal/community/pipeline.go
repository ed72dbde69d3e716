// Пакет community — пайплайн пользовательских прошивок: загрузка
// с многоступенчатой валидацией, модерация (ручная и автоматическая),
// оценки и жалобы.
package community

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // G501: MD5 — часть схемы идентификаторов (совместимость с OTA-экосистемой)
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/repository"
	"github.com/Techposts/Tasmotic/internal/storage/binstore"
)

// entropyWindow — сколько байт участвует в оценке энтропии.
const entropyWindow = 10000

// entropyWarnThreshold — порог энтропии для предупреждения в логе.
// Высокая энтропия намекает на упаковку или шифрование, но сама по
// себе не повод для отказа.
const entropyWarnThreshold = 7.5

// Ошибки валидации загрузки.
var (
	ErrTooLarge         = errors.New("файл превышает максимальный размер загрузки")
	ErrTooSmall         = errors.New("файл слишком мал для прошивки")
	ErrBadExtension     = errors.New("недопустимое расширение файла")
	ErrDuplicateContent = errors.New("прошивка с таким содержимым уже загружена")
	ErrBadFormat        = errors.New("некорректный формат образа прошивки")
	ErrSuspicious       = errors.New("обнаружено подозрительное содержимое")

	// ErrAlreadyRated — пользователь уже оценивал эту прошивку.
	ErrAlreadyRated = errors.New("оценка уже оставлена")
	// ErrBadRating — оценка вне диапазона 1..5.
	ErrBadRating = errors.New("оценка должна быть от 1 до 5")
	// ErrBadReportType — неизвестный тип жалобы.
	ErrBadReportType = errors.New("неизвестный тип жалобы")
)

// ErrNotFound — пользовательская прошивка не найдена.
var ErrNotFound = repository.ErrNotFound

// allowedExtensions — допустимые расширения файлов загрузки.
var allowedExtensions = map[string]bool{
	".bin": true,
	".gz":  true,
}

// suspiciousPatterns — байтовые последовательности, недопустимые
// в образе прошивки. Наличие любой из них отклоняет загрузку.
var suspiciousPatterns = [][]byte{
	[]byte("eval("),
	[]byte("exec("),
	[]byte("system("),
	[]byte("shell_exec("),
	[]byte("<?php"),
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("<iframe"),
}

// Метрики пайплайна
var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_community_uploads_total",
			Help: "Загрузки пользовательских прошивок по результату",
		},
		[]string{"result"},
	)

	moderationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_community_moderation_total",
			Help: "Решения модерации пользовательских прошивок",
		},
		[]string{"decision", "reviewer"},
	)
)

// HashChecker — проверка наличия SHA-256 в официальном каталоге.
type HashChecker interface {
	HashExists(ctx context.Context, sha256 string) (bool, error)
}

// UploadMetadata — метаданные, сопровождающие загрузку.
type UploadMetadata struct {
	DisplayName   string
	Description   string
	Version       string
	ChipType      model.ChipType
	Variant       string
	Features      []string
	Compatibility []string
	License       string
	Tags          []string
}

// Pipeline — пайплайн пользовательских прошивок.
type Pipeline struct {
	repo    repository.CommunityRepository
	store   *binstore.Store
	catalog HashChecker
	logger  *slog.Logger

	// minSize/maxSize — границы допустимого размера загрузки
	minSize int64
	maxSize int64

	// now подменяется в тестах
	now func() time.Time
}

// Options — параметры пайплайна.
type Options struct {
	MinFirmwareSize int64
	MaxUploadSize   int64
}

// New создаёт пайплайн пользовательских прошивок.
// store — хранилище загруженных файлов (TM_DATA_DIR/community_uploads).
func New(repo repository.CommunityRepository, store *binstore.Store, catalog HashChecker, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		repo:    repo,
		store:   store,
		catalog: catalog,
		logger:  logger.With(slog.String("component", "community")),
		minSize: opts.MinFirmwareSize,
		maxSize: opts.MaxUploadSize,
		now:     time.Now,
	}
}

// Validate выполняет проверки загрузки в фиксированном порядке:
// размер, расширение, дубликат содержимого, формат образа,
// сканирование содержимого. Первая непройденная проверка
// останавливает валидацию.
func (p *Pipeline) Validate(ctx context.Context, data []byte, filename string) (model.ChipType, error) {
	size := int64(len(data))
	if size > p.maxSize {
		return "", fmt.Errorf("%w: %d байт (максимум %d)", ErrTooLarge, size, p.maxSize)
	}
	if size < p.minSize {
		return "", fmt.Errorf("%w: %d байт (минимум %d)", ErrTooSmall, size, p.minSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: %s", ErrBadExtension, ext)
	}

	// Дубликат содержимого ищется в обоих каталогах
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if exists, err := p.catalog.HashExists(ctx, hash); err != nil {
		return "", fmt.Errorf("проверка hash в официальном каталоге: %w", err)
	} else if exists {
		return "", ErrDuplicateContent
	}
	if exists, err := p.repo.HashExists(ctx, hash); err != nil {
		return "", fmt.Errorf("проверка hash в пользовательском каталоге: %w", err)
	} else if exists {
		return "", ErrDuplicateContent
	}

	chip, err := detectFormat(data)
	if err != nil {
		return "", err
	}

	if err := p.scanContent(data, filename); err != nil {
		return "", err
	}

	return chip, nil
}

// Upload валидирует и сохраняет пользовательскую прошивку.
// Запись создаётся со статусом pending: публикация возможна только
// после модерации.
func (p *Pipeline) Upload(ctx context.Context, data []byte, filename string, meta UploadMetadata, author model.Author) (*model.CommunityEntry, error) {
	chip, err := p.Validate(ctx, data, filename)
	if err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	now := p.now().UTC()
	id := communityID(filename, meta.Version, now)

	result, err := p.store.Save(bytes.NewReader(data), id+strings.ToLower(filepath.Ext(filename)), nil)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сохранение файла загрузки: %w", err)
	}

	if meta.ChipType == "" {
		meta.ChipType = chip
	}
	if meta.Version == "" {
		meta.Version = "custom"
	}
	if meta.Variant == "" {
		meta.Variant = "custom"
	}
	if meta.DisplayName == "" {
		meta.DisplayName = filename
	}
	if meta.License == "" {
		meta.License = "Unknown"
	}
	if author.Name == "" {
		author.Name = "Anonymous"
	}

	entry := &model.CommunityEntry{
		ID:            id,
		Name:          filename,
		DisplayName:   meta.DisplayName,
		Description:   meta.Description,
		Version:       meta.Version,
		ChipType:      meta.ChipType,
		Variant:       meta.Variant,
		Author:        author,
		License:       meta.License,
		Tags:          meta.Tags,
		LocalPath:     result.Path,
		FileSize:      result.Size,
		MD5:           result.MD5,
		SHA256:        result.SHA256,
		Features:      meta.Features,
		Compatibility: meta.Compatibility,
		Status:        model.CommunityPending,
		UploadedAt:    now,
	}

	if err := p.repo.Insert(ctx, entry); err != nil {
		// Запись не создана — файл не должен остаться
		_ = p.store.Delete(result.Path)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("сохранение записи загрузки: %w", err)
	}

	uploadsTotal.WithLabelValues("accepted").Inc()
	p.logger.Info("пользовательская прошивка загружена",
		slog.String("id", id),
		slog.String("name", filename),
		slog.String("author", author.Name),
		slog.Int64("size", result.Size),
	)
	return entry, nil
}

// Get возвращает пользовательскую прошивку по ID.
func (p *Pipeline) Get(ctx context.Context, id string) (*model.CommunityEntry, error) {
	return p.repo.GetByID(ctx, id)
}

// List возвращает пользовательские прошивки с фильтрами.
func (p *Pipeline) List(ctx context.Context, filter repository.CommunityFilter) ([]*model.CommunityEntry, error) {
	return p.repo.List(ctx, filter)
}

// SetStatus выполняет ручное решение модерации.
func (p *Pipeline) SetStatus(ctx context.Context, id string, status model.CommunityStatus, notes, reviewedBy string) error {
	if err := p.repo.SetStatus(ctx, id, status, notes, reviewedBy); err != nil {
		return err
	}
	moderationTotal.WithLabelValues(string(status), "manual").Inc()

	p.logger.Info("решение модерации применено",
		slog.String("id", id),
		slog.String("status", string(status)),
		slog.String("reviewed_by", reviewedBy),
	)
	return nil
}

// Delete удаляет пользовательскую прошивку: запись вместе с файлом
// на диске. Административная операция, минуя статус rejected.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	entry, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := p.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := p.store.Delete(entry.LocalPath); err != nil {
		p.logger.Warn("файл удалённой прошивки остался на диске",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Info("пользовательская прошивка удалена",
		slog.String("id", id),
		slog.String("name", entry.Name),
	)
	return nil
}

// Rate добавляет оценку прошивки. Не более одной оценки на пару
// (прошивка, идентификатор пользователя); агрегат пересчитывается.
func (p *Pipeline) Rate(ctx context.Context, firmwareID, userIdentifier string, rating int, reviewText string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: %d", ErrBadRating, rating)
	}

	if _, err := p.repo.GetByID(ctx, firmwareID); err != nil {
		return err
	}

	err := p.repo.InsertRating(ctx, &model.CommunityRating{
		FirmwareID:     firmwareID,
		UserIdentifier: userIdentifier,
		Rating:         rating,
		ReviewText:     reviewText,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return ErrAlreadyRated
	}
	return err
}

// Report добавляет жалобу на прошивку. Жалобы append-only.
func (p *Pipeline) Report(ctx context.Context, firmwareID, reporterIdentifier string, reportType model.ReportType, reason, additionalInfo string) error {
	if !model.ValidReportType(reportType) {
		return fmt.Errorf("%w: %s", ErrBadReportType, reportType)
	}

	if _, err := p.repo.GetByID(ctx, firmwareID); err != nil {
		return err
	}

	err := p.repo.InsertReport(ctx, &model.CommunityReport{
		FirmwareID:         firmwareID,
		ReporterIdentifier: reporterIdentifier,
		ReportType:         reportType,
		Reason:             reason,
		AdditionalInfo:     additionalInfo,
	})
	if err != nil {
		return err
	}

	p.logger.Warn("жалоба на пользовательскую прошивку",
		slog.String("id", firmwareID),
		slog.String("type", string(reportType)),
	)
	return nil
}

// scanContent проверяет содержимое на подозрительные байтовые
// последовательности и считает энтропию Шеннона первых 10 КБ.
// Энтропия только логируется: высокое значение не отклоняет загрузку.
func (p *Pipeline) scanContent(data []byte, filename string) error {
	for _, pattern := range suspiciousPatterns {
		if bytes.Contains(data, pattern) {
			return fmt.Errorf("%w: %s", ErrSuspicious, pattern)
		}
	}

	entropy := shannonEntropy(data)
	if entropy > entropyWarnThreshold {
		p.logger.Warn("высокая энтропия загруженного файла",
			slog.String("name", filename),
			slog.Float64("entropy", entropy),
		)
	}
	return nil
}

// detectFormat определяет формат образа по магическим байтам.
func detectFormat(data []byte) (model.ChipType, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0xE9, 0x00, 0x00, 0x00}) {
		return model.ChipESP32, nil
	}
	if len(data) >= 1 && data[0] == 0xE9 {
		return model.ChipESP8266, nil
	}
	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		// Gzip-обёртка: чип неизвестен без распаковки
		return model.ChipUnknown, nil
	}
	return "", fmt.Errorf("%w: магические байты не распознаны", ErrBadFormat)
}

// shannonEntropy считает энтропию Шеннона первых entropyWindow байт.
func shannonEntropy(data []byte) float64 {
	window := data
	if len(window) > entropyWindow {
		window = window[:entropyWindow]
	}
	if len(window) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range window {
		counts[b]++
	}

	entropy := 0.0
	length := float64(len(window))
	for _, count := range counts {
		if count == 0 {
			continue
		}
		freq := float64(count) / length
		entropy -= freq * math.Log2(freq)
	}
	return entropy
}

// communityID строит идентификатор пользовательской прошивки
// из имени файла, версии и момента загрузки.
func communityID(filename, version string, ts time.Time) string {
	if version == "" {
		version = "custom"
	}
	unique := fmt.Sprintf("%s_%s_%s", filename, version, ts.Format(time.RFC3339Nano))
	sum := md5.Sum([]byte(unique)) //nolint:gosec // G401: см. комментарий к импорту
	return "community_" + hex.EncodeToString(sum[:])
}

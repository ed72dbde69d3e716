package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// maxIndexSize — предел чтения индексной страницы OTA-сервера.
const maxIndexSize = 4 << 20

// binLinkPattern — ссылки на .bin-файлы в directory listing OTA-сервера
// с размером файла после тега ссылки.
var binLinkPattern = regexp.MustCompile(`(?i)href="([^"]*\.bin)"[^>]*>([^<]*\.bin)</a>[^\d]*(\d+)`)

// OTADirPoller — опрос OTA-сервера с HTML directory listing.
// Версии на OTA-сервере не публикуются, кандидаты получают версию "latest".
type OTADirPoller struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOTADirPoller создаёт поллер OTA-серверов.
func NewOTADirPoller(httpClient *http.Client, logger *slog.Logger) *OTADirPoller {
	return &OTADirPoller{
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "ota_poller")),
	}
}

// Check скачивает индексную страницу и извлекает .bin-файлы.
// Кандидаты с чипом, не совпадающим с конфигурацией источника, отбрасываются.
func (p *OTADirPoller) Check(ctx context.Context, cfg SourceConfig) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса к OTA-серверу: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос к OTA-серверу %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("OTA-сервер вернул статус %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexSize))
	if err != nil {
		return nil, fmt.Errorf("чтение индексной страницы: %w", err)
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("разбор URL источника: %w", err)
	}

	now := time.Now().UTC()
	var candidates []Candidate
	for _, match := range binLinkPattern.FindAllStringSubmatch(string(body), -1) {
		filename := match[1]
		size, _ := strconv.ParseInt(match[3], 10, 64)

		cls := Classify(filename)
		if cfg.ChipType != "" && cls.ChipType != cfg.ChipType {
			continue
		}

		ref, refErr := url.Parse(filename)
		if refErr != nil {
			p.logger.Warn("некорректная ссылка в индексе OTA-сервера",
				slog.String("source", cfg.Name),
				slog.String("href", filename),
			)
			continue
		}

		candidates = append(candidates, Candidate{
			Name:          filename,
			Version:       "latest",
			ChipType:      cls.ChipType,
			Variant:       cls.Variant,
			Channel:       cfg.Channel,
			Source:        cfg.Name,
			DownloadURL:   base.ResolveReference(ref).String(),
			Size:          size,
			PublishedAt:   now,
			Features:      cls.Features,
			Compatibility: cls.Compatibility,
		})
	}

	p.logger.Debug("индекс OTA-сервера обработан",
		slog.String("source", cfg.Name),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

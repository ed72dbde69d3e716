package poller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// Метрики опроса источников
var (
	// sourceChecksTotal — количество опросов по источникам и результату.
	sourceChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_source_checks_total",
			Help: "Общее количество опросов источников прошивок",
		},
		[]string{"source", "result"},
	)

	// sourceCheckDuration — длительность опроса источника.
	sourceCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_source_check_duration_seconds",
			Help:    "Длительность опроса источника прошивок в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// candidatesFound — количество найденных кандидатов по источникам.
	candidatesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_source_candidates_total",
			Help: "Количество кандидатов прошивок, найденных при опросе",
		},
		[]string{"source"},
	)
)

// SourceType — тип источника прошивок.
type SourceType string

const (
	// SourceGitHubAPI — GitHub Releases API
	SourceGitHubAPI SourceType = "github_api"
	// SourceOTAServer — OTA-сервер с directory listing
	SourceOTAServer SourceType = "ota_server"
)

// SourceConfig — конфигурация одного источника прошивок.
type SourceConfig struct {
	Name    string
	Type    SourceType
	URL     string
	Channel model.Channel
	// ChipType — фильтр кандидатов для OTA-серверов ("" — без фильтра)
	ChipType model.ChipType
}

// Candidate — кандидат прошивки, найденный при опросе источника.
// Сырой результат до слияния с каталогом: дедупликацию выполняет catalog.
type Candidate struct {
	Name          string
	Version       string
	ChipType      model.ChipType
	Variant       string
	Channel       model.Channel
	Source        string
	DownloadURL   string
	Size          int64
	PublishedAt   time.Time
	Changelog     string
	Features      []string
	Compatibility []string
}

// Entry преобразует кандидата в запись каталога.
// ID — ключ дедупликации, verified проставляет catalog при слиянии.
func (c Candidate) Entry() *model.FirmwareEntry {
	return &model.FirmwareEntry{
		ID:            model.DedupKey(c.Name, c.Version, c.Channel),
		Name:          c.Name,
		Version:       c.Version,
		ChipType:      c.ChipType,
		Variant:       c.Variant,
		Channel:       c.Channel,
		Source:        c.Source,
		DownloadURL:   c.DownloadURL,
		Size:          c.Size,
		PublishedAt:   c.PublishedAt,
		Changelog:     c.Changelog,
		Features:      c.Features,
		Compatibility: c.Compatibility,
		Status:        model.FirmwareAvailable,
	}
}

// Poller — опрос одного источника прошивок.
type Poller interface {
	// Check опрашивает источник и возвращает найденных кандидатов.
	Check(ctx context.Context, cfg SourceConfig) ([]Candidate, error)
}

// SourceError — ошибка опроса одного источника.
// Ошибки источников изолированы: отказ одного не прерывает опрос остальных.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("источник %s: %v", e.Source, e.Err)
}

func (e SourceError) Unwrap() error {
	return e.Err
}

// CheckResult — сводка опроса всех источников.
type CheckResult struct {
	Candidates []Candidate
	// PerSource — количество кандидатов по источникам
	PerSource map[string]int
	Errors    []SourceError
}

// Checker опрашивает все сконфигурированные источники подряд.
type Checker struct {
	sources []SourceConfig
	github  Poller
	otadir  Poller
	logger  *slog.Logger
}

// NewChecker создаёт Checker над фиксированным набором источников.
// timeout — общий таймаут HTTP-запроса к источнику (TM_SOURCE_TIMEOUT).
// githubToken — опциональный токен для GitHub API (увеличивает rate limit).
func NewChecker(sources []SourceConfig, timeout time.Duration, githubToken string, logger *slog.Logger) *Checker {
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
		},
	}

	return &Checker{
		sources: sources,
		github:  NewGitHubPoller(httpClient, githubToken, logger),
		otadir:  NewOTADirPoller(httpClient, logger),
		logger:  logger.With(slog.String("component", "source_checker")),
	}
}

// Sources возвращает сконфигурированные источники (для dephealth).
func (c *Checker) Sources() []SourceConfig {
	return c.sources
}

// CheckAll опрашивает все источники. Ошибка одного источника попадает
// в result.Errors, опрос остальных продолжается.
func (c *Checker) CheckAll(ctx context.Context) CheckResult {
	result := CheckResult{
		PerSource: make(map[string]int, len(c.sources)),
	}

	for _, src := range c.sources {
		start := time.Now()

		var (
			candidates []Candidate
			err        error
		)
		switch src.Type {
		case SourceGitHubAPI:
			candidates, err = c.github.Check(ctx, src)
		case SourceOTAServer:
			candidates, err = c.otadir.Check(ctx, src)
		default:
			err = fmt.Errorf("неизвестный тип источника: %s", src.Type)
		}

		duration := time.Since(start)
		sourceCheckDuration.WithLabelValues(src.Name).Observe(duration.Seconds())

		if err != nil {
			sourceChecksTotal.WithLabelValues(src.Name, "error").Inc()
			c.logger.Error("ошибка опроса источника",
				slog.String("source", src.Name),
				slog.String("error", err.Error()),
			)
			result.Errors = append(result.Errors, SourceError{Source: src.Name, Err: err})
			continue
		}

		sourceChecksTotal.WithLabelValues(src.Name, "success").Inc()
		candidatesFound.WithLabelValues(src.Name).Add(float64(len(candidates)))

		result.Candidates = append(result.Candidates, candidates...)
		result.PerSource[src.Name] = len(candidates)

		c.logger.Info("источник опрошен",
			slog.String("source", src.Name),
			slog.Int("candidates", len(candidates)),
			slog.Duration("duration", duration),
		)
	}

	return result
}

// DefaultSources — штатный набор источников прошивок Tasmota.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:    "github_releases",
			Type:    SourceGitHubAPI,
			URL:     "https://api.github.com/repos/arendst/Tasmota/releases",
			Channel: model.ChannelStable,
		},
		{
			Name:     "ota_esp8266",
			Type:     SourceOTAServer,
			URL:      "http://ota.tasmota.com/tasmota/release/",
			Channel:  model.ChannelStable,
			ChipType: model.ChipESP8266,
		},
		{
			Name:     "ota_esp32",
			Type:     SourceOTAServer,
			URL:      "http://ota.tasmota.com/tasmota32/release/",
			Channel:  model.ChannelStable,
			ChipType: model.ChipESP32,
		},
		{
			Name:     "ota_esp8266_dev",
			Type:     SourceOTAServer,
			URL:      "http://ota.tasmota.com/tasmota/",
			Channel:  model.ChannelDevelopment,
			ChipType: model.ChipESP8266,
		},
		{
			Name:     "ota_esp32_dev",
			Type:     SourceOTAServer,
			URL:      "http://ota.tasmota.com/tasmota32/",
			Channel:  model.ChannelDevelopment,
			ChipType: model.ChipESP32,
		},
	}
}

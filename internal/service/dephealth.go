// dephealth.go — интеграция с topologymetrics SDK для мониторинга
// внешних источников прошивок.
//
// Мониторятся HTTP-endpoint'ы источников (GitHub API и OTA-серверы).
// Все источники некритичные: отказ источника деградирует свежесть
// каталога, но не работоспособность сервиса.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Techposts/Tasmotic/internal/poller"
)

// DephealthService — мониторинг доступности источников прошивок.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга источников.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (DEPHEALTH_NAME)
//   - group — имя группы в метриках (TM_DEPHEALTH_GROUP)
//   - sources — источники прошивок из конфигурации поллеров
//   - checkInterval — интервал проверки (TM_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	sources []poller.SourceConfig,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, sources, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным
// Prometheus registerer. Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	sources []poller.SourceConfig,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, sources, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	sources []poller.SourceConfig,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, 1+len(sources)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))

	for _, src := range sources {
		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(src.URL),
			dephealth.CheckInterval(checkInterval),
			// Источники некритичны: каталог продолжает отдавать
			// уже известные прошивки
			dephealth.Critical(false),
		}
		if parsed, err := url.Parse(src.URL); err == nil && parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}

		opts = append(opts, dephealth.HTTP(src.Name, depOpts...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку источников.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг источников прошивок запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг источников прошивок остановлен")
}

// Health возвращает текущее состояние источников.
// Ключ — имя источника, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

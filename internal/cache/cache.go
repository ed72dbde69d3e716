// Пакет cache — дисковый кэш бинарников прошивок с ограничением
// суммарного размера.
//
// Кэш выполняет три задачи:
//  1. Отдаёт путь к закэшированному файлу без обращения к сети
//  2. Скачивает и верифицирует бинарники (singleflight по firmware_id)
//  3. Вытесняет старые и невостребованные файлы при переполнении
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/repository"
	"github.com/Techposts/Tasmotic/internal/storage/binstore"
)

// Пороги гистерезиса вытеснения: очистка стартует при 80% потолка
// и снижает занятый объём до 70%. Зазор предотвращает дрожание
// очистки вокруг одного порога.
const (
	cleanupTriggerRatio = 0.8
	cleanupTargetRatio  = 0.7
)

// headerSize — сколько байт заголовка читается для проверки магических байтов.
const headerSize = 4

// Prometheus метрики кэша
var (
	// cacheHitsTotal — обращения к кэшу по результату.
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_cache_requests_total",
			Help: "Обращения к дисковому кэшу прошивок",
		},
		[]string{"result"},
	)

	// cacheDownloadsTotal — скачивания в кэш по результату.
	cacheDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_cache_downloads_total",
			Help: "Скачивания прошивок в кэш",
		},
		[]string{"result"},
	)

	// cacheEvictionsTotal — количество вытесненных файлов.
	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_cache_evictions_total",
		Help: "Количество файлов, вытесненных из кэша",
	})

	// cacheSizeBytes — текущий суммарный размер кэша.
	cacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tm_cache_size_bytes",
		Help: "Суммарный размер дискового кэша прошивок в байтах",
	})
)

// CatalogUpdater — операции каталога, которые выполняет кэш.
type CatalogUpdater interface {
	SetLocalPath(ctx context.Context, id, path string) error
	BumpDownloadCount(ctx context.Context, id string) error
}

// CleanupResult — результат одного запуска очистки.
type CleanupResult struct {
	// RemovedCount — количество удалённых файлов
	RemovedCount int
	// RemovedBytes — освобождённый объём
	RemovedBytes int64
	// TotalSize — размер кэша после очистки
	TotalSize int64
	// Errors — количество файлов, которые не удалось удалить
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
	// Skipped — очистка не потребовалась (порог не достигнут)
	Skipped bool
}

// Manager — менеджер дискового кэша прошивок.
type Manager struct {
	repo       repository.CacheRepository
	store      *binstore.Store
	catalog    CatalogUpdater
	httpClient *http.Client
	logger     *slog.Logger

	// maxSize — потолок суммарного размера кэша (TM_MAX_CACHE_SIZE)
	maxSize int64
	// retention — окно хранения: кандидаты на вытеснение старше окна
	retention time.Duration
	// minSize — минимальный допустимый размер бинарника
	minSize int64

	// group объединяет конкурентные скачивания одного firmware_id
	group singleflight.Group

	// cleanupMu — защита от параллельного запуска очистки
	cleanupMu sync.Mutex
}

// Options — параметры менеджера кэша.
type Options struct {
	MaxSize         int64
	Retention       time.Duration
	MinFirmwareSize int64
	DownloadTimeout time.Duration
}

// New создаёт менеджер кэша.
func New(repo repository.CacheRepository, store *binstore.Store, catalog CatalogUpdater, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		repo:    repo,
		store:   store,
		catalog: catalog,
		httpClient: &http.Client{
			Timeout: opts.DownloadTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
		maxSize:   opts.MaxSize,
		retention: opts.Retention,
		minSize:   opts.MinFirmwareSize,
		logger:    logger.With(slog.String("component", "cache")),
	}
}

// GetCachedPath возвращает путь к закэшированному файлу без обращения
// к сети. Попадание засчитывается только если запись индекса
// верифицирована И файл существует на диске; при расхождении
// (файл удалён извне) висячая запись индекса удаляется.
func (m *Manager) GetCachedPath(ctx context.Context, firmwareID string) (string, bool, error) {
	entry, err := m.repo.Get(ctx, firmwareID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			cacheHitsTotal.WithLabelValues("miss").Inc()
			return "", false, nil
		}
		return "", false, fmt.Errorf("чтение индекса кэша: %w", err)
	}

	if !entry.Verified || !m.store.Exists(entry.LocalPath) {
		// Неверифицированная запись или файл исчез с диска: чистим
		// индекс вместе с файлом, чтобы не осталось сироты
		if rmErr := m.store.Delete(entry.LocalPath); rmErr != nil {
			m.logger.Warn("не удалось удалить файл недействительной записи",
				slog.String("firmware_id", firmwareID),
				slog.String("error", rmErr.Error()),
			)
		}
		if delErr := m.repo.Delete(ctx, firmwareID); delErr != nil {
			m.logger.Warn("не удалось удалить недействительную запись индекса",
				slog.String("firmware_id", firmwareID),
				slog.String("error", delErr.Error()),
			)
		}
		cacheHitsTotal.WithLabelValues("miss").Inc()
		return "", false, nil
	}

	if err := m.repo.Touch(ctx, firmwareID, time.Now().UTC()); err != nil {
		m.logger.Warn("не удалось обновить статистику доступа",
			slog.String("firmware_id", firmwareID),
			slog.String("error", err.Error()),
		)
	}
	if err := m.catalog.BumpDownloadCount(ctx, firmwareID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("не удалось обновить счётчик скачиваний каталога",
			slog.String("firmware_id", firmwareID),
			slog.String("error", err.Error()),
		)
	}

	cacheHitsTotal.WithLabelValues("hit").Inc()
	return entry.LocalPath, true, nil
}

// DownloadAndCache скачивает бинарник прошивки в кэш и возвращает
// путь к файлу. Конкурентные вызовы для одного firmware_id
// объединяются в одно скачивание (singleflight).
//
// Верификация перед публикацией: минимальный размер и магические
// байты образа. При любой ошибке временный файл удаляется —
// частичные артефакты в кэше не появляются.
func (m *Manager) DownloadAndCache(ctx context.Context, fw *model.FirmwareEntry, progress binstore.ProgressFunc) (string, error) {
	path, err, _ := m.group.Do(fw.ID, func() (any, error) {
		return m.download(ctx, fw, progress)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

// download — тело скачивания под singleflight.
func (m *Manager) download(ctx context.Context, fw *model.FirmwareEntry, progress binstore.ProgressFunc) (string, error) {
	// Повторная проверка кэша: конкурент мог успеть скачать
	if localPath, ok, err := m.GetCachedPath(ctx, fw.ID); err != nil {
		return "", err
	} else if ok {
		return localPath, nil
	}

	m.logger.Info("скачивание прошивки в кэш",
		slog.String("firmware_id", fw.ID),
		slog.String("name", fw.Name),
		slog.String("url", fw.DownloadURL),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fw.DownloadURL, http.NoBody)
	if err != nil {
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("создание запроса скачивания: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("скачивание %s: %w", fw.DownloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("источник вернул статус %d", resp.StatusCode)
	}

	tmpPath, result, err := m.store.SaveTemp(resp.Body, progress)
	if err != nil {
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("запись временного файла: %w", err)
	}

	// Верификация перед публикацией
	if result.Size < m.minSize {
		m.store.Discard(tmpPath)
		cacheDownloadsTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("файл слишком мал для прошивки: %d байт (минимум %d)", result.Size, m.minSize)
	}

	header, err := binstore.ReadHeader(tmpPath, headerSize)
	if err != nil {
		m.store.Discard(tmpPath)
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("чтение заголовка образа: %w", err)
	}
	if err := binstore.VerifyMagic(header, fw.ChipType); err != nil {
		m.store.Discard(tmpPath)
		cacheDownloadsTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("верификация образа %s: %w", fw.Name, err)
	}

	localPath, err := m.store.Publish(tmpPath, fw.ID+".bin")
	if err != nil {
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("публикация файла в кэше: %w", err)
	}

	now := time.Now().UTC()
	entry := &model.CacheEntry{
		FirmwareID:    fw.ID,
		LocalPath:     localPath,
		DownloadURL:   fw.DownloadURL,
		FileSize:      result.Size,
		MD5:           result.MD5,
		SHA256:        result.SHA256,
		DownloadCount: 1,
		LastAccessed:  now,
		CachedAt:      now,
		Verified:      true,
	}
	if err := m.repo.Upsert(ctx, entry); err != nil {
		// Файл опубликован, но индекс не записан: убираем файл
		_ = m.store.Delete(localPath)
		cacheDownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("запись индекса кэша: %w", err)
	}

	if err := m.catalog.SetLocalPath(ctx, fw.ID, localPath); err != nil && !errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("не удалось записать local_path в каталог",
			slog.String("firmware_id", fw.ID),
			slog.String("error", err.Error()),
		)
	}

	cacheDownloadsTotal.WithLabelValues("success").Inc()
	m.logger.Info("прошивка закэширована",
		slog.String("firmware_id", fw.ID),
		slog.Int64("size", result.Size),
		slog.String("sha256", result.SHA256),
	)

	// Оппортунистическая очистка после пополнения кэша
	if _, cleanupErr := m.Cleanup(ctx, false); cleanupErr != nil {
		m.logger.Error("ошибка фоновой очистки кэша",
			slog.String("error", cleanupErr.Error()),
		)
	}

	return localPath, nil
}

// Cleanup выполняет очистку кэша. Без force очистка запускается
// только при превышении порога (80% потолка) и снижает занятый
// объём до целевого уровня (70%).
//
// Кандидаты: записи старше окна хранения ИЛИ ни разу не скачанные,
// в порядке (last_accessed ASC, download_count ASC). Ошибка удаления
// одного файла логируется и не прерывает очистку.
func (m *Manager) Cleanup(ctx context.Context, force bool) (*CleanupResult, error) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	start := time.Now()

	totalSize, err := m.repo.TotalSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт размера кэша: %w", err)
	}
	cacheSizeBytes.Set(float64(totalSize))

	trigger := int64(float64(m.maxSize) * cleanupTriggerRatio)
	if !force && totalSize < trigger {
		return &CleanupResult{TotalSize: totalSize, Skipped: true}, nil
	}

	target := int64(float64(m.maxSize) * cleanupTargetRatio)
	cutoff := time.Now().UTC().Add(-m.retention)

	candidates, err := m.repo.ListEvictionCandidates(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("выбор кандидатов на вытеснение: %w", err)
	}

	result := &CleanupResult{TotalSize: totalSize}
	projected := totalSize

	for _, entry := range candidates {
		if projected <= target {
			break
		}

		if err := m.store.Delete(entry.LocalPath); err != nil {
			result.Errors++
			m.logger.Warn("не удалось удалить файл кэша",
				slog.String("firmware_id", entry.FirmwareID),
				slog.String("path", entry.LocalPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := m.repo.Delete(ctx, entry.FirmwareID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			result.Errors++
			m.logger.Warn("не удалось удалить запись индекса",
				slog.String("firmware_id", entry.FirmwareID),
				slog.String("error", err.Error()),
			)
			continue
		}

		projected -= entry.FileSize
		result.RemovedCount++
		result.RemovedBytes += entry.FileSize
		cacheEvictionsTotal.Inc()
	}

	result.TotalSize = projected
	result.Duration = time.Since(start)
	cacheSizeBytes.Set(float64(projected))

	if err := m.repo.RecordCleanup(ctx, result.RemovedCount, result.RemovedBytes, projected); err != nil {
		m.logger.Warn("не удалось записать журнал очистки",
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("очистка кэша завершена",
		slog.Int("removed", result.RemovedCount),
		slog.Int64("removed_bytes", result.RemovedBytes),
		slog.Int64("total_size", projected),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// Stats возвращает сводку кэша: размер, количество файлов,
// суммарные скачивания, время последней очистки.
func (m *Manager) Stats(ctx context.Context) (*model.CacheStats, error) {
	stats, err := m.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("сводка кэша: %w", err)
	}
	cacheSizeBytes.Set(float64(stats.TotalSize))
	return stats, nil
}

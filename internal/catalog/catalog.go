// Пакет catalog — каталог официальных прошивок.
// Выполняет слияние кандидатов от поллеров с дедупликацией по ключу
// md5(name_version_channel) и обслуживает чтение каталога через
// LRU-кэш с TTL.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/poller"
	"github.com/Techposts/Tasmotic/internal/repository"
)

// verifiedSource — единственный источник, записи которого получают
// verified=true при слиянии: официальные релизы GitHub.
const verifiedSource = "github_releases"

// Метрики каталога
var (
	// catalogMerged — количество добавленных записей каталога.
	catalogMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_catalog_merged_total",
		Help: "Количество записей, добавленных в каталог при слиянии",
	})

	// catalogCacheHits — попадания в LRU-кэш чтения каталога.
	catalogCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_catalog_read_cache_total",
			Help: "Обращения к LRU-кэшу чтения каталога",
		},
		[]string{"result"},
	)
)

// ErrNotFound — запись каталога не найдена.
var ErrNotFound = repository.ErrNotFound

// Filter — фильтры списка каталога. Пустое значение — без фильтра.
type Filter = repository.CatalogFilter

// Manager — каталог официальных прошивок.
type Manager struct {
	repo      repository.CatalogRepository
	readCache *expirable.LRU[string, *model.FirmwareEntry]
	logger    *slog.Logger
}

// New создаёт менеджер каталога.
// cacheSize/cacheTTL — параметры LRU-кэша чтения (TM_CATALOG_CACHE_*).
func New(repo repository.CatalogRepository, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		readCache: expirable.NewLRU[string, *model.FirmwareEntry](cacheSize, nil, cacheTTL),
		logger:    logger.With(slog.String("component", "catalog")),
	}
}

// Merge выполняет слияние кандидатов с каталогом.
// Дедупликация first-write-wins: существующий ключ пропускается, даже
// если метаданные кандидата отличаются. Возвращает число добавленных.
func (m *Manager) Merge(ctx context.Context, candidates []poller.Candidate) (int, error) {
	added := 0
	for _, c := range candidates {
		entry := c.Entry()
		entry.Verified = c.Source == verifiedSource

		exists, err := m.repo.Exists(ctx, entry.ID)
		if err != nil {
			return added, fmt.Errorf("проверка наличия записи каталога: %w", err)
		}
		if exists {
			continue
		}

		if err := m.repo.Insert(ctx, entry); err != nil {
			// Гонка со вторым слиянием: ключ появился между Exists и Insert
			if errors.Is(err, repository.ErrDuplicate) {
				continue
			}
			return added, fmt.Errorf("вставка записи каталога: %w", err)
		}
		added++

		m.logger.Debug("запись добавлена в каталог",
			slog.String("id", entry.ID),
			slog.String("name", entry.Name),
			slog.String("version", entry.Version),
			slog.String("source", entry.Source),
		)
	}

	if added > 0 {
		catalogMerged.Add(float64(added))
		m.logger.Info("слияние каталога завершено",
			slog.Int("candidates", len(candidates)),
			slog.Int("added", added),
		)
	}
	return added, nil
}

// Get возвращает запись каталога через LRU-кэш чтения.
func (m *Manager) Get(ctx context.Context, id string) (*model.FirmwareEntry, error) {
	if entry, ok := m.readCache.Get(id); ok {
		catalogCacheHits.WithLabelValues("hit").Inc()
		return entry, nil
	}
	catalogCacheHits.WithLabelValues("miss").Inc()

	entry, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.readCache.Add(id, entry)
	return entry, nil
}

// List возвращает доступные записи каталога с фильтрами.
// Порядок фиксирован: канал (stable, beta, development), дата публикации
// по убыванию, количество скачиваний по убыванию.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*model.FirmwareEntry, error) {
	return m.repo.List(ctx, filter)
}

// SetLocalPath записывает путь к закэшированному файлу прошивки.
func (m *Manager) SetLocalPath(ctx context.Context, id, path string) error {
	if err := m.repo.SetLocalPath(ctx, id, path); err != nil {
		return err
	}
	m.readCache.Remove(id)
	return nil
}

// BumpDownloadCount увеличивает счётчик скачиваний записи.
func (m *Manager) BumpDownloadCount(ctx context.Context, id string) error {
	if err := m.repo.BumpDownloadCount(ctx, id); err != nil {
		return err
	}
	m.readCache.Remove(id)
	return nil
}

// HashExists проверяет наличие в каталоге записи с указанным SHA-256.
// Используется пайплайном пользовательских прошивок для отсечения дублей.
func (m *Manager) HashExists(ctx context.Context, sha256 string) (bool, error) {
	return m.repo.HashExists(ctx, sha256)
}

// Remove снимает запись с публикации (статус removed, без hard delete).
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.repo.MarkRemoved(ctx, id); err != nil {
		return err
	}
	m.readCache.Remove(id)

	m.logger.Info("запись снята с публикации", slog.String("id", id))
	return nil
}

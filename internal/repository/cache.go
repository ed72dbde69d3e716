package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// cacheColumns — список столбцов таблицы firmware_cache для SELECT-запросов.
const cacheColumns = `firmware_id, local_path, download_url, file_size,
	md5_hash, sha256_hash, download_count, last_accessed, cached_at, verified`

// CacheRepository — доступ к индексу дискового кэша прошивок.
type CacheRepository interface {
	// Get возвращает запись индекса или ErrNotFound.
	Get(ctx context.Context, firmwareID string) (*model.CacheEntry, error)
	// Upsert вставляет или заменяет запись (не более одной на firmware_id).
	Upsert(ctx context.Context, entry *model.CacheEntry) error
	// Delete удаляет запись индекса. ErrNotFound если записи нет.
	Delete(ctx context.Context, firmwareID string) error
	// Touch обновляет last_accessed и инкрементирует download_count.
	Touch(ctx context.Context, firmwareID string, when time.Time) error
	// ListEvictionCandidates возвращает кандидатов на вытеснение:
	// last_accessed старше cutoff ИЛИ download_count = 0,
	// в порядке (last_accessed ASC, download_count ASC).
	ListEvictionCandidates(ctx context.Context, cutoff time.Time) ([]*model.CacheEntry, error)
	// List возвращает все записи индекса (сверка, тесты).
	List(ctx context.Context) ([]*model.CacheEntry, error)
	// TotalSize возвращает суммарный размер файлов по индексу.
	TotalSize(ctx context.Context) (int64, error)
	// Stats возвращает сводку кэша.
	Stats(ctx context.Context) (*model.CacheStats, error)
	// RecordCleanup записывает результат очистки в журнал.
	RecordCleanup(ctx context.Context, removedCount int, removedBytes, totalSize int64) error
}

// cacheRepo — реализация CacheRepository поверх SQLite.
type cacheRepo struct {
	db DBTX
}

// NewCacheRepository создаёт репозиторий индекса кэша.
func NewCacheRepository(db DBTX) CacheRepository {
	return &cacheRepo{db: db}
}

// Get возвращает запись индекса по firmware_id.
func (r *cacheRepo) Get(ctx context.Context, firmwareID string) (*model.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM firmware_cache WHERE firmware_id = ?`, cacheColumns)

	entry, err := scanCacheEntry(r.db.QueryRowContext(ctx, query, firmwareID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи кэша: %w", err)
	}
	return entry, nil
}

// Upsert вставляет или заменяет запись индекса.
func (r *cacheRepo) Upsert(ctx context.Context, entry *model.CacheEntry) error {
	query := `
		INSERT OR REPLACE INTO firmware_cache
		(firmware_id, local_path, download_url, file_size, md5_hash,
		 sha256_hash, download_count, last_accessed, cached_at, verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		entry.FirmwareID, entry.LocalPath, entry.DownloadURL, entry.FileSize,
		entry.MD5, entry.SHA256, entry.DownloadCount, entry.LastAccessed,
		entry.CachedAt, entry.Verified,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи индекса кэша: %w", err)
	}
	return nil
}

// Delete удаляет запись индекса.
func (r *cacheRepo) Delete(ctx context.Context, firmwareID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM firmware_cache WHERE firmware_id = ?`, firmwareID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи кэша: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch обновляет время доступа и счётчик выдач.
func (r *cacheRepo) Touch(ctx context.Context, firmwareID string, when time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE firmware_cache
		 SET last_accessed = ?, download_count = download_count + 1
		 WHERE firmware_id = ?`,
		when, firmwareID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления времени доступа: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvictionCandidates возвращает кандидатов на вытеснение.
// Порядок фиксированный: самые старые и наименее скачиваемые первыми.
func (r *cacheRepo) ListEvictionCandidates(ctx context.Context, cutoff time.Time) ([]*model.CacheEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM firmware_cache
		WHERE last_accessed < ? OR download_count = 0
		ORDER BY last_accessed ASC, download_count ASC`, cacheColumns)

	return r.queryEntries(ctx, query, cutoff)
}

// List возвращает все записи индекса.
func (r *cacheRepo) List(ctx context.Context) ([]*model.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM firmware_cache ORDER BY firmware_id`, cacheColumns)
	return r.queryEntries(ctx, query)
}

// TotalSize возвращает суммарный размер файлов по индексу.
func (r *cacheRepo) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(file_size) FROM firmware_cache`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта размера кэша: %w", err)
	}
	return total.Int64, nil
}

// Stats возвращает сводку состояния кэша.
func (r *cacheRepo) Stats(ctx context.Context) (*model.CacheStats, error) {
	stats := &model.CacheStats{}

	var totalSize, totalDownloads sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(file_size), SUM(download_count) FROM firmware_cache`,
	).Scan(&stats.FileCount, &totalSize, &totalDownloads)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта статистики кэша: %w", err)
	}
	stats.TotalSize = totalSize.Int64
	stats.TotalDownloads = totalDownloads.Int64

	var lastCleanup sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT cleaned_at FROM cache_cleanups ORDER BY id DESC LIMIT 1`,
	).Scan(&lastCleanup)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ошибка чтения журнала очисток: %w", err)
	}
	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	return stats, nil
}

// RecordCleanup записывает результат очистки в журнал.
func (r *cacheRepo) RecordCleanup(ctx context.Context, removedCount int, removedBytes, totalSize int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cache_cleanups (removed_count, removed_bytes, total_size, cleaned_at)
		 VALUES (?, ?, ?, ?)`,
		removedCount, removedBytes, totalSize, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала очисток: %w", err)
	}
	return nil
}

// queryEntries выполняет SELECT и сканирует результат в срез записей.
func (r *cacheRepo) queryEntries(ctx context.Context, query string, args ...any) ([]*model.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса индекса кэша: %w", err)
	}
	defer rows.Close()

	var result []*model.CacheEntry
	for rows.Next() {
		entry, scanErr := scanCacheEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("ошибка сканирования записи кэша: %w", scanErr)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации индекса кэша: %w", err)
	}
	return result, nil
}

// scanCacheEntry сканирует одну строку таблицы firmware_cache в модель.
func scanCacheEntry(row rowScanner) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := row.Scan(
		&entry.FirmwareID, &entry.LocalPath, &entry.DownloadURL,
		&entry.FileSize, &entry.MD5, &entry.SHA256, &entry.DownloadCount,
		&entry.LastAccessed, &entry.CachedAt, &entry.Verified,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// firmwareColumns — список столбцов таблицы firmware для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const firmwareColumns = `id, name, version, chip_type, variant, channel, source,
	download_url, local_path, size, md5_hash, sha256_hash, published_at,
	changelog, features, compatibility, verified, status, download_count,
	rating, created_at, updated_at`

// CatalogFilter — фильтры каталога прошивок. Пустое значение — фильтр
// не применяется.
type CatalogFilter struct {
	// ChipType — фильтр по семейству чипа
	ChipType model.ChipType
	// Channel — фильтр по каналу релиза
	Channel model.Channel
	// Variant — фильтр по варианту сборки
	Variant string
	// VerifiedOnly — только записи авторитетных источников
	VerifiedOnly bool
}

// CatalogRepository — доступ к каталогу официальных прошивок.
type CatalogRepository interface {
	// Insert добавляет новую запись. ErrDuplicate при совпадении ключа дедупликации.
	Insert(ctx context.Context, fw *model.FirmwareEntry) error
	// Exists проверяет наличие записи по ключу дедупликации.
	Exists(ctx context.Context, id string) (bool, error)
	// GetByID возвращает запись или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.FirmwareEntry, error)
	// List возвращает доступные записи в фиксированном детерминированном порядке:
	// приоритет канала (stable < beta < development), затем published_at DESC,
	// затем download_count DESC, затем id ASC.
	List(ctx context.Context, filter CatalogFilter) ([]*model.FirmwareEntry, error)
	// SetLocalPath записывает путь к закэшированному файлу ("" — сброс).
	SetLocalPath(ctx context.Context, id, localPath string) error
	// BumpDownloadCount инкрементирует счётчик скачиваний.
	BumpDownloadCount(ctx context.Context, id string) error
	// HashExists проверяет, есть ли в каталоге запись с таким SHA-256.
	HashExists(ctx context.Context, sha256 string) (bool, error)
	// MarkRemoved переводит запись в статус removed (административное снятие).
	MarkRemoved(ctx context.Context, id string) error
}

// catalogRepo — реализация CatalogRepository поверх SQLite.
type catalogRepo struct {
	db DBTX
}

// NewCatalogRepository создаёт репозиторий каталога.
func NewCatalogRepository(db DBTX) CatalogRepository {
	return &catalogRepo{db: db}
}

// Insert добавляет новую запись каталога.
func (r *catalogRepo) Insert(ctx context.Context, fw *model.FirmwareEntry) error {
	query := `
		INSERT INTO firmware
		(id, name, version, chip_type, variant, channel, source, download_url,
		 local_path, size, md5_hash, sha256_hash, published_at, changelog,
		 features, compatibility, verified, status, download_count, rating,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		fw.ID, fw.Name, fw.Version, string(fw.ChipType), fw.Variant,
		string(fw.Channel), fw.Source, fw.DownloadURL, fw.LocalPath, fw.Size,
		fw.MD5, fw.SHA256, nullTime(fw.PublishedAt), fw.Changelog,
		marshalStrings(fw.Features), marshalStrings(fw.Compatibility),
		fw.Verified, string(fw.Status), fw.DownloadCount, fw.Rating,
		now, now,
	)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("ошибка вставки записи каталога: %w", err)
	}
	return nil
}

// Exists проверяет наличие записи по ключу дедупликации.
func (r *catalogRepo) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM firmware WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка проверки существования записи: %w", err)
	}
	return true, nil
}

// GetByID возвращает запись каталога или ErrNotFound.
func (r *catalogRepo) GetByID(ctx context.Context, id string) (*model.FirmwareEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM firmware WHERE id = ?`, firmwareColumns)

	fw, err := scanFirmware(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи каталога: %w", err)
	}
	return fw, nil
}

// List возвращает доступные записи каталога с фильтрами.
func (r *catalogRepo) List(ctx context.Context, filter CatalogFilter) ([]*model.FirmwareEntry, error) {
	conditions := []string{`status = 'available'`}
	var args []any

	if filter.ChipType != "" {
		conditions = append(conditions, `chip_type = ?`)
		args = append(args, string(filter.ChipType))
	}
	if filter.Channel != "" {
		conditions = append(conditions, `channel = ?`)
		args = append(args, string(filter.Channel))
	}
	if filter.Variant != "" {
		conditions = append(conditions, `variant = ?`)
		args = append(args, filter.Variant)
	}
	if filter.VerifiedOnly {
		conditions = append(conditions, `verified = 1`)
	}

	// Фиксированный порядок: приоритет канала, свежесть, популярность, id.
	// Последний ключ делает повторные запросы стабильными.
	query := fmt.Sprintf(`
		SELECT %s FROM firmware
		WHERE %s
		ORDER BY
			CASE channel
				WHEN 'stable' THEN 1
				WHEN 'beta' THEN 2
				WHEN 'development' THEN 3
				ELSE 4
			END,
			published_at DESC,
			download_count DESC,
			id ASC`,
		firmwareColumns, strings.Join(conditions, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса каталога: %w", err)
	}
	defer rows.Close()

	var result []*model.FirmwareEntry
	for rows.Next() {
		fw, scanErr := scanFirmware(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("ошибка сканирования записи каталога: %w", scanErr)
		}
		result = append(result, fw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации каталога: %w", err)
	}
	return result, nil
}

// SetLocalPath записывает путь к закэшированному файлу.
func (r *catalogRepo) SetLocalPath(ctx context.Context, id, localPath string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE firmware SET local_path = ?, updated_at = ? WHERE id = ?`,
		localPath, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления local_path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpDownloadCount инкрементирует счётчик скачиваний.
func (r *catalogRepo) BumpDownloadCount(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE firmware SET download_count = download_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("ошибка инкремента счётчика скачиваний: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HashExists проверяет наличие записи каталога с указанным SHA-256.
func (r *catalogRepo) HashExists(ctx context.Context, sha256 string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM firmware WHERE sha256_hash = ? AND sha256_hash != '' LIMIT 1`,
		sha256,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка проверки hash в каталоге: %w", err)
	}
	return true, nil
}

// MarkRemoved переводит запись в статус removed.
func (r *catalogRepo) MarkRemoved(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE firmware SET status = 'removed', updated_at = ? WHERE id = ? AND status != 'removed'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("ошибка снятия записи каталога: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner — общий интерфейс *sql.Row и *sql.Rows для scanFirmware.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFirmware сканирует одну строку таблицы firmware в модель.
func scanFirmware(row rowScanner) (*model.FirmwareEntry, error) {
	var (
		fw          model.FirmwareEntry
		chipType    string
		channel     string
		status      string
		publishedAt sql.NullTime
		features    string
		compat      string
	)

	err := row.Scan(
		&fw.ID, &fw.Name, &fw.Version, &chipType, &fw.Variant, &channel,
		&fw.Source, &fw.DownloadURL, &fw.LocalPath, &fw.Size, &fw.MD5,
		&fw.SHA256, &publishedAt, &fw.Changelog, &features, &compat,
		&fw.Verified, &status, &fw.DownloadCount, &fw.Rating,
		&fw.CreatedAt, &fw.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	fw.ChipType = model.ChipType(chipType)
	fw.Channel = model.Channel(channel)
	fw.Status = model.FirmwareStatus(status)
	if publishedAt.Valid {
		fw.PublishedAt = publishedAt.Time
	}
	fw.Features = unmarshalStrings(features)
	fw.Compatibility = unmarshalStrings(compat)
	return &fw, nil
}

// nullTime преобразует zero time в NULL для записи в базу.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

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

// communityColumns — список столбцов таблицы community_firmware для SELECT-запросов.
const communityColumns = `id, name, display_name, description, version, chip_type,
	variant, author_name, author_email, author_github, license, tags,
	local_path, file_size, md5_hash, sha256_hash, features, compatibility,
	status, moderation_notes, download_count, rating, rating_count,
	report_count, uploaded_at, verified_at, verified_by`

// CommunityFilter — фильтры списка пользовательских прошивок.
// Пустое значение — фильтр не применяется.
type CommunityFilter struct {
	ChipType model.ChipType
	Status   model.CommunityStatus
	// Author — partial match по author_name или author_github
	Author string
	// Limit — максимальное количество записей (0 = значение по умолчанию 50)
	Limit int
}

// CommunityRepository — доступ к каталогу пользовательских прошивок,
// оценкам и жалобам.
type CommunityRepository interface {
	// Insert добавляет новую запись со статусом pending.
	Insert(ctx context.Context, entry *model.CommunityEntry) error
	// GetByID возвращает запись или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.CommunityEntry, error)
	// List возвращает записи с фильтрами, упорядоченные по рейтингу,
	// скачиваниям и дате загрузки.
	List(ctx context.Context, filter CommunityFilter) ([]*model.CommunityEntry, error)
	// HashExists проверяет наличие записи с указанным SHA-256.
	HashExists(ctx context.Context, sha256 string) (bool, error)
	// SetStatus выполняет переход статуса модерации с заметками.
	SetStatus(ctx context.Context, id string, status model.CommunityStatus, notes, reviewedBy string) error
	// CountApprovedByAuthor возвращает число одобренных прошивок автора.
	CountApprovedByAuthor(ctx context.Context, authorName string) (int, error)
	// Delete удаляет запись. ErrNotFound, если записи нет.
	Delete(ctx context.Context, id string) error

	// InsertRating добавляет оценку и пересчитывает агрегат.
	// ErrDuplicate — пользователь уже оценивал эту прошивку.
	InsertRating(ctx context.Context, rating *model.CommunityRating) error
	// InsertReport добавляет жалобу и обновляет report_count.
	InsertReport(ctx context.Context, report *model.CommunityReport) error
}

// communityRepo — реализация CommunityRepository поверх SQLite.
type communityRepo struct {
	db DBTX
}

// NewCommunityRepository создаёт репозиторий пользовательских прошивок.
func NewCommunityRepository(db DBTX) CommunityRepository {
	return &communityRepo{db: db}
}

// Insert добавляет новую запись пользовательской прошивки.
func (r *communityRepo) Insert(ctx context.Context, entry *model.CommunityEntry) error {
	query := `
		INSERT INTO community_firmware
		(id, name, display_name, description, version, chip_type, variant,
		 author_name, author_email, author_github, license, tags, local_path,
		 file_size, md5_hash, sha256_hash, features, compatibility, status,
		 moderation_notes, download_count, rating, rating_count, report_count,
		 uploaded_at, verified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Name, entry.DisplayName, entry.Description,
		entry.Version, string(entry.ChipType), entry.Variant,
		entry.Author.Name, entry.Author.Email, entry.Author.GitHub,
		entry.License, marshalStrings(entry.Tags), entry.LocalPath,
		entry.FileSize, entry.MD5, entry.SHA256,
		marshalStrings(entry.Features), marshalStrings(entry.Compatibility),
		string(entry.Status), entry.ModerationNotes, entry.DownloadCount,
		entry.Rating, entry.RatingCount, entry.ReportCount,
		entry.UploadedAt, entry.VerifiedBy,
	)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("ошибка вставки пользовательской прошивки: %w", err)
	}
	return nil
}

// GetByID возвращает запись или ErrNotFound.
func (r *communityRepo) GetByID(ctx context.Context, id string) (*model.CommunityEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM community_firmware WHERE id = ?`, communityColumns)

	entry, err := scanCommunity(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользовательской прошивки: %w", err)
	}
	return entry, nil
}

// List возвращает записи с фильтрами.
func (r *communityRepo) List(ctx context.Context, filter CommunityFilter) ([]*model.CommunityEntry, error) {
	conditions := []string{`1 = 1`}
	var args []any

	if filter.ChipType != "" {
		conditions = append(conditions, `chip_type = ?`)
		args = append(args, string(filter.ChipType))
	}
	if filter.Status != "" {
		conditions = append(conditions, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if filter.Author != "" {
		conditions = append(conditions, `(author_name LIKE ? OR author_github LIKE ?)`)
		pattern := "%" + filter.Author + "%"
		args = append(args, pattern, pattern)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM community_firmware
		WHERE %s
		ORDER BY rating DESC, download_count DESC, uploaded_at DESC, id ASC
		LIMIT ?`,
		communityColumns, strings.Join(conditions, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса пользовательских прошивок: %w", err)
	}
	defer rows.Close()

	var result []*model.CommunityEntry
	for rows.Next() {
		entry, scanErr := scanCommunity(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("ошибка сканирования пользовательской прошивки: %w", scanErr)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации пользовательских прошивок: %w", err)
	}
	return result, nil
}

// HashExists проверяет наличие записи с указанным SHA-256.
func (r *communityRepo) HashExists(ctx context.Context, sha256 string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM community_firmware WHERE sha256_hash = ? LIMIT 1`,
		sha256,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка проверки hash пользовательских прошивок: %w", err)
	}
	return true, nil
}

// SetStatus выполняет переход статуса модерации.
func (r *communityRepo) SetStatus(ctx context.Context, id string, status model.CommunityStatus, notes, reviewedBy string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE community_firmware
		 SET status = ?, moderation_notes = ?, verified_at = ?, verified_by = ?
		 WHERE id = ?`,
		string(status), notes, time.Now().UTC(), reviewedBy, id,
	)
	if err != nil {
		return fmt.Errorf("ошибка перехода статуса модерации: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountApprovedByAuthor возвращает число одобренных прошивок автора.
func (r *communityRepo) CountApprovedByAuthor(ctx context.Context, authorName string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM community_firmware WHERE author_name = ? AND status = 'approved'`,
		authorName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта прошивок автора: %w", err)
	}
	return count, nil
}

// Delete удаляет запись пользовательской прошивки.
func (r *communityRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM community_firmware WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления пользовательской прошивки: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRating добавляет оценку и пересчитывает агрегат записи.
// Уникальность пары (firmware_id, user_identifier) обеспечивает схема.
func (r *communityRepo) InsertRating(ctx context.Context, rating *model.CommunityRating) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO community_ratings
		 (firmware_id, user_identifier, rating, review_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rating.FirmwareID, rating.UserIdentifier, rating.Rating,
		rating.ReviewText, time.Now().UTC(),
	)
	if err != nil {
		if mapped := mapConstraintErr(err); errors.Is(mapped, ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("ошибка вставки оценки: %w", err)
	}

	// Пересчёт агрегата на каждой вставке.
	_, err = r.db.ExecContext(ctx,
		`UPDATE community_firmware
		 SET rating = (SELECT AVG(rating) FROM community_ratings WHERE firmware_id = ?),
		     rating_count = (SELECT COUNT(*) FROM community_ratings WHERE firmware_id = ?)
		 WHERE id = ?`,
		rating.FirmwareID, rating.FirmwareID, rating.FirmwareID,
	)
	if err != nil {
		return fmt.Errorf("ошибка пересчёта рейтинга: %w", err)
	}
	return nil
}

// InsertReport добавляет жалобу и обновляет report_count записи.
func (r *communityRepo) InsertReport(ctx context.Context, report *model.CommunityReport) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO firmware_reports
		 (firmware_id, reporter_identifier, report_type, report_reason, additional_info, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.FirmwareID, report.ReporterIdentifier, string(report.ReportType),
		report.Reason, report.AdditionalInfo, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки жалобы: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE community_firmware
		 SET report_count = (SELECT COUNT(*) FROM firmware_reports WHERE firmware_id = ?)
		 WHERE id = ?`,
		report.FirmwareID, report.FirmwareID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления счётчика жалоб: %w", err)
	}
	return nil
}

// scanCommunity сканирует одну строку таблицы community_firmware в модель.
func scanCommunity(row rowScanner) (*model.CommunityEntry, error) {
	var (
		entry      model.CommunityEntry
		chipType   string
		status     string
		tags       string
		features   string
		compat     string
		verifiedAt sql.NullTime
	)

	err := row.Scan(
		&entry.ID, &entry.Name, &entry.DisplayName, &entry.Description,
		&entry.Version, &chipType, &entry.Variant, &entry.Author.Name,
		&entry.Author.Email, &entry.Author.GitHub, &entry.License, &tags,
		&entry.LocalPath, &entry.FileSize, &entry.MD5, &entry.SHA256,
		&features, &compat, &status, &entry.ModerationNotes,
		&entry.DownloadCount, &entry.Rating, &entry.RatingCount,
		&entry.ReportCount, &entry.UploadedAt, &verifiedAt, &entry.VerifiedBy,
	)
	if err != nil {
		return nil, err
	}

	entry.ChipType = model.ChipType(chipType)
	entry.Status = model.CommunityStatus(status)
	entry.Tags = unmarshalStrings(tags)
	entry.Features = unmarshalStrings(features)
	entry.Compatibility = unmarshalStrings(compat)
	if verifiedAt.Valid {
		entry.VerifiedAt = &verifiedAt.Time
	}
	return &entry, nil
}

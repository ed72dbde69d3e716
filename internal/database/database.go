// Пакет database — подключение к встроенным SQLite-базам через
// modernc.org/sqlite, применение миграций (golang-migrate) и
// проверка готовности.
//
// Подсистема держит три отдельных хранилища, как и раскладка данных
// на диске: каталог официальных прошивок, индекс кэша и каталог
// пользовательских прошивок.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/catalog/*.sql migrations/cache/*.sql migrations/community/*.sql
var migrationsFS embed.FS

// Store — имя логического хранилища (определяет набор миграций).
type Store string

const (
	// StoreCatalog — каталог официальных прошивок (firmware.db)
	StoreCatalog Store = "catalog"
	// StoreCache — индекс дискового кэша (firmware_cache.db)
	StoreCache Store = "cache"
	// StoreCommunity — пользовательские прошивки (community_firmware.db)
	StoreCommunity Store = "community"
)

// Open открывает SQLite-базу и настраивает соединение.
// WAL-журнал и busy_timeout — для конкурентного доступа фоновых
// задач и ops-поверхности; один writer — ограничение SQLite.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы %s: %w", path, err)
	}

	// SQLite допускает одного писателя; пул из одного соединения
	// исключает SQLITE_BUSY на перекрывающихся записях.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ошибка применения %q к %s: %w", p, path, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка подключения к базе %s: %w", path, err)
	}

	logger.Info("База SQLite открыта", slog.String("path", path))
	return db, nil
}

// Migrate применяет SQL-миграции хранилища из embedded FS.
// Использует golang-migrate с sqlite-драйвером (modernc).
func Migrate(path string, store Store, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations/"+string(store))
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций %s: %w", store, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций %s: %w", store, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций %s: %w", store, err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.String("store", string(store)),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// ReadinessChecker — проверка готовности хранилищ для health endpoint.
type ReadinessChecker struct {
	dbs map[Store]*sql.DB
}

// NewReadinessChecker создаёт проверку готовности SQLite-хранилищ.
func NewReadinessChecker(dbs map[Store]*sql.DB) *ReadinessChecker {
	return &ReadinessChecker{dbs: dbs}
}

// CheckReady проверяет доступность всех хранилищ через ping.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for store, db := range c.dbs {
		if err := db.PingContext(ctx); err != nil {
			return "fail", fmt.Sprintf("хранилище %s недоступно: %v", store, err)
		}
	}
	return "ok", "все хранилища доступны"
}

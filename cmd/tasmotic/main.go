// Точка входа Tasmotic — подсистемы получения, кэширования и
// сопровождения прошивок Tasmota.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/Techposts/Tasmotic/internal/api/handlers"
	"github.com/Techposts/Tasmotic/internal/cache"
	"github.com/Techposts/Tasmotic/internal/catalog"
	"github.com/Techposts/Tasmotic/internal/community"
	"github.com/Techposts/Tasmotic/internal/config"
	"github.com/Techposts/Tasmotic/internal/database"
	"github.com/Techposts/Tasmotic/internal/poller"
	"github.com/Techposts/Tasmotic/internal/repository"
	"github.com/Techposts/Tasmotic/internal/scheduler"
	"github.com/Techposts/Tasmotic/internal/server"
	"github.com/Techposts/Tasmotic/internal/service"
	"github.com/Techposts/Tasmotic/internal/storage/binstore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Tasmotic запускается",
		slog.String("version", config.Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. SQLite-хранилища: миграции и подключения
	stores := []struct {
		store database.Store
		path  string
	}{
		{database.StoreCatalog, cfg.CatalogDBPath()},
		{database.StoreCache, cfg.CacheDBPath()},
		{database.StoreCommunity, cfg.CommunityDBPath()},
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error("Ошибка создания директории данных", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dbs := make(map[database.Store]*sql.DB, len(stores))
	for _, s := range stores {
		if err := database.Migrate(s.path, s.store, logger); err != nil {
			logger.Error("Ошибка миграций", slog.String("store", string(s.store)), slog.String("error", err.Error()))
			os.Exit(1)
		}
		db, err := database.Open(ctx, s.path, logger)
		if err != nil {
			logger.Error("Ошибка открытия базы", slog.String("store", string(s.store)), slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()
		dbs[s.store] = db
	}

	// 2. Файловые хранилища бинарников
	cacheStore, err := binstore.New(cfg.CacheDir())
	if err != nil {
		logger.Error("Ошибка инициализации хранилища кэша", slog.String("error", err.Error()))
		os.Exit(1)
	}
	uploadStore, err := binstore.New(cfg.UploadDir())
	if err != nil {
		logger.Error("Ошибка инициализации хранилища загрузок", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Репозитории и доменные сервисы
	catalogMgr := catalog.New(
		repository.NewCatalogRepository(dbs[database.StoreCatalog]),
		cfg.CatalogCacheSize, cfg.CatalogCacheTTL, logger,
	)

	cacheMgr := cache.New(
		repository.NewCacheRepository(dbs[database.StoreCache]),
		cacheStore, catalogMgr,
		cache.Options{
			MaxSize:         cfg.MaxCacheSize,
			Retention:       cfg.CacheRetention,
			MinFirmwareSize: cfg.MinFirmwareSize,
			DownloadTimeout: cfg.DownloadTimeout,
		},
		logger,
	)

	communityPipe := community.New(
		repository.NewCommunityRepository(dbs[database.StoreCommunity]),
		uploadStore, catalogMgr,
		community.Options{
			MinFirmwareSize: cfg.MinFirmwareSize,
			MaxUploadSize:   cfg.MaxUploadSize,
		},
		logger,
	)

	// 4. Источники прошивок
	sources := poller.DefaultSources()
	checker := poller.NewChecker(sources, cfg.SourceTimeout, cfg.GitHubToken, logger)

	// 5. Планировщик фоновых задач
	sched := scheduler.New(logger)
	if err := scheduler.RegisterJobs(sched, scheduler.Deps{
		Checker:   checker,
		Catalog:   catalogMgr,
		Cache:     cacheMgr,
		Community: communityPipe,
		Logger:    logger,
	}); err != nil {
		logger.Error("Ошибка регистрации задач", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sched.Start(ctx)

	// 6. topologymetrics — мониторинг источников прошивок
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		sources,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга источников",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 7. Создание и запуск ops HTTP-сервера
	srv := server.New(cfg, logger,
		handlers.NewHealthHandler(database.NewReadinessChecker(dbs)),
		handlers.NewSchedulerHandler(sched),
	)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	sched.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Tasmotic остановлен")
}

// Пакет config — загрузка и валидация конфигурации Tasmotic
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации подсистемы прошивок.
type Config struct {
	// Порт ops HTTP-сервера (health, metrics, admin-маршруты планировщика)
	Port int
	// Корневая директория данных: базы, кэш прошивок, пользовательские загрузки
	DataDir string

	// Максимальный суммарный размер кэша прошивок в байтах
	MaxCacheSize int64
	// Срок хранения кэшированных файлов (кандидаты на вытеснение старше этого)
	CacheRetention time.Duration
	// Минимальный размер валидной прошивки в байтах
	MinFirmwareSize int64
	// Максимальный размер пользовательской загрузки в байтах
	MaxUploadSize int64

	// Таймаут одной загрузки прошивки (весь transfer, не только connect)
	DownloadTimeout time.Duration
	// Таймаут запроса к источнику прошивок (API, directory listing)
	SourceTimeout time.Duration
	// Токен GitHub API для увеличения rate limit (опционально)
	GitHubToken string

	// Размер LRU-кэша записей каталога
	CatalogCacheSize int
	// TTL записи в LRU-кэше каталога
	CatalogCacheTTL time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Интервал проверки источников topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// TM_PORT — порт ops HTTP-сервера (по умолчанию 8090)
	cfg.Port, err = getEnvInt("TM_PORT", 8090)
	if err != nil {
		return nil, fmt.Errorf("TM_PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("TM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// TM_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("TM_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// TM_MAX_CACHE_SIZE — потолок кэша (по умолчанию 2 GiB)
	cfg.MaxCacheSize, err = getEnvInt64("TM_MAX_CACHE_SIZE", 2*1024*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("TM_MAX_CACHE_SIZE: %w", err)
	}
	if cfg.MaxCacheSize <= 0 {
		return nil, fmt.Errorf("TM_MAX_CACHE_SIZE: значение должно быть положительным")
	}

	// TM_CACHE_RETENTION — окно хранения кэша (по умолчанию 720h = 30 дней)
	cfg.CacheRetention, err = getEnvDuration("TM_CACHE_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_CACHE_RETENTION: %w", err)
	}

	// TM_MIN_FIRMWARE_SIZE — минимальный размер прошивки (по умолчанию 100 KB)
	cfg.MinFirmwareSize, err = getEnvInt64("TM_MIN_FIRMWARE_SIZE", 100_000)
	if err != nil {
		return nil, fmt.Errorf("TM_MIN_FIRMWARE_SIZE: %w", err)
	}

	// TM_MAX_UPLOAD_SIZE — максимальный размер загрузки (по умолчанию 10 MB)
	cfg.MaxUploadSize, err = getEnvInt64("TM_MAX_UPLOAD_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("TM_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= cfg.MinFirmwareSize {
		return nil, fmt.Errorf("TM_MAX_UPLOAD_SIZE: значение %d должно быть > TM_MIN_FIRMWARE_SIZE (%d)",
			cfg.MaxUploadSize, cfg.MinFirmwareSize)
	}

	// TM_DOWNLOAD_TIMEOUT — таймаут загрузки бинарника (по умолчанию 10m)
	cfg.DownloadTimeout, err = getEnvDuration("TM_DOWNLOAD_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_DOWNLOAD_TIMEOUT: %w", err)
	}

	// TM_SOURCE_TIMEOUT — таймаут запроса к источнику (по умолчанию 30s)
	cfg.SourceTimeout, err = getEnvDuration("TM_SOURCE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SOURCE_TIMEOUT: %w", err)
	}

	// TM_GITHUB_TOKEN — опциональный токен GitHub API
	cfg.GitHubToken = getEnvDefault("TM_GITHUB_TOKEN", "")

	// TM_CATALOG_CACHE_SIZE — размер LRU-кэша каталога (по умолчанию 1024 записи)
	cfg.CatalogCacheSize, err = getEnvInt("TM_CATALOG_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("TM_CATALOG_CACHE_SIZE: %w", err)
	}
	if cfg.CatalogCacheSize <= 0 {
		return nil, fmt.Errorf("TM_CATALOG_CACHE_SIZE: значение должно быть положительным")
	}

	// TM_CATALOG_CACHE_TTL — TTL записи LRU-кэша (по умолчанию 5m)
	cfg.CatalogCacheTTL, err = getEnvDuration("TM_CATALOG_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_CATALOG_CACHE_TTL: %w", err)
	}

	// TM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("TM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}

	// TM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("TM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("TM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// TM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("TM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// TM_DEPHEALTH_CHECK_INTERVAL — интервал проверки источников (по умолчанию 60s)
	cfg.DephealthCheckInterval, err = getEnvDuration("TM_DEPHEALTH_CHECK_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// TM_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("TM_DEPHEALTH_GROUP", "tasmotic")

	// DEPHEALTH_NAME — имя владельца пода для метки name (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

// CatalogDBPath — путь к базе каталога официальных прошивок.
func (c *Config) CatalogDBPath() string {
	return filepath.Join(c.DataDir, "firmware.db")
}

// CacheDBPath — путь к базе индекса кэша.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "firmware_cache.db")
}

// CommunityDBPath — путь к базе пользовательских прошивок.
func (c *Config) CommunityDBPath() string {
	return filepath.Join(c.DataDir, "community_firmware.db")
}

// CacheDir — директория кэшированных бинарников.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "firmware_cache")
}

// UploadDir — директория пользовательских бинарников.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "community_uploads")
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 720h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

package cache

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Techposts/Tasmotic/internal/database"
	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/repository"
	"github.com/Techposts/Tasmotic/internal/storage/binstore"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubCatalog — заглушка каталога для кэша.
type stubCatalog struct {
	mu         sync.Mutex
	localPaths map[string]string
	bumps      map[string]int
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		localPaths: make(map[string]string),
		bumps:      make(map[string]int),
	}
}

func (s *stubCatalog) SetLocalPath(ctx context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localPaths[id] = path
	return nil
}

func (s *stubCatalog) BumpDownloadCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumps[id]++
	return nil
}

// testEnv — кэш со всеми зависимостями в TempDir.
type testEnv struct {
	manager *Manager
	repo    repository.CacheRepository
	store   *binstore.Store
	catalog *stubCatalog
}

// setupEnv создаёт менеджер кэша над файловой SQLite.
func setupEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger()

	dbPath := filepath.Join(dir, "firmware_cache.db")
	if err := database.Migrate(dbPath, database.StoreCache, logger); err != nil {
		t.Fatalf("ошибка миграции: %v", err)
	}
	db, err := database.Open(context.Background(), dbPath, logger)
	if err != nil {
		t.Fatalf("ошибка открытия БД: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := binstore.New(filepath.Join(dir, "firmware_cache"))
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}

	repo := repository.NewCacheRepository(db)
	catalog := newStubCatalog()

	if opts.MaxSize == 0 {
		opts.MaxSize = 1 << 30
	}
	if opts.Retention == 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.MinFirmwareSize == 0 {
		opts.MinFirmwareSize = 100
	}
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 10 * time.Second
	}

	return &testEnv{
		manager: New(repo, store, catalog, opts, logger),
		repo:    repo,
		store:   store,
		catalog: catalog,
	}
}

// esp32Image создаёт валидный образ ESP32 заданного размера.
func esp32Image(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xE9, 0x00, 0x00, 0x00})
	for i := 4; i < size; i++ {
		data[i] = byte(i % 251)
	}
	return data
}

// testFirmware создаёт запись каталога для скачивания.
func testFirmware(id, url string) *model.FirmwareEntry {
	return &model.FirmwareEntry{
		ID:          id,
		Name:        "tasmota32.bin",
		Version:     "v14.2.0",
		ChipType:    model.ChipESP32,
		Channel:     model.ChannelStable,
		DownloadURL: url,
	}
}

// TestDownloadAndCache проверяет успешное скачивание с верификацией.
func TestDownloadAndCache(t *testing.T) {
	image := esp32Image(4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(image)
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{})
	ctx := context.Background()
	fw := testFirmware("fw-1", server.URL)

	path, err := env.manager.DownloadAndCache(ctx, fw, nil)
	if err != nil {
		t.Fatalf("ошибка DownloadAndCache: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ошибка чтения файла: %v", err)
	}
	if !bytes.Equal(onDisk, image) {
		t.Error("содержимое кэша не совпадает со скачанным")
	}

	entry, err := env.repo.Get(ctx, "fw-1")
	if err != nil {
		t.Fatalf("запись индекса не создана: %v", err)
	}
	if !entry.Verified {
		t.Error("запись должна быть verified после успешной верификации")
	}
	if entry.FileSize != int64(len(image)) {
		t.Errorf("ожидался размер %d, получен %d", len(image), entry.FileSize)
	}

	if env.catalog.localPaths["fw-1"] != path {
		t.Error("local_path не записан в каталог")
	}
}

// TestDownloadRejectsWrongMagic проверяет, что файл с некорректными
// магическими байтами не попадает в кэш: ни файла, ни записи индекса.
func TestDownloadRejectsWrongMagic(t *testing.T) {
	bad := make([]byte, 4096)
	bad[0] = 0x7F // не E9 и не gzip
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bad)
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{})
	ctx := context.Background()

	_, err := env.manager.DownloadAndCache(ctx, testFirmware("fw-bad", server.URL), nil)
	if err == nil {
		t.Fatal("ожидалась ошибка верификации")
	}

	if _, err := env.repo.Get(ctx, "fw-bad"); err == nil {
		t.Error("запись индекса не должна существовать после отказа")
	}
	entries, readErr := os.ReadDir(env.store.DataDir())
	if readErr != nil {
		t.Fatalf("ошибка чтения директории: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("в кэше остались файлы после отказа: %d", len(entries))
	}
}

// TestDownloadRejectsTooSmall проверяет отказ по минимальному размеру.
func TestDownloadRejectsTooSmall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(esp32Image(50))
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{MinFirmwareSize: 100_000})

	_, err := env.manager.DownloadAndCache(context.Background(), testFirmware("fw-small", server.URL), nil)
	if err == nil {
		t.Fatal("ожидалась ошибка минимального размера")
	}

	entries, readErr := os.ReadDir(env.store.DataDir())
	if readErr != nil {
		t.Fatalf("ошибка чтения директории: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("в кэше остались файлы после отказа: %d", len(entries))
	}
}

// TestGetCachedPath проверяет попадание в кэш и обновление статистики.
func TestGetCachedPath(t *testing.T) {
	image := esp32Image(4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(image)
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{})
	ctx := context.Background()

	// Промах до скачивания
	if _, ok, err := env.manager.GetCachedPath(ctx, "fw-1"); err != nil || ok {
		t.Fatalf("ожидался промах, получено ok=%v err=%v", ok, err)
	}

	path, err := env.manager.DownloadAndCache(ctx, testFirmware("fw-1", server.URL), nil)
	if err != nil {
		t.Fatalf("ошибка DownloadAndCache: %v", err)
	}

	got, ok, err := env.manager.GetCachedPath(ctx, "fw-1")
	if err != nil {
		t.Fatalf("ошибка GetCachedPath: %v", err)
	}
	if !ok || got != path {
		t.Fatalf("ожидалось попадание с путём %s, получено ok=%v path=%s", path, ok, got)
	}

	entry, err := env.repo.Get(ctx, "fw-1")
	if err != nil {
		t.Fatalf("ошибка чтения записи: %v", err)
	}
	// 1 при скачивании + 1 при попадании
	if entry.DownloadCount != 2 {
		t.Errorf("ожидалось download_count=2, получено %d", entry.DownloadCount)
	}
	if env.catalog.bumps["fw-1"] != 1 {
		t.Errorf("ожидался 1 bump каталога, получено %d", env.catalog.bumps["fw-1"])
	}
}

// TestGetCachedPathStaleEntry проверяет инвариант запись⇔файл:
// если файл удалён извне, висячая запись индекса удаляется.
func TestGetCachedPathStaleEntry(t *testing.T) {
	image := esp32Image(4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(image)
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{})
	ctx := context.Background()

	path, err := env.manager.DownloadAndCache(ctx, testFirmware("fw-1", server.URL), nil)
	if err != nil {
		t.Fatalf("ошибка DownloadAndCache: %v", err)
	}

	// Удаляем файл в обход менеджера
	if err := os.Remove(path); err != nil {
		t.Fatalf("ошибка удаления файла: %v", err)
	}

	if _, ok, err := env.manager.GetCachedPath(ctx, "fw-1"); err != nil || ok {
		t.Fatalf("ожидался промах после удаления файла, получено ok=%v err=%v", ok, err)
	}
	if _, err := env.repo.Get(ctx, "fw-1"); err == nil {
		t.Error("висячая запись индекса должна быть удалена")
	}
}

// TestGetCachedPathUnverifiedEntry проверяет, что неверифицированная
// запись индекса недействительна: промах, запись и её файл удаляются,
// файл-сирота на диске не остаётся.
func TestGetCachedPathUnverifiedEntry(t *testing.T) {
	env := setupEnv(t, Options{})
	ctx := context.Background()

	result, err := env.store.Save(bytes.NewReader(esp32Image(4096)), "fw-raw.bin", nil)
	if err != nil {
		t.Fatalf("ошибка записи файла: %v", err)
	}
	err = env.repo.Upsert(ctx, &model.CacheEntry{
		FirmwareID:   "fw-raw",
		LocalPath:    result.Path,
		FileSize:     result.Size,
		MD5:          result.MD5,
		SHA256:       result.SHA256,
		LastAccessed: time.Now().UTC(),
		CachedAt:     time.Now().UTC(),
		Verified:     false,
	})
	if err != nil {
		t.Fatalf("ошибка записи индекса: %v", err)
	}

	if _, ok, err := env.manager.GetCachedPath(ctx, "fw-raw"); err != nil || ok {
		t.Fatalf("ожидался промах для неверифицированной записи, получено ok=%v err=%v", ok, err)
	}
	if _, err := env.repo.Get(ctx, "fw-raw"); err == nil {
		t.Error("неверифицированная запись индекса должна быть удалена")
	}
	if env.store.Exists(result.Path) {
		t.Error("файл неверифицированной записи не должен остаться на диске")
	}
}

// TestDownloadSingleflight проверяет объединение конкурентных
// скачиваний одного firmware_id в один HTTP-запрос.
func TestDownloadSingleflight(t *testing.T) {
	var requests atomic.Int32
	image := esp32Image(4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(50 * time.Millisecond) // даём конкурентам присоединиться
		_, _ = w.Write(image)
	}))
	t.Cleanup(server.Close)

	env := setupEnv(t, Options{})
	fw := testFirmware("fw-1", server.URL)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	paths := make([]string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = env.manager.DownloadAndCache(context.Background(), fw, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("ошибка воркера %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("воркеры получили разные пути: %s != %s", paths[i], paths[0])
		}
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("ожидался 1 HTTP-запрос, выполнено %d", got)
	}
}

// seedCacheEntry кладёт файл в хранилище и запись в индекс.
func seedCacheEntry(t *testing.T, env *testEnv, id string, size int, lastAccessed time.Time, downloads int64) {
	t.Helper()

	result, err := env.store.Save(bytes.NewReader(esp32Image(size)), id+".bin", nil)
	if err != nil {
		t.Fatalf("ошибка записи файла: %v", err)
	}
	err = env.repo.Upsert(context.Background(), &model.CacheEntry{
		FirmwareID:    id,
		LocalPath:     result.Path,
		FileSize:      result.Size,
		MD5:           result.MD5,
		SHA256:        result.SHA256,
		DownloadCount: downloads,
		LastAccessed:  lastAccessed,
		CachedAt:      lastAccessed,
		Verified:      true,
	})
	if err != nil {
		t.Fatalf("ошибка записи индекса: %v", err)
	}
}

// TestCleanupHysteresis проверяет пороги очистки: при 80% потолка
// кэш снижается до уровня не выше 70%.
func TestCleanupHysteresis(t *testing.T) {
	env := setupEnv(t, Options{MaxSize: 10_000})
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	// 9000 байт ≥ 8000 (порог запуска), цель 7000
	seedCacheEntry(t, env, "fw-old-1", 3000, old, 1)
	seedCacheEntry(t, env, "fw-old-2", 3000, old.Add(time.Hour), 2)
	seedCacheEntry(t, env, "fw-fresh", 3000, time.Now().UTC(), 5)

	result, err := env.manager.Cleanup(ctx, false)
	if err != nil {
		t.Fatalf("ошибка Cleanup: %v", err)
	}
	if result.Skipped {
		t.Fatal("очистка не должна быть пропущена при 90% заполнения")
	}

	if result.TotalSize > 7000 {
		t.Errorf("после очистки размер %d выше цели 7000", result.TotalSize)
	}
	// Самый старый кандидат вытесняется первым
	if _, err := env.repo.Get(ctx, "fw-old-1"); err == nil {
		t.Error("самая старая запись должна быть вытеснена")
	}
	if _, err := env.repo.Get(ctx, "fw-fresh"); err != nil {
		t.Error("свежая запись не должна быть вытеснена")
	}
}

// TestCleanupSkippedBelowTrigger проверяет, что очистка без force
// не запускается ниже порога.
func TestCleanupSkippedBelowTrigger(t *testing.T) {
	env := setupEnv(t, Options{MaxSize: 100_000})
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	seedCacheEntry(t, env, "fw-old", 3000, old, 1)

	result, err := env.manager.Cleanup(ctx, false)
	if err != nil {
		t.Fatalf("ошибка Cleanup: %v", err)
	}
	if !result.Skipped {
		t.Error("очистка должна быть пропущена ниже порога")
	}
	if _, err := env.repo.Get(ctx, "fw-old"); err != nil {
		t.Error("записи не должны вытесняться ниже порога")
	}

	// force запускает очистку независимо от порога
	result, err = env.manager.Cleanup(ctx, true)
	if err != nil {
		t.Fatalf("ошибка Cleanup(force): %v", err)
	}
	if result.Skipped {
		t.Error("force-очистка не должна быть пропущена")
	}
}

// TestStats проверяет сводку кэша.
func TestStats(t *testing.T) {
	env := setupEnv(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	seedCacheEntry(t, env, "fw-1", 1000, now, 3)
	seedCacheEntry(t, env, "fw-2", 2000, now, 7)

	stats, err := env.manager.Stats(ctx)
	if err != nil {
		t.Fatalf("ошибка Stats: %v", err)
	}
	if stats.FileCount != 2 {
		t.Errorf("ожидалось 2 файла, получено %d", stats.FileCount)
	}
	if stats.TotalSize != 3000 {
		t.Errorf("ожидался размер 3000, получен %d", stats.TotalSize)
	}
	if stats.TotalDownloads != 10 {
		t.Errorf("ожидалось 10 скачиваний, получено %d", stats.TotalDownloads)
	}
}

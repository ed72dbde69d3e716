package community

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Techposts/Tasmotic/internal/database"
	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/repository"
	"github.com/Techposts/Tasmotic/internal/storage/binstore"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubHashChecker — официальный каталог с фиксированным набором хэшей.
type stubHashChecker struct {
	hashes map[string]bool
}

func (s *stubHashChecker) HashExists(ctx context.Context, sha256 string) (bool, error) {
	return s.hashes[sha256], nil
}

// testEnv — пайплайн со всеми зависимостями в TempDir.
type testEnv struct {
	pipeline *Pipeline
	repo     repository.CommunityRepository
	store    *binstore.Store
	official *stubHashChecker
}

// setupEnv создаёт пайплайн над файловой SQLite.
func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger()

	dbPath := filepath.Join(dir, "community_firmware.db")
	if err := database.Migrate(dbPath, database.StoreCommunity, logger); err != nil {
		t.Fatalf("ошибка миграции: %v", err)
	}
	db, err := database.Open(context.Background(), dbPath, logger)
	if err != nil {
		t.Fatalf("ошибка открытия БД: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := binstore.New(filepath.Join(dir, "community_uploads"))
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}

	repo := repository.NewCommunityRepository(db)
	official := &stubHashChecker{hashes: make(map[string]bool)}

	return &testEnv{
		pipeline: New(repo, store, official, Options{
			MinFirmwareSize: 100_000,
			MaxUploadSize:   10 << 20,
		}, logger),
		repo:     repo,
		store:    store,
		official: official,
	}
}

// esp32Image создаёт валидный образ ESP32 заданного размера.
// seed меняет содержимое, чтобы получать разные хэши.
func esp32Image(size int, seed byte) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xE9, 0x00, 0x00, 0x00})
	for i := 4; i < size; i++ {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// testMeta — типовые метаданные загрузки.
func testMeta() UploadMetadata {
	return UploadMetadata{
		DisplayName: "My Custom Build",
		Description: "Сборка с поддержкой дополнительных датчиков и кастомной конфигурацией GPIO",
		Version:     "1.0.0",
		ChipType:    model.ChipESP32,
		Variant:     "custom-sensors",
	}
}

// TestUploadSuccess проверяет успешную загрузку: статус pending,
// файл на диске, хэши посчитаны.
func TestUploadSuccess(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	data := esp32Image(200_000, 1)

	entry, err := env.pipeline.Upload(ctx, data, "custom.bin", testMeta(), model.Author{Name: "alice"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	if entry.Status != model.CommunityPending {
		t.Errorf("ожидался статус pending, получен %s", entry.Status)
	}
	if len(entry.ID) < 10 || entry.ID[:10] != "community_" {
		t.Errorf("некорректный формат ID: %s", entry.ID)
	}
	if entry.SHA256 == "" || entry.MD5 == "" {
		t.Error("хэши не посчитаны")
	}

	onDisk, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		t.Fatalf("файл загрузки отсутствует: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("содержимое файла не совпадает с загруженным")
	}

	stored, err := env.repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("запись не сохранена: %v", err)
	}
	if stored.Author.Name != "alice" {
		t.Errorf("ожидался автор alice, получен %s", stored.Author.Name)
	}
}

// TestDelete проверяет административное удаление: пропадают и запись,
// и файл на диске; повторное удаление возвращает ErrNotFound.
func TestDelete(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	entry, err := env.pipeline.Upload(ctx, esp32Image(200_000, 1), "custom.bin", testMeta(), model.Author{Name: "alice"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	if err := env.pipeline.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("ошибка Delete: %v", err)
	}

	if _, err := env.repo.GetByID(ctx, entry.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("запись должна быть удалена, получено %v", err)
	}
	if env.store.Exists(entry.LocalPath) {
		t.Error("файл удалённой прошивки остался на диске")
	}

	if err := env.pipeline.Delete(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление должно вернуть ErrNotFound, получено %v", err)
	}
}

// TestUploadRejectsTooSmall проверяет отказ для файла 50 КБ.
func TestUploadRejectsTooSmall(t *testing.T) {
	env := setupEnv(t)

	_, err := env.pipeline.Upload(context.Background(), esp32Image(50_000, 1), "small.bin", testMeta(), model.Author{Name: "alice"})
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("ожидалась ошибка ErrTooSmall, получено: %v", err)
	}

	// Никаких следов на диске
	entries, readErr := os.ReadDir(env.store.DataDir())
	if readErr != nil {
		t.Fatalf("ошибка чтения директории: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("после отказа остались файлы: %d", len(entries))
	}
}

// TestUploadRejectsTooLarge проверяет отказ выше максимального размера.
func TestUploadRejectsTooLarge(t *testing.T) {
	env := setupEnv(t)

	_, err := env.pipeline.Upload(context.Background(), esp32Image(11<<20, 1), "huge.bin", testMeta(), model.Author{Name: "alice"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ошибка ErrTooLarge, получено: %v", err)
	}
}

// TestUploadRejectsBadExtension проверяет allow-list расширений.
func TestUploadRejectsBadExtension(t *testing.T) {
	env := setupEnv(t)

	_, err := env.pipeline.Upload(context.Background(), esp32Image(200_000, 1), "firmware.exe", testMeta(), model.Author{Name: "alice"})
	if !errors.Is(err, ErrBadExtension) {
		t.Fatalf("ожидалась ошибка ErrBadExtension, получено: %v", err)
	}
}

// TestUploadRejectsDuplicateContent проверяет отсечение дублей
// по содержимому в обоих каталогах.
func TestUploadRejectsDuplicateContent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	data := esp32Image(200_000, 1)

	if _, err := env.pipeline.Upload(ctx, data, "first.bin", testMeta(), model.Author{Name: "alice"}); err != nil {
		t.Fatalf("ошибка первой загрузки: %v", err)
	}

	// То же содержимое под другим именем
	_, err := env.pipeline.Upload(ctx, data, "second.bin", testMeta(), model.Author{Name: "bob"})
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("ожидалась ошибка ErrDuplicateContent, получено: %v", err)
	}
}

// TestUploadRejectsOfficialDuplicate проверяет дубль против
// официального каталога.
func TestUploadRejectsOfficialDuplicate(t *testing.T) {
	env := setupEnv(t)
	data := esp32Image(200_000, 2)

	chip, err := env.pipeline.Validate(context.Background(), data, "fw.bin")
	if err != nil {
		t.Fatalf("неожиданная ошибка валидации: %v", err)
	}
	if chip != model.ChipESP32 {
		t.Errorf("ожидался chip ESP32, получен %s", chip)
	}

	// Помечаем hash как существующий в официальном каталоге
	sum := shaOf(data)
	env.official.hashes[sum] = true

	_, err = env.pipeline.Validate(context.Background(), data, "fw.bin")
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("ожидалась ошибка ErrDuplicateContent, получено: %v", err)
	}
}

// TestUploadRejectsBadMagic проверяет отказ по магическим байтам.
func TestUploadRejectsBadMagic(t *testing.T) {
	env := setupEnv(t)
	data := make([]byte, 200_000)
	data[0] = 0x7F

	_, err := env.pipeline.Upload(context.Background(), data, "notfw.bin", testMeta(), model.Author{Name: "alice"})
	if !errors.Is(err, ErrBadFormat) {
		t.Fatalf("ожидалась ошибка ErrBadFormat, получено: %v", err)
	}
}

// TestUploadRejectsSuspiciousContent проверяет сканирование содержимого.
func TestUploadRejectsSuspiciousContent(t *testing.T) {
	env := setupEnv(t)
	data := esp32Image(200_000, 3)
	copy(data[1000:], []byte("<?php system($_GET['cmd']);"))

	_, err := env.pipeline.Upload(context.Background(), data, "bad.bin", testMeta(), model.Author{Name: "alice"})
	if !errors.Is(err, ErrSuspicious) {
		t.Fatalf("ожидалась ошибка ErrSuspicious, получено: %v", err)
	}
}

// TestUploadGzipAccepted проверяет, что gzip-обёртка проходит
// проверку формата с неизвестным чипом.
func TestUploadGzipAccepted(t *testing.T) {
	env := setupEnv(t)
	data := make([]byte, 200_000)
	data[0], data[1] = 0x1F, 0x8B
	for i := 2; i < len(data); i++ {
		data[i] = byte(i % 249)
	}

	meta := testMeta()
	meta.ChipType = ""

	entry, err := env.pipeline.Upload(context.Background(), data, "fw.bin.gz", meta, model.Author{Name: "alice"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}
	if entry.ChipType != model.ChipUnknown {
		t.Errorf("ожидался chip Unknown для gzip, получен %s", entry.ChipType)
	}
}

// TestRateOncePerUser проверяет ограничение одной оценки на пользователя
// и пересчёт агрегата.
func TestRateOncePerUser(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	entry, err := env.pipeline.Upload(ctx, esp32Image(200_000, 4), "fw.bin", testMeta(), model.Author{Name: "alice"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	if err := env.pipeline.Rate(ctx, entry.ID, "user-1", 5, "отличная сборка"); err != nil {
		t.Fatalf("ошибка Rate: %v", err)
	}
	if err := env.pipeline.Rate(ctx, entry.ID, "user-2", 3, ""); err != nil {
		t.Fatalf("ошибка Rate: %v", err)
	}

	// Повторная оценка того же пользователя
	err = env.pipeline.Rate(ctx, entry.ID, "user-1", 1, "")
	if !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("ожидалась ошибка ErrAlreadyRated, получено: %v", err)
	}

	// Оценка вне диапазона
	if err := env.pipeline.Rate(ctx, entry.ID, "user-3", 6, ""); !errors.Is(err, ErrBadRating) {
		t.Fatalf("ожидалась ошибка ErrBadRating, получено: %v", err)
	}

	stored, err := env.repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("ошибка GetByID: %v", err)
	}
	if stored.RatingCount != 2 {
		t.Errorf("ожидалось rating_count=2, получено %d", stored.RatingCount)
	}
	if stored.Rating != 4.0 {
		t.Errorf("ожидался агрегат 4.0, получен %g", stored.Rating)
	}
}

// TestReportRefreshesCount проверяет учёт жалоб.
func TestReportRefreshesCount(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	entry, err := env.pipeline.Upload(ctx, esp32Image(200_000, 5), "fw.bin", testMeta(), model.Author{Name: "alice"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	if err := env.pipeline.Report(ctx, entry.ID, "user-1", model.ReportMalware, "подозрительное поведение", ""); err != nil {
		t.Fatalf("ошибка Report: %v", err)
	}
	if err := env.pipeline.Report(ctx, entry.ID, "user-2", model.ReportSpam, "спам", ""); err != nil {
		t.Fatalf("ошибка Report: %v", err)
	}

	// Неизвестный тип жалобы
	if err := env.pipeline.Report(ctx, entry.ID, "user-3", "weird", "", ""); !errors.Is(err, ErrBadReportType) {
		t.Fatalf("ожидалась ошибка ErrBadReportType, получено: %v", err)
	}

	stored, err := env.repo.GetByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("ошибка GetByID: %v", err)
	}
	if stored.ReportCount != 2 {
		t.Errorf("ожидалось report_count=2, получено %d", stored.ReportCount)
	}
}

// TestListFilters проверяет фильтры списка пользовательских прошивок.
func TestListFilters(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.Upload(ctx, esp32Image(200_000, 6), "a.bin", testMeta(), model.Author{Name: "alice"}); err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}
	entry, err := env.pipeline.Upload(ctx, esp32Image(200_000, 7), "b.bin", testMeta(), model.Author{Name: "bob"})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}
	if err := env.pipeline.SetStatus(ctx, entry.ID, model.CommunityApproved, "проверено вручную", "admin"); err != nil {
		t.Fatalf("ошибка SetStatus: %v", err)
	}

	approved, err := env.pipeline.List(ctx, repository.CommunityFilter{Status: model.CommunityApproved})
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != entry.ID {
		t.Errorf("ожидалась 1 одобренная запись, получено %d", len(approved))
	}

	byAuthor, err := env.pipeline.List(ctx, repository.CommunityFilter{Author: "ali"})
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(byAuthor) != 1 {
		t.Errorf("ожидалась 1 запись автора alice, получено %d", len(byAuthor))
	}
}

// shaOf считает SHA-256 для теста.
func shaOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

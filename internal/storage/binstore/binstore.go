// Пакет binstore — операции с бинарниками прошивок на диске.
// Обеспечивает streaming-запись с подсчётом MD5 и SHA-256 на лету,
// проверку магических байтов и атомарную публикацию файла.
package binstore

import (
	"crypto/md5" //nolint:gosec // G501: MD5 нужен для совместимости с OTA-экосистемой Tasmota
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// Магические байты образов прошивок.
var (
	// esp32Magic — заголовок образа ESP32
	esp32Magic = []byte{0xE9, 0x00, 0x00, 0x00}
	// esp8266Magic — первый байт образа ESP8266
	esp8266Magic = byte(0xE9)
	// gzipMagic — заголовок gzip-обёртки
	gzipMagic = []byte{0x1F, 0x8B}
)

// Store — хранилище бинарников прошивок на диске.
type Store struct {
	// dataDir — корневая директория хранения (TM_DATA_DIR/firmware_cache)
	dataDir string
}

// SaveResult — результат сохранения бинарника на диск.
type SaveResult struct {
	// Path — абсолютный путь опубликованного файла
	Path string
	// Size — размер записанных данных в байтах
	Size int64
	// MD5, SHA256 — хэши содержимого, посчитанные при записи
	MD5    string
	SHA256 string
}

// ProgressFunc — callback прогресса записи: сколько байт записано.
type ProgressFunc func(written int64)

// New создаёт хранилище бинарников. Создаёт директорию, если её нет.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

// Save записывает данные из reader в файл {name} с подсчётом MD5 и
// SHA-256 на лету. progress — опциональный callback прогресса (nil — без).
//
// Паттерн: temp файл с uuid-суффиксом → запись + хэши → fsync →
// атомарный rename. При любой ошибке temp файл удаляется: частично
// записанные файлы никогда не публикуются.
func (s *Store) Save(reader io.Reader, name string, progress ProgressFunc) (*SaveResult, error) {
	fullPath := filepath.Join(s.dataDir, name)
	tmpPath := fullPath + ".tmp-" + uuid.New().String()[:8]

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	md5Hasher := md5.New() //nolint:gosec // G401: см. комментарий к импорту
	shaHasher := sha256.New()
	tee := io.TeeReader(reader, io.MultiWriter(md5Hasher, shaHasher))

	size, err := copyWithProgress(f, tee, progress)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Path:   fullPath,
		Size:   size,
		MD5:    hex.EncodeToString(md5Hasher.Sum(nil)),
		SHA256: hex.EncodeToString(shaHasher.Sum(nil)),
	}, nil
}

// SaveTemp записывает данные во временный файл БЕЗ публикации.
// Используется, когда содержимое нужно проверить перед rename
// (минимальный размер, магические байты). Вызывающий код обязан
// затем вызвать Publish или Discard.
func (s *Store) SaveTemp(reader io.Reader, progress ProgressFunc) (tmpPath string, result *SaveResult, err error) {
	tmpPath = filepath.Join(s.dataDir, ".download-"+uuid.New().String())

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	md5Hasher := md5.New() //nolint:gosec // G401: см. комментарий к импорту
	shaHasher := sha256.New()
	tee := io.TeeReader(reader, io.MultiWriter(md5Hasher, shaHasher))

	size, err := copyWithProgress(f, tee, progress)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return tmpPath, &SaveResult{
		Path:   tmpPath,
		Size:   size,
		MD5:    hex.EncodeToString(md5Hasher.Sum(nil)),
		SHA256: hex.EncodeToString(shaHasher.Sum(nil)),
	}, nil
}

// Publish атомарно переименовывает временный файл в {name}.
func (s *Store) Publish(tmpPath, name string) (string, error) {
	fullPath := filepath.Join(s.dataDir, name)
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return fullPath, nil
}

// Discard удаляет временный файл. Ошибка отсутствия файла игнорируется.
func (s *Store) Discard(tmpPath string) {
	_ = os.Remove(tmpPath)
}

// Delete удаляет файл с диска. Возвращает nil, если файла уже нет.
func (s *Store) Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Exists проверяет существование файла на диске.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DataDir возвращает путь к директории хранилища.
func (s *Store) DataDir() string {
	return s.dataDir
}

// TotalSize возвращает суммарный размер файлов в хранилище.
// Временные файлы скачиваний не учитываются.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка обхода хранилища: %w", err)
	}
	return total, nil
}

// VerifyMagic проверяет заголовок образа прошивки по магическим байтам.
// ESP32: E9 00 00 00, ESP8266: первый байт E9. Gzip-обёртка (1F 8B)
// допустима для любого чипа.
func VerifyMagic(header []byte, chip model.ChipType) error {
	if len(header) >= 2 && header[0] == gzipMagic[0] && header[1] == gzipMagic[1] {
		return nil
	}

	switch chip {
	case model.ChipESP32:
		if len(header) < 4 {
			return fmt.Errorf("заголовок короче 4 байт")
		}
		for i, b := range esp32Magic {
			if header[i] != b {
				return fmt.Errorf("некорректные магические байты ESP32: % X", header[:4])
			}
		}
	default:
		if len(header) < 1 {
			return fmt.Errorf("пустой заголовок образа")
		}
		if header[0] != esp8266Magic {
			return fmt.Errorf("некорректный первый байт образа: %X", header[0])
		}
	}
	return nil
}

// ReadHeader читает первые n байт файла для проверки магических байтов.
func ReadHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, n)
	read, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("ошибка чтения заголовка %s: %w", path, err)
	}
	return header[:read], nil
}

// copyWithProgress копирует данные с вызовом progress-callback
// по мере записи.
func copyWithProgress(dst io.Writer, src io.Reader, progress ProgressFunc) (int64, error) {
	if progress == nil {
		return io.Copy(dst, src)
	}

	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			progress(written)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

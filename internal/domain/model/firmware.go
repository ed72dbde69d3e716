// Пакет model — доменные модели подсистемы управления прошивками.
// FirmwareEntry — запись каталога официальных прошивок, CacheEntry —
// запись индекса дискового кэша, CommunityEntry — пользовательская
// прошивка со своим жизненным циклом модерации.
package model

import (
	"crypto/md5" //nolint:gosec // G501: MD5 — ключ дедупликации каталога (совместимость с OTA-экосистемой), не криптография
	"encoding/hex"
	"fmt"
	"time"
)

// ChipType — семейство чипа, для которого собрана прошивка.
type ChipType string

const (
	// ChipESP32 — прошивки tasmota32*/esp32*
	ChipESP32 ChipType = "ESP32"
	// ChipESP8266 — все остальные сборки Tasmota
	ChipESP8266 ChipType = "ESP8266"
	// ChipUnknown — тип не определён (например, gzip-обёртка без метаданных)
	ChipUnknown ChipType = "Unknown"
)

// Channel — канал зрелости релиза.
type Channel string

const (
	// ChannelStable — официальные релизы
	ChannelStable Channel = "stable"
	// ChannelBeta — предрелизные сборки
	ChannelBeta Channel = "beta"
	// ChannelDevelopment — development-сборки с OTA-сервера и артефактов CI
	ChannelDevelopment Channel = "development"
)

// FirmwareStatus — статус записи каталога.
type FirmwareStatus string

const (
	// FirmwareAvailable — прошивка доступна для скачивания
	FirmwareAvailable FirmwareStatus = "available"
	// FirmwareRemoved — запись снята администратором (hard delete не выполняется)
	FirmwareRemoved FirmwareStatus = "removed"
)

// FirmwareEntry — запись каталога официальных прошивок.
// ID — ключ дедупликации: md5(name_version_channel). Повторный опрос
// источника с тем же именем/версией/каналом не создаёт новой строки.
type FirmwareEntry struct {
	ID          string
	Name        string
	Version     string
	ChipType    ChipType
	Variant     string
	Channel     Channel
	Source      string
	DownloadURL string

	// LocalPath — путь к закэшированному бинарнику ("" — не в кэше)
	LocalPath string
	Size      int64
	MD5       string
	SHA256    string

	PublishedAt time.Time
	Changelog   string

	// Features — набор функций, выведенный классификатором из имени файла
	Features []string
	// Compatibility — метки совместимости (локали, железо)
	Compatibility []string

	// Verified — true только для авторитетных релизных источников
	Verified bool
	Status   FirmwareStatus

	DownloadCount int64
	Rating        float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DedupKey вычисляет ключ дедупликации каталога из имени, версии
// и канала. Детерминированный: одинаковые входы всегда дают один ключ.
func DedupKey(name, version string, channel Channel) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%s_%s", name, version, channel))) //nolint:gosec // G401: см. комментарий к импорту
	return hex.EncodeToString(sum[:])
}

package model

import "time"

// CacheEntry — запись индекса дискового кэша прошивок.
// Инвариант: запись существует тогда и только тогда, когда существует
// файл LocalPath на диске. Не более одной записи на FirmwareID.
// Запись создаётся только после успешной проверки целостности.
type CacheEntry struct {
	FirmwareID  string
	LocalPath   string
	DownloadURL string
	FileSize    int64
	MD5         string
	SHA256      string

	// DownloadCount — сколько раз файл отдавался из кэша
	DownloadCount int64
	LastAccessed  time.Time
	CachedAt      time.Time

	// Verified — файл прошёл проверку размера и magic-сигнатуры
	Verified bool
}

// CacheStats — сводка состояния кэша для ops-поверхности и health.
type CacheStats struct {
	// TotalSize — суммарный размер файлов кэша в байтах
	TotalSize int64
	// FileCount — количество записей индекса
	FileCount int
	// TotalDownloads — суммарное количество выдач из кэша
	TotalDownloads int64
	// LastCleanup — время последней очистки (zero — не выполнялась)
	LastCleanup time.Time
}

package model

import "time"

// TriggerSource — источник запуска задачи планировщика.
type TriggerSource string

const (
	// TriggerScheduled — запуск по таймеру
	TriggerScheduled TriggerSource = "scheduled"
	// TriggerManual — ручной запуск через admin-маршрут
	TriggerManual TriggerSource = "manual"
)

// JobRun — запись одного выполнения задачи планировщика.
// История ограничена по размеру: старые записи вытесняются.
type JobRun struct {
	ID      string
	JobName string
	Trigger TriggerSource

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	// Counters — счётчики результата задачи (найдено обновлений,
	// удалено файлов и т.п.), произвольный набор по задаче
	Counters map[string]int

	// Error — текст ошибки ("" — успех)
	Error string
}

// JobError — запись журнала ошибок планировщика (ограниченный FIFO).
type JobError struct {
	JobName    string
	Error      string
	OccurredAt time.Time
}

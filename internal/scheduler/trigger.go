package scheduler

import (
	"fmt"
	"time"
)

// Trigger — расписание срабатывания задачи.
type Trigger interface {
	// Next возвращает ближайший момент срабатывания строго после after.
	Next(after time.Time) time.Time
	String() string
}

// dailyAt — срабатывание каждый день в фиксированное локальное время.
type dailyAt struct {
	hour   int
	minute int
}

// DailyAt создаёт расписание "каждый день в hh:mm".
func DailyAt(hour, minute int) Trigger {
	return dailyAt{hour: hour, minute: minute}
}

func (t dailyAt) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), t.hour, t.minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (t dailyAt) String() string {
	return fmt.Sprintf("daily at %02d:%02d", t.hour, t.minute)
}

// every — срабатывание через фиксированный интервал.
type every struct {
	interval time.Duration
}

// Every создаёт расписание с фиксированным интервалом.
func Every(interval time.Duration) Trigger {
	return every{interval: interval}
}

func (t every) Next(after time.Time) time.Time {
	return after.Add(t.interval)
}

func (t every) String() string {
	return "every " + t.interval.String()
}

// weeklyOn — срабатывание раз в неделю в фиксированный день и время.
type weeklyOn struct {
	weekday time.Weekday
	hour    int
	minute  int
}

// WeeklyOn создаёт расписание "каждую неделю в weekday hh:mm".
func WeeklyOn(weekday time.Weekday, hour, minute int) Trigger {
	return weeklyOn{weekday: weekday, hour: hour, minute: minute}
}

func (t weeklyOn) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), t.hour, t.minute, 0, 0, after.Location())
	days := (int(t.weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (t weeklyOn) String() string {
	return fmt.Sprintf("weekly on %s %02d:%02d", t.weekday, t.hour, t.minute)
}

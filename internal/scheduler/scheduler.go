// Пакет scheduler — планировщик фоновых задач.
//
// Реестр задач фиксируется до запуска. Каждая задача работает на
// собственном таймере: долгая задача не задерживает старт других.
// Одна и та же задача никогда не выполняется в двух экземплярах
// одновременно (TryLock); разные задачи могут пересекаться.
// Паника внутри тела задачи перехватывается на границе планировщика.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Techposts/Tasmotic/internal/domain/model"
)

// Ограничения журналов планировщика.
const (
	historyLimit = 50
	errorLimit   = 50
)

// Ошибки ручного запуска задач.
var (
	// ErrUnknownJob — задача с таким именем не зарегистрирована.
	ErrUnknownJob = errors.New("неизвестная задача")
	// ErrAlreadyRunning — задача уже выполняется.
	ErrAlreadyRunning = errors.New("задача уже выполняется")
)

// Prometheus метрики планировщика
var (
	// jobRunsTotal — выполнения задач по имени и результату.
	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_scheduler_job_runs_total",
			Help: "Выполнения задач планировщика",
		},
		[]string{"job", "result"},
	)

	// jobDuration — длительность выполнения задач.
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_scheduler_job_duration_seconds",
			Help:    "Длительность выполнения задач планировщика в секундах",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)
)

// JobFunc — тело задачи. Возвращает счётчики результата.
type JobFunc func(ctx context.Context) (map[string]int, error)

// job — зарегистрированная задача.
type job struct {
	name    string
	trigger Trigger
	fn      JobFunc

	// runMu гарантирует единственный экземпляр задачи
	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	nextRun time.Time
	lastRun *model.JobRun
}

// JobStatus — состояние одной задачи для admin-маршрута.
type JobStatus struct {
	Name    string
	Trigger string
	Running bool
	NextRun time.Time
	LastRun *model.JobRun
}

// Status — состояние планировщика.
type Status struct {
	Running bool
	Jobs    []JobStatus
	History []model.JobRun
	Errors  []model.JobError
}

// Scheduler — планировщик фоновых задач.
type Scheduler struct {
	logger *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*job
	order []string

	// history — кольцо последних запусков, errors — FIFO ошибок
	history []model.JobRun
	errors  []model.JobError

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New создаёт пустой планировщик.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With(slog.String("component", "scheduler")),
		jobs:   make(map[string]*job),
	}
}

// Register добавляет задачу в реестр. Вызывается до Start;
// повторная регистрация имени — ошибка программиста.
func (s *Scheduler) Register(name string, trigger Trigger, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("реестр задач фиксируется до запуска планировщика")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("задача %s уже зарегистрирована", name)
	}

	s.jobs[name] = &job{name: name, trigger: trigger, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Start запускает таймеры всех задач. Вызывается один раз при старте.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go s.runTimer(runCtx, j)
	}

	s.logger.Info("планировщик запущен", slog.Int("jobs", len(jobs)))
}

// Stop останавливает таймеры и дожидается завершения текущих задач.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("планировщик остановлен")
}

// runTimer — цикл таймера одной задачи.
func (s *Scheduler) runTimer(ctx context.Context, j *job) {
	defer s.wg.Done()

	for {
		next := j.trigger.Next(time.Now())
		j.mu.Lock()
		j.nextRun = next
		j.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Запуск в отдельной горутине: расчёт следующего срабатывания
		// не ждёт завершения долгой задачи
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, j, model.TriggerScheduled)
		}()
	}
}

// TriggerManually выполняет задачу немедленно тем же путём, что и
// запуск по таймеру. Если задача уже выполняется, возвращается ошибка.
func (s *Scheduler) TriggerManually(ctx context.Context, name string) (*model.JobRun, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	run := s.execute(ctx, j, model.TriggerManual)
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	return run, nil
}

// execute выполняет тело задачи с защитой от паники и записью
// результата в историю. Возвращает nil, если задача уже выполняется.
func (s *Scheduler) execute(ctx context.Context, j *job, trigger model.TriggerSource) *model.JobRun {
	if !j.runMu.TryLock() {
		s.logger.Warn("задача пропущена: предыдущий экземпляр ещё выполняется",
			slog.String("job", j.name),
		)
		jobRunsTotal.WithLabelValues(j.name, "skipped").Inc()
		return nil
	}
	defer j.runMu.Unlock()

	j.mu.Lock()
	j.running = true
	j.mu.Unlock()

	run := &model.JobRun{
		ID:        uuid.New().String(),
		JobName:   j.name,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Info("задача запущена",
		slog.String("job", j.name),
		slog.String("trigger", string(trigger)),
	)

	counters, err := s.invoke(ctx, j)

	run.FinishedAt = time.Now().UTC()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	run.Counters = counters
	jobDuration.WithLabelValues(j.name).Observe(run.Duration.Seconds())

	if err != nil {
		run.Error = err.Error()
		jobRunsTotal.WithLabelValues(j.name, "error").Inc()
		s.recordError(j.name, err)
		s.logger.Error("задача завершилась с ошибкой",
			slog.String("job", j.name),
			slog.Duration("duration", run.Duration),
			slog.String("error", err.Error()),
		)
	} else {
		jobRunsTotal.WithLabelValues(j.name, "success").Inc()
		s.logger.Info("задача завершена",
			slog.String("job", j.name),
			slog.Duration("duration", run.Duration),
		)
	}

	j.mu.Lock()
	j.running = false
	j.lastRun = run
	j.mu.Unlock()

	s.recordRun(*run)
	return run
}

// invoke вызывает тело задачи, превращая панику в ошибку.
func (s *Scheduler) invoke(ctx context.Context, j *job) (counters map[string]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в задаче %s: %v", j.name, r)
			s.logger.Error("паника в задаче",
				slog.String("job", j.name),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	return j.fn(ctx)
}

// recordRun добавляет запись в кольцо истории.
func (s *Scheduler) recordRun(run model.JobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, run)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// recordError добавляет запись в FIFO ошибок.
func (s *Scheduler) recordError(jobName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors = append(s.errors, model.JobError{
		JobName:    jobName,
		Error:      err.Error(),
		OccurredAt: time.Now().UTC(),
	})
	if len(s.errors) > errorLimit {
		s.errors = s.errors[len(s.errors)-errorLimit:]
	}
}

// Status возвращает состояние планировщика для admin-маршрута.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running: s.running,
		Jobs:    make([]JobStatus, 0, len(s.order)),
		History: append([]model.JobRun(nil), s.history...),
		Errors:  append([]model.JobError(nil), s.errors...),
	}

	for _, name := range s.order {
		j := s.jobs[name]
		j.mu.Lock()
		status.Jobs = append(status.Jobs, JobStatus{
			Name:    j.name,
			Trigger: j.trigger.String(),
			Running: j.running,
			NextRun: j.nextRun,
			LastRun: j.lastRun,
		})
		j.mu.Unlock()
	}
	return status
}

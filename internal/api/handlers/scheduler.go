// scheduler.go — обработчики admin-маршрутов планировщика.
// GET /api/v1/scheduler/status — состояние задач, история запусков, журнал ошибок.
// POST /api/v1/scheduler/jobs/{name}/trigger — ручной запуск задачи.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Techposts/Tasmotic/internal/api/errors"
	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/scheduler"
)

// JobScheduler — интерфейс планировщика для admin-маршрутов.
type JobScheduler interface {
	Status() scheduler.Status
	TriggerManually(ctx context.Context, name string) (*model.JobRun, error)
}

// SchedulerHandler — обработчик admin-маршрутов планировщика.
type SchedulerHandler struct {
	sched JobScheduler
}

// NewSchedulerHandler создаёт обработчик admin-маршрутов планировщика.
func NewSchedulerHandler(sched JobScheduler) *SchedulerHandler {
	return &SchedulerHandler{sched: sched}
}

// jobRunResponse — одно выполнение задачи.
type jobRunResponse struct {
	ID         string         `json:"id"`
	JobName    string         `json:"job_name"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
	Counters   map[string]int `json:"counters,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// jobStatusResponse — состояние одной зарегистрированной задачи.
type jobStatusResponse struct {
	Name    string          `json:"name"`
	Trigger string          `json:"trigger"`
	Running bool            `json:"running"`
	NextRun time.Time       `json:"next_run"`
	LastRun *jobRunResponse `json:"last_run,omitempty"`
}

// jobErrorResponse — запись журнала ошибок.
type jobErrorResponse struct {
	JobName    string    `json:"job_name"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// statusResponse — полное состояние планировщика.
type statusResponse struct {
	Running bool                `json:"running"`
	Jobs    []jobStatusResponse `json:"jobs"`
	History []jobRunResponse    `json:"history"`
	Errors  []jobErrorResponse  `json:"errors"`
}

// triggerResponse — результат ручного запуска.
type triggerResponse struct {
	Run jobRunResponse `json:"run"`
}

func toRunResponse(run model.JobRun) jobRunResponse {
	return jobRunResponse{
		ID:         run.ID,
		JobName:    run.JobName,
		Trigger:    string(run.Trigger),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMS: run.Duration.Milliseconds(),
		Counters:   run.Counters,
		Error:      run.Error,
	}
}

// GetStatus — состояние планировщика: задачи, история, журнал ошибок.
func (h *SchedulerHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.sched.Status()

	resp := statusResponse{
		Running: st.Running,
		Jobs:    make([]jobStatusResponse, 0, len(st.Jobs)),
		History: make([]jobRunResponse, 0, len(st.History)),
		Errors:  make([]jobErrorResponse, 0, len(st.Errors)),
	}

	for _, j := range st.Jobs {
		js := jobStatusResponse{
			Name:    j.Name,
			Trigger: j.Trigger,
			Running: j.Running,
			NextRun: j.NextRun,
		}
		if j.LastRun != nil {
			run := toRunResponse(*j.LastRun)
			js.LastRun = &run
		}
		resp.Jobs = append(resp.Jobs, js)
	}
	for _, run := range st.History {
		resp.History = append(resp.History, toRunResponse(run))
	}
	for _, e := range st.Errors {
		resp.Errors = append(resp.Errors, jobErrorResponse{
			JobName:    e.JobName,
			Error:      e.Error,
			OccurredAt: e.OccurredAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// TriggerJob — ручной запуск задачи по имени. Запуск синхронный:
// ответ возвращается после завершения задачи вместе с её записью.
func (h *SchedulerHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		apierrors.ValidationError(w, "имя задачи не указано")
		return
	}

	run, err := h.sched.TriggerManually(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		apierrors.NotFound(w, err.Error())
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		apierrors.JobRunning(w, err.Error())
		return
	case err != nil:
		apierrors.InternalError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(triggerResponse{Run: toRunResponse(*run)})
}

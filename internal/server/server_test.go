package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/Techposts/Tasmotic/internal/api/handlers"
	"github.com/Techposts/Tasmotic/internal/config"
	"github.com/Techposts/Tasmotic/internal/domain/model"
	"github.com/Techposts/Tasmotic/internal/scheduler"
)

// stubChecker — заглушка проверки готовности хранилищ.
type stubChecker struct {
	status  string
	message string
}

func (c *stubChecker) CheckReady() (string, string) {
	return c.status, c.message
}

// stubScheduler — заглушка планировщика для маршрутов admin API.
type stubScheduler struct {
	status     scheduler.Status
	triggerRun *model.JobRun
	triggerErr error
}

func (s *stubScheduler) Status() scheduler.Status {
	return s.status
}

func (s *stubScheduler) TriggerManually(_ context.Context, _ string) (*model.JobRun, error) {
	return s.triggerRun, s.triggerErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, checker handlers.ReadinessChecker, sched handlers.JobScheduler) http.Handler {
	t.Helper()
	cfg := &config.Config{Port: 8090, ShutdownTimeout: time.Second}
	srv := New(cfg, testLogger(),
		handlers.NewHealthHandler(checker),
		handlers.NewSchedulerHandler(sched),
	)
	return srv.Handler()
}

// TestHealthLive проверяет liveness probe.
func TestHealthLive(t *testing.T) {
	h := newTestServer(t, &stubChecker{status: "ok"}, &stubScheduler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}

	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка разбора ответа: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("ожидался статус ok, получен %q", body.Status)
	}
	if body.Service != "tasmotic" {
		t.Errorf("ожидался сервис tasmotic, получен %q", body.Service)
	}
}

// TestHealthReady проверяет readiness probe для доступных и недоступных хранилищ.
func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checker    *stubChecker
		wantStatus int
	}{
		{"хранилища доступны", &stubChecker{status: "ok", message: "все хранилища доступны"}, http.StatusOK},
		{"хранилище недоступно", &stubChecker{status: "fail", message: "база недоступна"}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, tt.checker, &stubScheduler{})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("ожидался статус %d, получен %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

// TestMetricsEndpoint проверяет, что /metrics отдаёт Prometheus exposition format.
func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &stubChecker{status: "ok"}, &stubScheduler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Error("тело /metrics не должно быть пустым")
	}
}

// TestSchedulerStatus проверяет сериализацию состояния планировщика.
func TestSchedulerStatus(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	sched := &stubScheduler{
		status: scheduler.Status{
			Running: true,
			Jobs: []scheduler.JobStatus{
				{Name: "firmware_updates", Trigger: "daily@02:00", NextRun: now.Add(14 * time.Hour)},
			},
			History: []model.JobRun{
				{ID: "run-1", JobName: "firmware_updates", Trigger: model.TriggerScheduled,
					StartedAt: now, FinishedAt: now.Add(3 * time.Second), Duration: 3 * time.Second,
					Counters: map[string]int{"added": 2}},
			},
			Errors: []model.JobError{
				{JobName: "cache_cleanup", Error: "диск недоступен", OccurredAt: now},
			},
		},
	}
	h := newTestServer(t, &stubChecker{status: "ok"}, sched)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}

	var body struct {
		Running bool `json:"running"`
		Jobs    []struct {
			Name    string `json:"name"`
			Trigger string `json:"trigger"`
		} `json:"jobs"`
		History []struct {
			ID         string         `json:"id"`
			Trigger    string         `json:"trigger"`
			DurationMS int64          `json:"duration_ms"`
			Counters   map[string]int `json:"counters"`
		} `json:"history"`
		Errors []struct {
			JobName string `json:"job_name"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ошибка разбора ответа: %v", err)
	}

	if !body.Running {
		t.Error("планировщик должен быть running")
	}
	if len(body.Jobs) != 1 || body.Jobs[0].Name != "firmware_updates" {
		t.Errorf("некорректный список задач: %+v", body.Jobs)
	}
	if len(body.History) != 1 || body.History[0].DurationMS != 3000 {
		t.Errorf("некорректная история: %+v", body.History)
	}
	if body.History[0].Counters["added"] != 2 {
		t.Errorf("счётчики запуска потеряны: %+v", body.History[0].Counters)
	}
	if len(body.Errors) != 1 || body.Errors[0].JobName != "cache_cleanup" {
		t.Errorf("некорректный журнал ошибок: %+v", body.Errors)
	}
}

// TestTriggerJob проверяет маппинг ошибок ручного запуска на HTTP статус-коды.
func TestTriggerJob(t *testing.T) {
	okRun := &model.JobRun{ID: "run-ok", JobName: "cache_cleanup", Trigger: model.TriggerManual}

	tests := []struct {
		name       string
		sched      *stubScheduler
		wantStatus int
	}{
		{"успешный запуск", &stubScheduler{triggerRun: okRun}, http.StatusOK},
		{"неизвестная задача", &stubScheduler{triggerErr: scheduler.ErrUnknownJob}, http.StatusNotFound},
		{"задача уже выполняется", &stubScheduler{triggerErr: scheduler.ErrAlreadyRunning}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubChecker{status: "ok"}, tt.sched)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
				"/api/v1/scheduler/jobs/cache_cleanup/trigger", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("ожидался статус %d, получен %d", tt.wantStatus, rec.Code)
			}

			if tt.wantStatus == http.StatusOK {
				var body struct {
					Run struct {
						ID      string `json:"id"`
						Trigger string `json:"trigger"`
					} `json:"run"`
				}
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("ошибка разбора ответа: %v", err)
				}
				if body.Run.ID != "run-ok" || body.Run.Trigger != "manual" {
					t.Errorf("некорректная запись запуска: %+v", body.Run)
				}
			}
		})
	}
}

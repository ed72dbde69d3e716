// logging.go — slog-логирование запросов к сервисному API.
// Кроме фактического пути пишется нормализованный маршрут (тот же,
// что идёт в лейблы метрик), чтобы запросы ручного запуска разных
// задач группировались в логах одинаково.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// loggingResponseWriter перехватывает статус-код и объём ответа.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lw.ResponseWriter.Write(b)
	lw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// levelFor выбирает уровень записи по классу статус-кода:
// 5xx — ERROR, 4xx — WARN, остальное — INFO. Health-probes и опрос
// метрик попадают в INFO и отсекаются конфигурацией уровня.
func levelFor(statusCode int) slog.Level {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return slog.LevelError
	case statusCode >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger возвращает middleware, пишущий одну запись на запрос:
// метод, путь, маршрут, статус, длительность, объём ответа, remote_addr.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(lw, r)

			logger.LogAttrs(r.Context(), levelFor(lw.statusCode), "запрос сервисного API",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", normalizePath(r.URL.Path)),
				slog.Int("status", lw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", lw.written),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

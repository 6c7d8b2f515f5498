// metrics.go — Prometheus HTTP метрики Fetch Module.
// Регистрирует метрики: fm_http_requests_total, fm_http_request_duration_seconds.
// Бизнес-метрики очереди и движка скачивания регистрируются
// в соответствующих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Fetch Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Fetch Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// OperationsTotal — операции клиентского интерфейса (отдача файлов,
// плейлисты, RPC) по результату. Обновляется из сервисного слоя.
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fm_operations_total",
		Help: "Общее количество операций клиентского интерфейса",
	},
	[]string{"operation", "result"},
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			path := normalizePath(r.URL.Path)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath сводит путь к шаблону маршрута, чтобы ID видео
// не раздували кардинальность метрик.
// /0f8e….mp4 → /{id}.mp4
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics", "/jsonrpc", "/playlist.xspf":
		return path
	}
	if strings.HasSuffix(path, ".mp4") && strings.Count(path, "/") == 1 {
		return "/{id}.mp4"
	}
	return "other"
}

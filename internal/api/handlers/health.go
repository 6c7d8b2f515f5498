// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/fetch-module/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// ReadinessChecker — проверка готовности зависимости.
type ReadinessChecker interface {
	// Name — имя проверки в ответе
	Name() string
	// CheckReady возвращает статус ("ok", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// webRoot — корневая директория видео (проверка записи)
	webRoot  string
	checkers []ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(webRoot string, checkers ...ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		webRoot:  webRoot,
		checkers: checkers,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   config.ServiceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет запись в web root и все зарегистрированные зависимости.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := map[string]any{
		"filesystem": h.checkFilesystem(),
	}
	if checks["filesystem"].(map[string]any)["status"] != "ok" {
		overallStatus = statusFail
	}

	for _, c := range h.checkers {
		status, msg := c.CheckReady()
		check := map[string]any{"status": status}
		if msg != "" {
			check["message"] = msg
		}
		checks[c.Name()] = check
		if status != "ok" {
			overallStatus = statusFail
		}
	}

	if overallStatus == statusFail {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   config.ServiceName,
		"checks":    checks,
	})
}

// checkFilesystem проверяет доступность web root на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.webRoot == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.webRoot, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория видео недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

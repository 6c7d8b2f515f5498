// handler.go — APIHandler собирает доменные handler'ы и регистрирует маршруты.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware — обёртка http.Handler.
type Middleware = func(http.Handler) http.Handler

// APIHandler — все endpoints Fetch Module.
type APIHandler struct {
	rpc         *RPCHandler
	files       *FilesHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler

	// rpcAuth защищает /jsonrpc (JWT); nil — без проверки на HTTP-уровне
	rpcAuth Middleware
	// adminAuth защищает служебные endpoints; nil — без проверки
	adminAuth Middleware
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	rpc *RPCHandler,
	files *FilesHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
	rpcAuth Middleware,
	adminAuth Middleware,
) *APIHandler {
	return &APIHandler{
		rpc:         rpc,
		files:       files,
		maintenance: maintenance,
		health:      health,
		rpcAuth:     rpcAuth,
		adminAuth:   adminAuth,
	}
}

// Register монтирует маршруты в роутер.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	r.Get("/playlist.xspf", h.files.Playlist)
	r.Get("/{id}.mp4", h.files.ServeVideo)

	r.Group(func(r chi.Router) {
		if h.rpcAuth != nil {
			r.Use(h.rpcAuth)
		}
		r.Method(http.MethodPost, "/jsonrpc", h.rpc)
		r.Method(http.MethodGet, "/jsonrpc", h.rpc)
	})

	r.Group(func(r chi.Router) {
		if h.adminAuth != nil {
			r.Use(h.adminAuth)
		}
		r.Post("/api/v1/maintenance/reconcile", h.maintenance.Reconcile)
	})
}

// files.go — HTTP handlers клиентского интерфейса: отдача видео и плейлист.
package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/fetch-module/internal/api/errors"
	"github.com/bigkaa/goartstore/fetch-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/fetch-module/internal/service"
)

// PlaylistWriter — построитель плейлиста.
type PlaylistWriter interface {
	Write(w io.Writer, orderBy, key string) error
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	downloads *service.DownloadService
	playlists PlaylistWriter
	logger    *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(downloads *service.DownloadService, playlists PlaylistWriter, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		downloads: downloads,
		playlists: playlists,
		logger:    logger.With(slog.String("component", "files_handler")),
	}
}

// ServeVideo обрабатывает GET /{id}.mp4.
// Поддерживает Range requests (206 Partial Content).
func (h *FilesHandler) ServeVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if derr := h.downloads.Serve(w, r, id); derr != nil {
		apierrors.WriteError(w, derr.StatusCode, derr.Code, derr.Message)
	}
}

// Playlist обрабатывает GET /playlist.xspf?orderby=&key=.
func (h *FilesHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var buf bytes.Buffer
	if err := h.playlists.Write(&buf, q.Get("orderby"), q.Get("key")); err != nil {
		h.logger.Error("Ошибка построения плейлиста", slog.String("error", err.Error()))
		middleware.OperationsTotal.WithLabelValues("playlist", "error").Inc()
		apierrors.InternalError(w, "Ошибка построения плейлиста")
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	middleware.OperationsTotal.WithLabelValues("playlist", "success").Inc()
}

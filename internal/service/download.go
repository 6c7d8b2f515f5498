// download.go — отдача скачанных видео клиентам.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/fetch-module/internal/api/errors"
	"github.com/bigkaa/goartstore/fetch-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

// DownloadService — сервис отдачи файлов по ID записи.
type DownloadService struct {
	store  *store.Store
	files  *filestore.FileStore
	logger *slog.Logger
}

// NewDownloadService создаёт сервис отдачи файлов.
func NewDownloadService(st *store.Store, files *filestore.FileStore, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		store:  st,
		files:  files,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// DownloadError — ошибка отдачи с HTTP-кодом.
type DownloadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Lookup возвращает путь файла записи и признак его наличия.
// Если запись есть, а файла нет, запись сразу получает Exists=false.
func (s *DownloadService) Lookup(ctx context.Context, id string) (string, bool) {
	v, ok := s.store.Get(id)
	if !ok {
		return "", false
	}
	if s.files.Exists(v.Path) {
		return v.Path, true
	}
	s.markMissing(ctx, id)
	return v.Path, false
}

// Serve отдаёт файл клиенту через http.ServeContent.
// Поддерживает Range requests (206 Partial Content) и ETag (If-None-Match).
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, id string) *DownloadError {
	path, exists := s.Lookup(r.Context(), id)
	if path == "" {
		middleware.OperationsTotal.WithLabelValues("serve", "not_found").Inc()
		return &DownloadError{
			StatusCode: http.StatusNotFound,
			Code:       apierrors.CodeNotFound,
			Message:    fmt.Sprintf("Видео %s не найдено", id),
		}
	}
	if !exists {
		s.logger.Warn("Файл не найден на диске",
			slog.String("video_id", id),
			slog.String("path", path),
		)
		return missingFile(id)
	}

	file, err := s.files.Open(path)
	if err != nil && !errors.Is(err, filestore.ErrFileNotFound) {
		s.logger.Error("Ошибка открытия файла",
			slog.String("video_id", id),
			slog.String("error", err.Error()),
		)
		middleware.OperationsTotal.WithLabelValues("serve", "error").Inc()
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}
	if err != nil {
		// файл пропал между проверкой и открытием
		s.markMissing(r.Context(), id)
		return missingFile(id)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil || !stat.Mode().IsRegular() {
		middleware.OperationsTotal.WithLabelValues("serve", "error").Inc()
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
		}
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	if v, ok := s.store.Get(id); ok && len(v.Hash) > 0 {
		w.Header().Set("ETag", fmt.Sprintf("%q", v.HashHex()))
	}

	http.ServeContent(w, r, id+".mp4", stat.ModTime(), file)

	middleware.OperationsTotal.WithLabelValues("serve", "success").Inc()
	s.logger.Debug("Файл отдан",
		slog.String("video_id", id),
		slog.Int64("size", stat.Size()),
	)
	return nil
}

func missingFile(id string) *DownloadError {
	middleware.OperationsTotal.WithLabelValues("serve", "missing").Inc()
	return &DownloadError{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    fmt.Sprintf("Файл видео %s не найден на диске", id),
	}
}

func (s *DownloadService) markMissing(ctx context.Context, id string) {
	if err := s.store.SetExists(context.WithoutCancel(ctx), id, false); err != nil {
		s.logger.Error("Ошибка обновления признака наличия файла",
			slog.String("video_id", id),
			slog.String("error", err.Error()),
		)
	}
}

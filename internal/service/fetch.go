// fetch.go — выполнение задачи скачивания: загрузка файла движком,
// проверка результата и запись в каталог.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/downloader"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

// Transfer — движок передачи файла (downloader.Engine).
type Transfer interface {
	Download(ctx context.Context, req downloader.Request) error
}

// FetchService выполняет задачи очереди (реализует queue.Runner).
type FetchService struct {
	engine Transfer
	files  *filestore.FileStore
	store  *store.Store
	// journal — журнал скачиваний, nil отключает
	journal *wal.WAL
	now     func() time.Time
	logger  *slog.Logger
}

// NewFetchService создаёт сервис выполнения задач.
func NewFetchService(
	engine Transfer,
	files *filestore.FileStore,
	st *store.Store,
	journal *wal.WAL,
	logger *slog.Logger,
) *FetchService {
	return &FetchService{
		engine:  engine,
		files:   files,
		store:   st,
		journal: journal,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "fetch_service")),
	}
}

// Run скачивает файл задачи и добавляет запись в каталог.
// Размер и хэш записи вычисляются по файлу на диске после скачивания.
// При любой ошибке файл удаляется, запись не создаётся.
func (s *FetchService) Run(ctx context.Context, task *model.VideoTask, progress func(float64)) (err error) {
	if err := task.Validate(); err != nil {
		return err
	}

	rec := task.Video.Clone()
	rec.Normalize()

	// Источник мог появиться в каталоге, пока задача ждала в очереди.
	// Запись с тем же ID владеет тем же путём на диске.
	if _, ok := s.store.FindBySource(rec.Source); ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateSource, rec.Source)
	}
	if _, ok := s.store.Get(rec.ID); ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}

	path := s.files.VideoPath(rec.Author, rec.ID, rec.Source)
	// Разные ID могут дать одно имя файла после очистки символов.
	if owner, ok := s.store.FindByPath(path); ok {
		return fmt.Errorf("%w: %s (запись %s)", store.ErrDuplicatePath, path, owner.ID)
	}

	if s.journal != nil {
		entry, jerr := s.journal.StartTransaction(wal.OpDownload, rec.ID, path)
		if jerr != nil {
			return jerr
		}
		defer func() { s.finish(entry.TransactionID, err == nil) }()
	}

	header := http.Header{}
	if task.Authorization != "" {
		header.Set("Authorization", task.Authorization)
	}
	if cookie := task.CookieHeader(); cookie != "" {
		header.Set("Cookie", cookie)
	}

	err = s.engine.Download(ctx, downloader.Request{
		URL:      task.DownloadURL,
		Path:     path,
		Header:   header,
		Proxy:    task.DownloadProxy,
		Progress: progress,
	})
	if err != nil {
		return err
	}

	size, hash, err := s.files.Inspect(path)
	if err != nil {
		s.discard(path)
		return fmt.Errorf("ошибка проверки скачанного файла: %w", err)
	}

	rec.Path = path
	rec.Size = size
	rec.Hash = hash
	rec.Exists = true
	rec.DownloadTime = s.now().UTC()

	if err := s.store.Add(ctx, rec); err != nil {
		s.discard(path)
		if errors.Is(err, store.ErrDuplicateSource) || errors.Is(err, store.ErrDuplicateID) {
			return err
		}
		return fmt.Errorf("ошибка записи в каталог: %w", err)
	}

	s.logger.Info("Видео добавлено в каталог",
		slog.String("video_id", rec.ID),
		slog.String("source", rec.Source),
		slog.String("path", path),
		slog.Int64("size", size),
		slog.String("sha256", rec.HashHex()),
	)
	return nil
}

// RecoverInterrupted разбирает скачивания, прерванные остановкой
// процесса. Файл остаётся, только если запись каталога уже ссылается
// на него, иначе он удаляется как недокачанный. Возвращает количество
// удалённых файлов.
func (s *FetchService) RecoverInterrupted() (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	pending, err := s.journal.RecoverPending()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range pending {
		v, ok := s.store.Get(e.VideoID)
		if ok && v.Path == e.Path {
			s.finish(e.TransactionID, true)
			continue
		}
		s.logger.Warn("Удаление недокачанного файла",
			slog.String("video_id", e.VideoID),
			slog.String("path", e.Path),
			slog.Time("started_at", e.StartedAt),
		)
		s.discard(e.Path)
		s.finish(e.TransactionID, false)
		removed++
	}

	if _, err := s.journal.CleanCommitted(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *FetchService) finish(txID string, ok bool) {
	var err error
	if ok {
		err = s.journal.Commit(txID)
	} else {
		err = s.journal.Rollback(txID)
	}
	if err != nil {
		s.logger.Warn("Ошибка завершения записи журнала",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *FetchService) discard(path string) {
	if err := s.files.Delete(path); err != nil {
		s.logger.Warn("Не удалось удалить файл",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

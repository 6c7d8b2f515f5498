package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending — запись уже завершена.
var ErrNotPending = errors.New("запись журнала не в статусе pending")

// WAL — файловый журнал скачиваний.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New открывает журнал в dir, создавая директорию при необходимости.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	_ = os.Remove(testFile)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// StartTransaction создаёт pending-запись для операции над файлом path.
func (w *WAL) StartTransaction(op OperationType, videoID, path string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.NewString(),
		Operation:     op,
		Status:        StatusPending,
		VideoID:       videoID,
		Path:          path,
		StartedAt:     time.Now().UTC(),
	}
	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	w.logger.Debug("Операция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(op)),
		slog.String("video_id", videoID),
	)
	return entry, nil
}

// Commit помечает операцию успешной.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback помечает операцию отменённой.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

func (w *WAL) finish(txID string, status TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.readEntry(txID)
	if err != nil {
		return err
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("%w: %s (%s)", ErrNotPending, txID, entry.Status)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now
	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %s: %w", txID, err)
	}

	w.logger.Debug("Операция завершена",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)
	return nil
}

// RecoverPending возвращает pending-записи в порядке начала операций.
// Нечитаемые записи пропускаются.
func (w *WAL) RecoverPending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []*Entry
	err := w.scan(func(_ string, e *Entry) {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(pending, func(a, b *Entry) int { return a.StartedAt.Compare(b.StartedAt) })
	return pending, nil
}

// CleanCommitted удаляет завершённые записи, возвращает их количество.
func (w *WAL) CleanCommitted() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cleaned := 0
	err := w.scan(func(path string, e *Entry) {
		if e.Status == StatusPending {
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		cleaned++
	})
	return cleaned, err
}

// Dir возвращает директорию журнала.
func (w *WAL) Dir() string {
	return w.dir
}

func (w *WAL) scan(fn func(path string, e *Entry)) error {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}
	for _, path := range paths {
		e, err := w.readEntry(strings.TrimSuffix(filepath.Base(path), ".wal.json"))
		if err != nil {
			w.logger.Warn("Не удалось прочитать запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		fn(path, e)
	}
	return nil
}

// writeEntry пишет запись атомарно: temp файл, fsync, rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	target := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmp := target + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ошибка переименования: %w", err)
	}
	return nil
}

func (w *WAL) readEntry(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(txID)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("запись журнала %s не найдена: %w", txID, err)
		}
		return nil, fmt.Errorf("ошибка чтения записи журнала %s: %w", txID, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи %s: %w", txID, err)
	}
	return &entry, nil
}

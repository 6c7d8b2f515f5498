// lock.go — эксклюзивная блокировка web root через flock().
// Второй экземпляр с тем же FM_WEB_ROOT не стартует.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockFileName — файл блокировки в корне web root.
const lockFileName = ".fetch-module.lock"

// ErrLocked — web root занят другим процессом.
var ErrLocked = errors.New("директория видео используется другим процессом")

// RootLock — захваченная блокировка web root.
type RootLock struct {
	f *os.File
}

// Lock захватывает блокировку web root без ожидания.
func (s *FileStore) Lock() (*RootLock, error) {
	path := filepath.Join(s.webRoot, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть lock-файл %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, s.webRoot)
		}
		return nil, fmt.Errorf("ошибка flock %s: %w", path, err)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &RootLock{f: f}, nil
}

// Unlock снимает блокировку. Повторный вызов безопасен.
func (l *RootLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

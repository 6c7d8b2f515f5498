// Пакет filestore — операции с файлами видео на диске.
// Раскладка: {webRoot}/{author}/{id}[{source}].mp4. Пути в записях
// каталога абсолютные, поэтому методы принимают полный путь.
package filestore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrFileNotFound — файла нет на диске.
var ErrFileNotFound = errors.New("файл не найден")

// maxSegmentRunes — ограничение длины одного компонента пути.
const maxSegmentRunes = 100

// FileStore — файлы видео под корневой директорией.
type FileStore struct {
	// webRoot — корневая директория (FM_WEB_ROOT), абсолютный путь
	webRoot string
}

// New создаёт FileStore, при необходимости создаёт корневую директорию.
func New(webRoot string) (*FileStore, error) {
	abs, err := filepath.Abs(webRoot)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить абсолютный путь %s: %w", webRoot, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", abs, err)
	}
	return &FileStore{webRoot: abs}, nil
}

// VideoPath возвращает путь файла видео.
// Пример: /data/Unknown/0f8e…[iwara].mp4
func (s *FileStore) VideoPath(author, id, source string) string {
	name := fmt.Sprintf("%s[%s].mp4", sanitize(id, "video"), sanitize(source, "unknown"))
	return filepath.Join(s.webRoot, sanitize(author, "Unknown"), name)
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (s *FileStore) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	return f, nil
}

// Delete удаляет файл. Отсутствующий файл ошибкой не считается.
func (s *FileStore) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Exists проверяет, что по пути лежит обычный файл.
func (s *FileStore) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Size возвращает размер файла.
func (s *FileStore) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", path, err)
	}
	return info.Size(), nil
}

// ComputeChecksum вычисляет SHA-256 файла потоково.
func (s *FileStore) ComputeChecksum(path string) ([]byte, error) {
	_, sum, err := s.Inspect(path)
	return sum, err
}

// Inspect возвращает размер и SHA-256 файла за один проход.
func (s *FileStore) Inspect(path string) (int64, []byte, error) {
	f, err := s.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return 0, nil, fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}
	return size, hasher.Sum(nil), nil
}

// WebRoot возвращает корневую директорию.
func (s *FileStore) WebRoot() string {
	return s.webRoot
}

// sanitize делает строку пригодной компонентом пути: разделители,
// зарезервированные и управляющие символы заменяются на '_'.
// Юникод (кириллица, иероглифы) сохраняется.
func sanitize(str, fallback string) string {
	var b strings.Builder
	n := 0
	for _, r := range str {
		if n == maxSegmentRunes {
			break
		}
		switch {
		case unicode.IsControl(r), strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
		n++
	}

	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return fallback
	}
	return out
}

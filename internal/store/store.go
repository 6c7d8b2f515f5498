// Пакет store — каталог скачанных видео: упорядоченная коллекция
// в памяти со сквозной записью в репозиторий.
//
// Каждое изменение сначала сохраняется в репозитории, затем
// применяется в памяти; при ошибке репозитория память не меняется.
// Изменения сериализуются мьютексом, чтение — под RLock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/repository"
)

// Ошибки каталога.
var (
	// ErrNotFound — записи с таким ID нет
	ErrNotFound = errors.New("видео не найдено")
	// ErrDuplicateID — запись с таким ID уже есть
	ErrDuplicateID = errors.New("видео с таким ID уже существует")
	// ErrDuplicateSource — запись с таким источником уже есть
	ErrDuplicateSource = errors.New("видео с таким источником уже существует")
	// ErrDuplicatePath — файл по этому пути принадлежит другой записи
	ErrDuplicatePath = errors.New("путь файла занят другой записью")
)

var recordsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fm_catalog_records",
	Help: "Количество записей каталога по признаку наличия файла.",
}, []string{"exists"})

// Store — каталог видео.
type Store struct {
	mu     sync.RWMutex
	repo   repository.VideoRepository
	videos []*model.Video
	byID   map[string]*model.Video
	logger *slog.Logger
}

// Open загружает каталог из репозитория.
func Open(ctx context.Context, repo repository.VideoRepository, logger *slog.Logger) (*Store, error) {
	list, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки каталога: %w", err)
	}

	s := &Store{
		repo:   repo,
		videos: make([]*model.Video, 0, len(list)),
		byID:   make(map[string]*model.Video, len(list)),
		logger: logger.With(slog.String("component", "store")),
	}
	for _, v := range list {
		if _, dup := s.byID[v.ID]; dup {
			continue
		}
		s.videos = append(s.videos, v)
		s.byID[v.ID] = v
	}
	s.updateGauge()

	s.logger.Info("Каталог загружен", slog.Int("records", len(s.videos)))
	return s, nil
}

// Add добавляет запись. Запись нормализуется (значения по умолчанию,
// Source в нижнем регистре).
func (s *Store) Add(ctx context.Context, v *model.Video) error {
	rec := v.Clone()
	rec.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if s.findSourceLocked(rec.Source) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, rec.Source)
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return err
	}

	s.videos = append(s.videos, rec)
	s.byID[rec.ID] = rec
	s.updateGauge()
	return nil
}

// Update заменяет запись с тем же ID.
func (s *Store) Update(ctx context.Context, v *model.Video) error {
	rec := v.Clone()
	rec.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, rec)
}

// SetExists меняет признак наличия файла. Чтение и запись записи
// выполняются под одной блокировкой.
func (s *Store) SetExists(ctx context.Context, id string, exists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if old.Exists == exists {
		return nil
	}
	rec := old.Clone()
	rec.Exists = exists
	return s.updateLocked(ctx, rec)
}

func (s *Store) updateLocked(ctx context.Context, rec *model.Video) error {
	old, ok := s.byID[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	if other := s.findSourceLocked(rec.Source); other != nil && other.ID != rec.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, rec.Source)
	}

	if err := s.repo.Update(ctx, rec); err != nil {
		return err
	}

	i := slices.Index(s.videos, old)
	s.videos[i] = rec
	s.byID[rec.ID] = rec
	s.updateGauge()
	return nil
}

// Remove удаляет запись по ID.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	s.videos = slices.DeleteFunc(s.videos, func(v *model.Video) bool { return v == old })
	delete(s.byID, id)
	s.updateGauge()
	return nil
}

// Get возвращает копию записи по ID.
func (s *Store) Get(id string) (*model.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// FindBySource возвращает копию записи с указанным источником.
func (s *Store) FindBySource(source string) (*model.Video, bool) {
	probe := model.Video{Source: source}
	probe.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.findSourceLocked(probe.Source)
	if v == nil {
		return nil, false
	}
	return v.Clone(), true
}

// FindByPath возвращает копию записи, чей файл лежит по path.
func (s *Store) FindByPath(path string) (*model.Video, bool) {
	path = filepath.Clean(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.videos {
		if v.Path != "" && filepath.Clean(v.Path) == path {
			return v.Clone(), true
		}
	}
	return nil, false
}

// List возвращает копии всех записей в порядке добавления.
func (s *Store) List() []*model.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Video, len(s.videos))
	for i, v := range s.videos {
		out[i] = v.Clone()
	}
	return out
}

// Len — количество записей.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.videos)
}

// Ping проверяет доступность репозитория.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Store) findSourceLocked(source string) *model.Video {
	for _, v := range s.videos {
		if v.Source == source {
			return v
		}
	}
	return nil
}

func (s *Store) updateGauge() {
	var present int
	for _, v := range s.videos {
		if v.Exists {
			present++
		}
	}
	recordsGauge.WithLabelValues("true").Set(float64(present))
	recordsGauge.WithLabelValues("false").Set(float64(len(s.videos) - present))
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/fetch-module/internal/config"
	"github.com/bigkaa/goartstore/fetch-module/internal/database"
	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/repository"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errRepoDown = errors.New("репозиторий недоступен")

// memRepo — репозиторий в памяти с внедрением ошибок.
type memRepo struct {
	mu      sync.Mutex
	videos  []*model.Video
	fail    bool
	inserts int
}

func (r *memRepo) List(context.Context) ([]*model.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errRepoDown
	}
	out := make([]*model.Video, len(r.videos))
	for i, v := range r.videos {
		out[i] = v.Clone()
	}
	return out, nil
}

func (r *memRepo) Insert(_ context.Context, v *model.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRepoDown
	}
	for _, e := range r.videos {
		if e.ID == v.ID {
			return repository.ErrConflict
		}
	}
	r.inserts++
	r.videos = append(r.videos, v.Clone())
	return nil
}

func (r *memRepo) Update(_ context.Context, v *model.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRepoDown
	}
	for i, e := range r.videos {
		if e.ID == v.ID {
			r.videos[i] = v.Clone()
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRepoDown
	}
	for i, e := range r.videos {
		if e.ID == id {
			r.videos = append(r.videos[:i], r.videos[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) Ping(context.Context) error {
	if r.fail {
		return errRepoDown
	}
	return nil
}

func (r *memRepo) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func openStore(t *testing.T, repo repository.VideoRepository) *Store {
	t.Helper()
	s, err := Open(context.Background(), repo, newTestLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func video(id, source string) *model.Video {
	return &model.Video{ID: id, Source: source, Size: 10, Exists: true}
}

func TestAdd_Normalizes(t *testing.T) {
	s := openStore(t, &memRepo{})
	ctx := context.Background()

	if err := s.Add(ctx, video("a", "  HTTPS://Site/V1 ")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("запись не найдена")
	}
	if got.Source != "https://site/v1" {
		t.Errorf("Source = %q", got.Source)
	}
	if got.Name != "a" || got.Author != model.DefaultAuthor {
		t.Errorf("Name/Author = %q/%q", got.Name, got.Author)
	}
	if len(got.Tag) != 1 || got.Tag[0] != model.DefaultTag {
		t.Errorf("Tag = %v", got.Tag)
	}
}

func TestAdd_DuplicateSource(t *testing.T) {
	repo := &memRepo{}
	s := openStore(t, repo)
	ctx := context.Background()

	if err := s.Add(ctx, video("a", "https://site/v1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := s.Add(ctx, video("b", "HTTPS://SITE/V1"))
	if !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("ожидается ErrDuplicateSource, получено %v", err)
	}
	err = s.Add(ctx, video("a", "https://site/v2"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("ожидается ErrDuplicateID, получено %v", err)
	}

	if s.Len() != 1 || repo.inserts != 1 {
		t.Errorf("Len = %d, inserts = %d, ожидается 1/1", s.Len(), repo.inserts)
	}
}

func TestWriteThrough_RepoFailureLeavesMemoryIntact(t *testing.T) {
	repo := &memRepo{}
	s := openStore(t, repo)
	ctx := context.Background()

	if err := s.Add(ctx, video("a", "s1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	repo.setFail(true)
	if err := s.Add(ctx, video("b", "s2")); !errors.Is(err, errRepoDown) {
		t.Errorf("Add: ожидается errRepoDown, получено %v", err)
	}
	if err := s.SetExists(ctx, "a", false); !errors.Is(err, errRepoDown) {
		t.Errorf("SetExists: ожидается errRepoDown, получено %v", err)
	}
	if err := s.Remove(ctx, "a"); !errors.Is(err, errRepoDown) {
		t.Errorf("Remove: ожидается errRepoDown, получено %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("Len = %d, ожидается 1", s.Len())
	}
	got, _ := s.Get("a")
	if !got.Exists {
		t.Error("Exists изменился в памяти, хотя запись в репозиторий не удалась")
	}
}

func TestUpdateAndRemove(t *testing.T) {
	repo := &memRepo{}
	s := openStore(t, repo)
	ctx := context.Background()

	for _, v := range []*model.Video{video("a", "s1"), video("b", "s2"), video("c", "s3")} {
		if err := s.Add(ctx, v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := s.SetExists(ctx, "b", false); err != nil {
		t.Fatalf("SetExists: %v", err)
	}
	if got, _ := s.Get("b"); got.Exists {
		t.Error("Exists должен стать false")
	}
	if list, _ := repo.List(ctx); list[1].Exists {
		t.Error("изменение не записано в репозиторий")
	}

	upd := video("c", "s1")
	if err := s.Update(ctx, upd); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("Update на чужой источник: ожидается ErrDuplicateSource, получено %v", err)
	}
	if err := s.Update(ctx, video("zzz", "s9")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update несуществующей: ожидается ErrNotFound, получено %v", err)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Remove: ожидается ErrNotFound, получено %v", err)
	}

	list := s.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("порядок после удаления нарушен: %v", ids(list))
	}
	if _, ok := s.FindBySource("s1"); ok {
		t.Error("источник удалённой записи всё ещё найден")
	}
	if v, ok := s.FindBySource(" S3 "); !ok || v.ID != "c" {
		t.Error("FindBySource должен нормализовать источник")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := openStore(t, &memRepo{})
	ctx := context.Background()

	v := video("a", "s1")
	v.Tag = []string{"x"}
	if err := s.Add(ctx, v); err != nil {
		t.Fatalf("Add: %v", err)
	}
	v.Tag[0] = "changed"

	got, _ := s.Get("a")
	got.Tag[0] = "mutated"
	got.Size = 999

	again, _ := s.Get("a")
	if again.Tag[0] != "x" || again.Size != 10 {
		t.Errorf("внутренняя запись изменена снаружи: %+v", again)
	}
}

func TestOpen_LoadsOrderAndSkipsDuplicateIDs(t *testing.T) {
	repo := &memRepo{videos: []*model.Video{
		video("a", "s1"), video("b", "s2"), video("a", "s3"),
	}}
	s := openStore(t, repo)

	if got := ids(s.List()); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List = %v, ожидается [a b]", got)
	}
}

func TestOpen_RepoError(t *testing.T) {
	repo := &memRepo{fail: true}
	if _, err := Open(context.Background(), repo, newTestLogger()); !errors.Is(err, errRepoDown) {
		t.Fatalf("ожидается errRepoDown, получено %v", err)
	}
}

func TestConcurrentAddSameSource(t *testing.T) {
	s := openStore(t, &memRepo{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := s.Add(ctx, video(id, "https://same/source")); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || s.Len() != 1 {
		t.Errorf("принято %d, записей %d, ожидается 1/1", accepted, s.Len())
	}
}

// Полный цикл с SQLite: записи переживают переоткрытие каталога.
func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	path := filepath.Join(t.TempDir(), "videos.db")

	open := func() (*Store, func()) {
		db, err := database.OpenSQLite(ctx, path, logger)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		cfg := &config.Config{DBDriver: config.DriverSQLite, DBPath: path}
		if err := database.Migrate(cfg, logger); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		s, err := Open(ctx, repository.NewSQLiteRepository(db), logger)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s, func() { _ = db.Close() }
	}

	s, closeDB := open()
	v := video("a", "https://site/v1")
	v.UploadTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v.Hash = []byte{1, 2, 3}
	if err := s.Add(ctx, v); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, video("b", "https://site/v2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	closeDB()

	s, closeDB = open()
	defer closeDB()

	if s.Len() != 1 {
		t.Fatalf("после переоткрытия записей %d, ожидается 1", s.Len())
	}
	got, _ := s.Get("a")
	if got.HashHex() != "010203" || !got.UploadTime.Equal(v.UploadTime) {
		t.Errorf("запись восстановлена неверно: %+v", got)
	}
}

func ids(list []*model.Video) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = v.ID
	}
	return out
}

func TestFindByPath(t *testing.T) {
	s := openStore(t, &memRepo{})
	ctx := context.Background()

	v := video("a", "https://example.com/a")
	v.Path = "/media/author/a.mp4"
	if err := s.Add(ctx, v); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, video("b", "https://example.com/b")); err != nil {
		t.Fatal(err)
	}

	got, ok := s.FindByPath("/media/author/../author/a.mp4")
	if !ok || got.ID != "a" {
		t.Errorf("FindByPath = %v, %v", got, ok)
	}
	if _, ok := s.FindByPath("/media/author/b.mp4"); ok {
		t.Error("чужой путь не должен находиться")
	}
	// Запись без пути не владеет никаким файлом
	if _, ok := s.FindByPath(""); ok {
		t.Error("пустой путь не должен находиться")
	}
}

// SetExists не должен затирать поля, изменённые параллельным Update.
func TestSetExists_ConcurrentUpdateKeepsFields(t *testing.T) {
	s := openStore(t, &memRepo{})
	ctx := context.Background()
	if err := s.Add(ctx, video("a", "https://example.com/a")); err != nil {
		t.Fatal(err)
	}

	for i := range 200 {
		name := fmt.Sprintf("name-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			v, _ := s.Get("a")
			v.Name = name
			if err := s.Update(ctx, v); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.SetExists(ctx, "a", i%2 == 0); err != nil {
				t.Errorf("SetExists: %v", err)
			}
		}()
		wg.Wait()

		if v, _ := s.Get("a"); v.Name != name {
			t.Fatalf("итерация %d: Name = %q, ожидается %q", i, v.Name, name)
		}
	}
}

func TestSetExists_NotFound(t *testing.T) {
	s := openStore(t, &memRepo{})
	if err := s.SetExists(context.Background(), "zzz", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидается ErrNotFound, получено %v", err)
	}
}

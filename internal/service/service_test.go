package service

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigkaa/goartstore/fetch-module/internal/config"
	"github.com/bigkaa/goartstore/fetch-module/internal/database"
	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/repository"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — каталог на SQLite и файловое хранилище во временной директории.
type testEnv struct {
	dir     string
	files   *filestore.FileStore
	store   *store.Store
	journal *wal.WAL
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := newTestLogger()
	dir := t.TempDir()

	cfg := &config.Config{DBDriver: config.DriverSQLite, DBPath: filepath.Join(dir, "videos.db")}
	db, err := database.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	st, err := store.Open(ctx, repository.NewSQLiteRepository(db), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	files, err := filestore.New(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	journal, err := wal.New(filepath.Join(dir, "wal"), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	return &testEnv{dir: dir, files: files, store: st, journal: journal}
}

// addVideo кладёт файл с content на диск и добавляет запись в каталог.
func (e *testEnv) addVideo(t *testing.T, v *model.Video, content []byte) *model.Video {
	t.Helper()
	v.Normalize()
	v.Path = e.files.VideoPath(v.Author, v.ID, v.Source)
	if err := os.MkdirAll(filepath.Dir(v.Path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(v.Path, content, 0o640); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	v.Size = int64(len(content))
	v.Hash = sum[:]
	v.Exists = true
	if err := e.store.Add(context.Background(), v); err != nil {
		t.Fatalf("store.Add: %v", err)
	}
	return v
}

package database

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/fetch-module/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestSQLite_MigrateAndOpen — миграции применяются к новому файлу и
// повторно не ломаются.
func TestSQLite_MigrateAndOpen(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DBDriver: config.DriverSQLite,
		DBPath:   filepath.Join(t.TempDir(), "nested", "videos.db"),
	}

	db, err := OpenSQLite(ctx, cfg.DBPath, newTestLogger())
	if err != nil {
		t.Fatalf("Ошибка OpenSQLite: %v", err)
	}
	defer db.Close()

	for i := range 2 {
		if err := Migrate(cfg, newTestLogger()); err != nil {
			t.Fatalf("Ошибка миграции (проход %d): %v", i+1, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Videos`).Scan(&count); err != nil {
		t.Fatalf("таблица Videos не создана: %v", err)
	}
	if count != 0 {
		t.Errorf("COUNT = %d, ожидается 0", count)
	}
}

// TestSQLite_ExistingTable — база, созданная ранее без истории миграций,
// принимается как есть.
func TestSQLite_ExistingTable(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DBDriver: config.DriverSQLite, DBPath: filepath.Join(t.TempDir(), "videos.db")}

	db, err := OpenSQLite(ctx, cfg.DBPath, newTestLogger())
	if err != nil {
		t.Fatalf("Ошибка OpenSQLite: %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE 'Videos' (
		ID TEXT PRIMARY KEY UNIQUE, Source TEXT NOT NULL, Name TEXT NOT NULL,
		Alias TEXT NOT NULL, Author TEXT NOT NULL, Tag TEXT NOT NULL, Info TEXT NOT NULL,
		UploadTime DATETIME NOT NULL, DownloadTime DATETIME NOT NULL, Size INTEGER NOT NULL,
		Path TEXT NOT NULL, [Exists] BOOLEAN NOT NULL, Hash BLOB NOT NULL)`)
	if err != nil {
		t.Fatalf("Ошибка создания таблицы: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO Videos VALUES ('1','s','n','a','au','[]','',?,?,0,'/p',1,x'00')`,
		time.Now(), time.Now())
	if err != nil {
		t.Fatalf("Ошибка вставки: %v", err)
	}

	if err := Migrate(cfg, newTestLogger()); err != nil {
		t.Fatalf("Ошибка миграции существующей базы: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Videos`).Scan(&count); err != nil || count != 1 {
		t.Errorf("данные потеряны: count=%d, err=%v", count, err)
	}
}

func TestMigrate_UnknownDriver(t *testing.T) {
	if err := Migrate(&config.Config{DBDriver: "mysql"}, newTestLogger()); err == nil {
		t.Error("ожидалась ошибка для неизвестного драйвера")
	}
}

func TestReadinessChecker(t *testing.T) {
	ok := NewReadinessChecker("sqlite", func(context.Context) error { return nil })
	if status, _ := ok.CheckReady(); status != "ok" {
		t.Errorf("статус = %q, ожидается ok", status)
	}
	if ok.Name() != "sqlite" {
		t.Errorf("Name() = %q", ok.Name())
	}

	fail := NewReadinessChecker("postgresql", func(context.Context) error { return errors.New("connection refused") })
	if status, msg := fail.CheckReady(); status != "fail" || msg == "" {
		t.Errorf("статус = %q, сообщение = %q", status, msg)
	}
}

// setupPostgres запускает PostgreSQL в Docker-контейнере через testcontainers.
func setupPostgres(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("fetch_test"),
		postgres.WithUsername("fetch"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	return &config.Config{
		DBDriver:   config.DriverPostgres,
		DBHost:     host,
		DBPort:     port.Int(),
		DBName:     "fetch_test",
		DBUser:     "fetch",
		DBPassword: "test-password",
		DBSSLMode:  "disable",
	}
}

// TestPostgres_ConnectAndMigrate проверяет подключение и миграции PostgreSQL.
func TestPostgres_ConnectAndMigrate(t *testing.T) {
	cfg := setupPostgres(t)
	ctx := context.Background()

	if err := Migrate(cfg, newTestLogger()); err != nil {
		t.Fatalf("Ошибка миграции: %v", err)
	}
	pool, err := Connect(ctx, cfg, newTestLogger())
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'videos')`,
	).Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("таблица videos не создана: %v", err)
	}

	checker := NewReadinessChecker("postgresql", pool.Ping)
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady = %s: %s", status, msg)
	}
}

// Точка входа Fetch Module — сервиса скачивания и раздачи видео.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/fetch-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/fetch-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/fetch-module/internal/clientpool"
	"github.com/bigkaa/goartstore/fetch-module/internal/config"
	"github.com/bigkaa/goartstore/fetch-module/internal/database"
	"github.com/bigkaa/goartstore/fetch-module/internal/downloader"
	"github.com/bigkaa/goartstore/fetch-module/internal/queue"
	"github.com/bigkaa/goartstore/fetch-module/internal/repository"
	"github.com/bigkaa/goartstore/fetch-module/internal/server"
	"github.com/bigkaa/goartstore/fetch-module/internal/service"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

const (
	// jwksRefreshInterval — период обновления ключей JWKS.
	jwksRefreshInterval = 15 * time.Minute
	// walDirName — директория журнала скачиваний внутри FM_WEB_ROOT
	walDirName = ".wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Fetch Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("web_root", cfg.WebRoot),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("auth", cfg.AuthType),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка запуска", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Fetch Module остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	rpcAuth, adminAuth, err := setupAuth(cfg, logger)
	if err != nil {
		return err
	}

	// 1. Файловое хранилище, один процесс на web root
	files, err := filestore.New(cfg.WebRoot)
	if err != nil {
		return fmt.Errorf("инициализация FileStore: %w", err)
	}
	rootLock, err := files.Lock()
	if err != nil {
		return err
	}
	defer func() { _ = rootLock.Unlock() }()

	// 2. База данных
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.close()

	// 3. Каталог в памяти
	st, err := store.Open(ctx, db.repo, logger)
	if err != nil {
		return fmt.Errorf("загрузка каталога: %w", err)
	}

	// 4. Сверка каталога с диском: один проход при старте, далее по интервалу
	reconcileSvc := service.NewReconcileService(st, files, cfg.ReconcileInterval, logger)
	if res, _ := reconcileSvc.RunOnce(ctx); res != nil {
		logger.Info("Стартовая сверка завершена",
			slog.Int("checked", res.FilesChecked),
			slog.Int("issues", len(res.Issues)),
		)
	}
	reconcileSvc.Start(ctx)

	// 5. Транспорт и движок скачивания
	pool := clientpool.New(clientpool.Options{
		Capacity:              cfg.ClientPoolSize,
		IdleTTL:               cfg.ClientIdleTTL,
		ResponseHeaderTimeout: cfg.ClientTimeout,
		FrontHost:             cfg.FrontHost,
		UserAgent:             cfg.UserAgent,
	}, logger)
	defer pool.Close()

	engine := downloader.New(pool, downloader.Options{
		ParallelCount: cfg.ParallelCount,
		BufferSize:    cfg.BufferBlockSize,
		Retries:       cfg.ChunkRetries,
		RetryDelay:    cfg.ChunkRetryDelay,
	}, logger)

	// 6. Журнал скачиваний и очередь задач
	journal, err := wal.New(filepath.Join(files.WebRoot(), walDirName), logger)
	if err != nil {
		return fmt.Errorf("инициализация журнала: %w", err)
	}
	fetchSvc := service.NewFetchService(engine, files, st, journal, logger)
	if removed, err := fetchSvc.RecoverInterrupted(); err != nil {
		logger.Warn("Ошибка разбора журнала", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Warn("Удалены недокачанные файлы", slog.Int("count", removed))
	}

	q := queue.New(fetchSvc, queue.Options{
		Limit:          cfg.ConcurrentDownloads,
		ProgressLimit:  cfg.ProgressLimit,
		ProgressWindow: cfg.ProgressWindow,
	}, logger)
	q.Start(ctx)

	// 7. topologymetrics — мониторинг зависимостей
	dephealthSvc := startDephealth(ctx, cfg, db.sqlDB, logger)

	// 8. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewRPCHandler(q, st, cfg.AuthType, cfg.Token, logger),
		handlers.NewFilesHandler(
			service.NewDownloadService(st, files, logger),
			service.NewPlaylistService(st, config.ServiceName),
			logger,
		),
		handlers.NewMaintenanceHandler(reconcileSvc),
		handlers.NewHealthHandler(files.WebRoot(), database.NewReadinessChecker("database", st.Ping)),
		rpcAuth,
		adminAuth,
	)

	// 9. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler)
	srv.OnShutdown(func() {
		logger.Info("Остановка фоновых процессов...")
		q.Stop()
		reconcileSvc.Stop()
		if dephealthSvc != nil {
			dephealthSvc.Stop()
		}
	})

	return srv.Run()
}

// setupAuth возвращает middleware для /jsonrpc и служебных endpoints.
// token проверяется в теле RPC-запроса, на HTTP-уровне закрывает
// только служебные endpoints.
func setupAuth(cfg *config.Config, logger *slog.Logger) (rpcAuth, adminAuth handlers.Middleware, err error) {
	switch cfg.AuthType {
	case config.AuthJWT:
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSURL,
			ClientTimeout:   cfg.ClientTimeout,
			RefreshInterval: jwksRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("инициализация JWT: %w", err)
		}
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSURL))
		mw := jwtAuth.Middleware()
		return mw, mw, nil
	case config.AuthToken:
		return nil, middleware.StaticToken(cfg.Token), nil
	default:
		logger.Warn("Аутентификация отключена")
		return nil, nil, nil
	}
}

// startDephealth запускает мониторинг зависимостей, если есть что мониторить.
// Ошибки не фатальны: сервис работает без мониторинга.
func startDephealth(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) *service.DephealthService {
	dcfg := service.DephealthConfig{
		ServiceID:     dephealthName(),
		Group:         cfg.DephealthGroup,
		UpstreamURL:   cfg.DephealthURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}
	if db != nil {
		dcfg.DB = db
		dcfg.PostgresURL = cfg.DatabaseURL()
	}

	svc, err := service.NewDephealthService(dcfg, logger)
	if err != nil {
		logger.Info("topologymetrics не настроен", slog.String("reason", err.Error()))
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	return svc
}

// dbHandle — открытая база выбранного драйвера.
type dbHandle struct {
	repo repository.VideoRepository
	// sqlDB — адаптер database/sql поверх пула PostgreSQL для pgcheck
	sqlDB *sql.DB
	close func()
}

// openDatabase открывает базу, применяет миграции и создаёт репозиторий.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dbHandle, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(cfg, logger); err != nil {
			pool.Close()
			return nil, err
		}
		sqlDB := stdlib.OpenDBFromPool(pool)
		return &dbHandle{
			repo:  repository.NewPostgresRepository(pool, pool.Ping),
			sqlDB: sqlDB,
			close: func() {
				_ = sqlDB.Close()
				pool.Close()
			},
		}, nil
	default:
		db, err := database.OpenSQLite(ctx, cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(cfg, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &dbHandle{
			repo:  repository.NewSQLiteRepository(db),
			close: func() { _ = db.Close() },
		}, nil
	}
}

// Пакет config — загрузка и валидация конфигурации Fetch Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Имя сервиса в логах, health и плейлистах.
const ServiceName = "fetch-module"

// Типы аутентификации control plane.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// Драйверы хранилища метаданных.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config содержит все параметры конфигурации Fetch Module.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория для видеофайлов (FM_WEB_ROOT)
	WebRoot string

	// Максимум одновременно скачиваемых задач
	ConcurrentDownloads int
	// Размер буфера чтения при скачивании, байт
	BufferBlockSize int
	// Количество параллельных чанков (0 — без разбиения)
	ParallelCount int
	// Количество повторов для чанка
	ChunkRetries int
	// Пауза между повторами
	ChunkRetryDelay time.Duration

	// Ёмкость пула HTTP-клиентов
	ClientPoolSize int
	// Таймаут запроса клиента (0 — без таймаута)
	ClientTimeout time.Duration
	// Время жизни неиспользуемого клиента в пуле
	ClientIdleTTL time.Duration
	// SNI для domain fronting (пусто — выключено)
	FrontHost string
	// User-Agent исходящих запросов
	UserAgent string

	// Лимит логирования прогресса: не более ProgressLimit раз за ProgressWindow
	ProgressLimit  int
	ProgressWindow time.Duration

	// Хранилище метаданных: sqlite или postgres
	DBDriver string
	// Путь к файлу SQLite
	DBPath string
	// Параметры PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Тип аутентификации: none, token, jwt
	AuthType string
	// Токен для AuthType=token
	Token string
	// JWKS endpoint для AuthType=jwt
	JWKSURL string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// TLS: HTTPS включается, если заданы оба пути
	TLSCert string
	TLSKey  string

	// Интервал периодической сверки (0 — только при старте)
	ReconcileInterval time.Duration

	// URL внешней зависимости для topologymetrics (пусто — не мониторим)
	DephealthURL string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// FM_PORT — порт HTTP-сервера (по умолчанию 6800)
	cfg.Port, err = getEnvInt("FM_PORT", 6800)
	if err != nil {
		return nil, fmt.Errorf("FM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.WebRoot = getEnvDefault("FM_WEB_ROOT", "./data")

	cfg.ConcurrentDownloads, err = getEnvInt("FM_CONCURRENT_DOWNLOADS", 4)
	if err != nil {
		return nil, fmt.Errorf("FM_CONCURRENT_DOWNLOADS: %w", err)
	}
	if cfg.ConcurrentDownloads < 1 {
		return nil, fmt.Errorf("FM_CONCURRENT_DOWNLOADS: значение должно быть >= 1, получено %d", cfg.ConcurrentDownloads)
	}

	cfg.BufferBlockSize, err = getEnvInt("FM_BUFFER_BLOCK_SIZE", 16000000)
	if err != nil {
		return nil, fmt.Errorf("FM_BUFFER_BLOCK_SIZE: %w", err)
	}
	if cfg.BufferBlockSize < 1 {
		return nil, fmt.Errorf("FM_BUFFER_BLOCK_SIZE: значение должно быть положительным")
	}

	// FM_PARALLEL_COUNT — 0 отключает разбиение на чанки
	cfg.ParallelCount, err = getEnvInt("FM_PARALLEL_COUNT", 8)
	if err != nil {
		return nil, fmt.Errorf("FM_PARALLEL_COUNT: %w", err)
	}
	if cfg.ParallelCount < 0 {
		return nil, fmt.Errorf("FM_PARALLEL_COUNT: значение должно быть >= 0, получено %d", cfg.ParallelCount)
	}

	cfg.ChunkRetries, err = getEnvInt("FM_CHUNK_RETRIES", 5)
	if err != nil {
		return nil, fmt.Errorf("FM_CHUNK_RETRIES: %w", err)
	}
	if cfg.ChunkRetries < 0 {
		return nil, fmt.Errorf("FM_CHUNK_RETRIES: значение должно быть >= 0")
	}

	cfg.ChunkRetryDelay, err = getEnvDuration("FM_CHUNK_RETRY_DELAY", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_CHUNK_RETRY_DELAY: %w", err)
	}

	cfg.ClientPoolSize, err = getEnvInt("FM_CLIENT_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("FM_CLIENT_POOL_SIZE: %w", err)
	}
	if cfg.ClientPoolSize < 1 {
		return nil, fmt.Errorf("FM_CLIENT_POOL_SIZE: значение должно быть >= 1")
	}

	cfg.ClientTimeout, err = getEnvDuration("FM_CLIENT_TIMEOUT", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FM_CLIENT_TIMEOUT: %w", err)
	}

	cfg.ClientIdleTTL, err = getEnvDuration("FM_CLIENT_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FM_CLIENT_IDLE_TTL: %w", err)
	}

	cfg.FrontHost = getEnvDefault("FM_FRONT_HOST", "")
	cfg.UserAgent = getEnvDefault("FM_USER_AGENT", ServiceName+"/"+Version)

	cfg.ProgressLimit, err = getEnvInt("FM_PROGRESS_LIMIT", 1)
	if err != nil {
		return nil, fmt.Errorf("FM_PROGRESS_LIMIT: %w", err)
	}
	if cfg.ProgressLimit < 1 {
		return nil, fmt.Errorf("FM_PROGRESS_LIMIT: значение должно быть >= 1")
	}
	cfg.ProgressWindow, err = getEnvDuration("FM_PROGRESS_WINDOW", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_PROGRESS_WINDOW: %w", err)
	}
	if cfg.ProgressWindow <= 0 {
		return nil, fmt.Errorf("FM_PROGRESS_WINDOW: значение должно быть положительным")
	}

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	if err := loadAuth(cfg); err != nil {
		return nil, err
	}

	cfg.TLSCert = getEnvDefault("FM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("FM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FM_TLS_CERT и FM_TLS_KEY задаются только вместе")
	}

	cfg.ReconcileInterval, err = getEnvDuration("FM_RECONCILE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("FM_RECONCILE_INTERVAL: %w", err)
	}

	cfg.DephealthURL = getEnvDefault("FM_DEPHEALTH_URL", "")
	if cfg.DephealthURL != "" {
		if _, err := url.ParseRequestURI(cfg.DephealthURL); err != nil {
			return nil, fmt.Errorf("FM_DEPHEALTH_URL: некорректный URL %q", cfg.DephealthURL)
		}
	}
	cfg.DephealthCheckInterval, err = getEnvDuration("FM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FM_DEPHEALTH_GROUP", ServiceName)

	cfg.HTTPReadTimeout, err = getEnvDuration("FM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_HTTP_READ_TIMEOUT: %w", err)
	}
	// Отдача видео может длиться долго, поэтому по умолчанию без таймаута записи
	cfg.HTTPWriteTimeout, err = getEnvDuration("FM_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("FM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("FM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("FM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FM_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// loadDatabase читает параметры хранилища метаданных.
func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBDriver = getEnvDefault("FM_DB_DRIVER", DriverSQLite)
	switch cfg.DBDriver {
	case DriverSQLite:
		cfg.DBPath = getEnvDefault("FM_DB_PATH", filepath.Join(cfg.WebRoot, "videos.db"))
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("FM_DB_DRIVER: недопустимое значение %q, допустимые: sqlite, postgres", cfg.DBDriver)
	}

	if cfg.DBHost, err = getEnvRequired("FM_DB_HOST"); err != nil {
		return err
	}
	cfg.DBPort, err = getEnvInt("FM_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("FM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("FM_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("FM_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("FM_DB_PASSWORD"); err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("FM_DB_SSL_MODE", "disable")
	return nil
}

// loadAuth читает параметры аутентификации control plane.
func loadAuth(cfg *Config) error {
	var err error

	cfg.AuthType = strings.ToLower(getEnvDefault("FM_AUTH_TYPE", AuthNone))
	switch cfg.AuthType {
	case AuthNone:
	case AuthToken:
		if cfg.Token, err = getEnvRequired("FM_TOKEN"); err != nil {
			return err
		}
		if !ValidTokenFormat(cfg.Token) {
			return fmt.Errorf("FM_TOKEN: токен должен быть не короче 6 символов и не состоять только из букв, только из цифр или только из спецсимволов")
		}
	case AuthJWT:
		if cfg.JWKSURL, err = getEnvRequired("FM_JWKS_URL"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("FM_AUTH_TYPE: недопустимое значение %q, допустимые: none, token, jwt", cfg.AuthType)
	}

	cfg.JWTLeeway, err = getEnvDuration("FM_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("FM_JWT_LEEWAY: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает DSN для подключения к PostgreSQL через pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL (для topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// HTTPSEnabled — true, если сервер должен слушать TLS.
func (c *Config) HTTPSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// ValidTokenFormat проверяет формат токена: не короче 6 символов,
// не только буквы, не только цифры и не только спецсимволы.
func ValidTokenFormat(token string) bool {
	if len([]rune(token)) < 6 {
		return false
	}

	var letters, digits, other, spaces int
	for _, r := range token {
		switch {
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			letters++
		case r >= '0' && r <= '9':
			digits++
		case unicode.IsSpace(r):
			spaces++
		default:
			other++
		}
	}

	total := letters + digits + other + spaces
	switch {
	case letters == total:
		return false
	case digits == total:
		return false
	case other == total:
		return false
	}
	return true
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("длительность не может быть отрицательной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

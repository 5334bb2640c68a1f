// Пакет config — загрузка и валидация конфигурации Portal Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Portal Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- Snag backend ---

	// Базовый URL snag backend (обязательный)
	BackendURL string
	// Путь к CA-сертификату backend (опционально)
	BackendCACertPath string
	// Таймаут HTTP-запросов к backend (по умолчанию 15s)
	BackendTimeout time.Duration

	// --- Портальные сессии ---

	// Интервал polling-синхронизации снимка (по умолчанию 30s)
	PollInterval time.Duration
	// Время жизни портальной сессии (по умолчанию 24h)
	SessionTTL time.Duration
	// Максимальное количество одновременных сессий (по умолчанию 4096)
	SessionCacheSize int
	// Секрет подписи портальных токенов (HS256).
	// Пустое значение — случайный секрет, непостоянный между рестартами.
	SessionSecret string
	// Лимит размера multipart-запроса completion (по умолчанию 32 MiB)
	UploadMaxBytes int64

	// --- Dependency health (topologymetrics) ---

	// Имя группы в метриках dephealth (по умолчанию snaglist)
	DephealthGroup string
	// Интервал проверки зависимостей (по умолчанию 30s)
	DephealthCheckInterval time.Duration
	// Лейбл isentry=yes для entrypoint-сервисов
	DephealthIsEntry bool
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("PM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("PM_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("PM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("PM_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("PM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Snag backend ---

	// PM_BACKEND_URL — базовый URL snag backend (обязательный)
	cfg.BackendURL, err = getEnvRequired("PM_BACKEND_URL")
	if err != nil {
		return nil, err
	}

	cfg.BackendCACertPath = getEnvDefault("PM_BACKEND_CA_CERT_PATH", "")

	cfg.BackendTimeout, err = getEnvDuration("PM_BACKEND_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_BACKEND_TIMEOUT: %w", err)
	}

	// --- Портальные сессии ---

	// PM_POLL_INTERVAL — интервал polling-синхронизации (по умолчанию 30s)
	cfg.PollInterval, err = getEnvDuration("PM_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("PM_POLL_INTERVAL: значение должно быть > 0")
	}

	cfg.SessionTTL, err = getEnvDuration("PM_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_SESSION_TTL: %w", err)
	}

	cfg.SessionCacheSize, err = getEnvInt("PM_SESSION_CACHE_SIZE", 4096)
	if err != nil {
		return nil, fmt.Errorf("PM_SESSION_CACHE_SIZE: %w", err)
	}
	if cfg.SessionCacheSize <= 0 {
		return nil, fmt.Errorf("PM_SESSION_CACHE_SIZE: значение должно быть > 0")
	}

	cfg.SessionSecret = getEnvDefault("PM_SESSION_SECRET", "")

	uploadMax, err := getEnvInt("PM_UPLOAD_MAX_MB", 32)
	if err != nil {
		return nil, fmt.Errorf("PM_UPLOAD_MAX_MB: %w", err)
	}
	cfg.UploadMaxBytes = int64(uploadMax) << 20

	// --- Dependency health ---

	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "snaglist")
	cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", true)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
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
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
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

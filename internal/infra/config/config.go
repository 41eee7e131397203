// Пакет config отвечает за сбор и предоставление конфигурации процесса mcptelegram.
// Он:
//  1. читает переменные окружения из .env (через godotenv) и os.Getenv,
//  2. нормализует и валидирует значения, подставляя значения по умолчанию,
//  3. накапливает предупреждения о некорректных/отсутствующих переменных вместо отказа,
//  4. предоставляет потокобезопасный доступ к результату через глобальный singleton.
//
// Бизнес-контекст: mcptelegram поднимает единственное MTProto-соединение под одним
// аккаунтом и HTTP-хост для MCP-инструментов поверх него; конфигурация описывает
// учетные данные Telegram, сетевой адрес хоста и параметры фонового синхронизатора.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env + os.Getenv).
// Значения уже прошли минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string

	MCPHost string
	MCPPort int

	LogLevel string
	LogFile  string // пусто — файловый вывод логов выключен

	DataDir       string
	SessionPath   string
	ArchiveDBPath string

	SyncBatchSize             int
	SyncInterJobDelaySeconds  int
	SyncInterBatchDelayMillis int
}

// Config хранит загруженную конфигурацию и предупреждения, накопленные при её чтении.
//
// Потокобезопасность: Env()/Warnings() берут RLock; запись происходит только один раз,
// при Load().
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию.
const (
	defaultMCPHost = "127.0.0.1"
	defaultMCPPort = 8080

	defaultLogLevel = "info"
	defaultDataDir  = "./data"

	defaultSyncBatchSize             = 100
	defaultSyncInterJobDelaySeconds  = 3
	defaultSyncInterBatchDelayMillis = 1100
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации процесса.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env не обязателен: отсутствие файла — не ошибка, переменные могут быть заданы
	// процессом напрямую (например, в контейнере).
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("TELEGRAM_PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env TELEGRAM_PHONE_NUMBER must be set")
	}

	var warnings []string

	mcpHost := sanitizeFile("MCP_HOST", os.Getenv("MCP_HOST"), defaultMCPHost, &warnings)
	mcpPort := parseIntDefault("MCP_PORT", defaultMCPPort, portInRange, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE")) // опционален, без предупреждения
	dataDir := sanitizeFile("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings)

	sessionPath := sanitizeFile("SESSION_PATH", os.Getenv("SESSION_PATH"),
		filepath.Join(dataDir, "session.json"), &warnings)
	archiveDBPath := sanitizeFile("ARCHIVE_DB_PATH", os.Getenv("ARCHIVE_DB_PATH"),
		filepath.Join(dataDir, "messages.db"), &warnings)

	batchSize := parseIntDefault("SYNC_BATCH_SIZE", defaultSyncBatchSize, greaterThanZero, &warnings)
	interJobDelay := parseIntDefault("SYNC_INTER_JOB_DELAY_SECONDS", defaultSyncInterJobDelaySeconds,
		nonNegative, &warnings)
	interBatchDelay := parseIntDefault("SYNC_INTER_BATCH_DELAY_MS", defaultSyncInterBatchDelayMillis,
		nonNegative, &warnings)

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		PhoneNumber: phone,

		MCPHost: mcpHost,
		MCPPort: mcpPort,

		LogLevel: logLevel,
		LogFile:  logFile,

		DataDir:       dataDir,
		SessionPath:   sessionPath,
		ArchiveDBPath: archiveDBPath,

		SyncBatchSize:             batchSize,
		SyncInterJobDelaySeconds:  interJobDelay,
		SyncInterBatchDelayMillis: interBatchDelay,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при чтении окружения.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает снимок EnvConfig из глобального singleton.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func portInRange(v int) bool     { return v > 0 && v <= 65535 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

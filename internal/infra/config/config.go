// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (рассыльщик кампаний поверх MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет доступ к результату через singleton-снимок.
//
// Бизнес-контекст: конфиг среды управляет ролью процесса (app — планировщик,
// worker — исполнитель рассылок), подключениями к MySQL/Redis/Telegram API,
// скоростными лимитами отправки, параметрами ретраев и часовой зоной.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Роли процесса. Планировщик живёт в app, исполнитель рассылок — в worker.
const (
	RoleApp    = "app"
	RoleWorker = "worker"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: подключения к хранилищам, учетные данные Telegram API и все
// скоростные/ретраевые «ручки» рассылки.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	Role        string
	MySQLDSN    string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	APIID       int
	APIHash     string
	LogLevel    string
	AppTimezone string

	PeersCacheDir string

	SchedTickSeconds      int
	SchedLockTTLSeconds   int
	EarlyFactor           float64
	MaxDuePerTick         int
	SchedJitterMaxMs      int

	BroadcastConcurrency   int
	UserLockTTLMs          int
	AttemptsPerJob         int
	PerAccountConcurrency  int
	PerAccountMPM          int
	PerAccountMinDelayMs   int
	TelegramGlobalMPS      int
	SlowmodeDefaultSeconds int
	MaxRetries             int
	BaseDelayMs            int
	MaxDelayMs             int
	JitterRatio            float64
	StuckInflightMs        int
	ContinuationBaseMs     int
	ContinuationJitterMs   int
	IntervalSafetySeconds  int

	RemoteGroupsCacheTTLMs        int
	RemoteGroupsMinRefreshMs      int
	RemoteGroupsFailureCooldownMs int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: снимок Env неизменяем после Load; warnings читаются копией.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel    = "info"
	defaultAppTimezone = "UTC"
	defaultRedisDB     = 0

	defaultPeersCacheDir = "data/peers"

	defaultSchedTickSeconds    = 5
	defaultSchedLockTTLSeconds = 55
	defaultEarlyFactor         = 0.96
	defaultMaxDuePerTick       = 500
	defaultSchedJitterMaxMs    = 15000

	defaultBroadcastConcurrency   = 8
	defaultUserLockTTLMs          = 600000
	defaultAttemptsPerJob         = 2
	defaultPerAccountConcurrency  = 1
	defaultPerAccountMPM          = 6
	defaultPerAccountMinDelayMs   = 3500
	defaultTelegramGlobalMPS      = 125
	defaultSlowmodeDefaultSeconds = 300
	defaultMaxRetries             = 3
	defaultBaseDelayMs            = 2000
	defaultMaxDelayMs             = 120000
	defaultJitterRatio            = 0.2
	defaultStuckInflightMs        = 300000
	defaultContinuationBaseMs     = 1500
	defaultContinuationJitterMs   = 1500
	defaultIntervalSafetySeconds  = 0

	defaultRemoteGroupsCacheTTLMs        = 60000
	defaultRemoteGroupsMinRefreshMs      = 5000
	defaultRemoteGroupsFailureCooldownMs = 15000
)

var (
	cfgInstance *Config
	cfgDone     bool

	// AppLocation — глобальная таймзона приложения (см. APP_TIMEZONE).
	// Все отметки времени попыток/кампаний интерпретируются в ней.
	AppLocation = time.UTC
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат в
// singleton cfgInstance. Повторный вызов запрещен (возвращается ошибка), чтобы
// избежать гонок конфигурации на старте.
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

	if loc, locErr := ParseLocation(newCfg.Env.AppTimezone); locErr == nil {
		AppLocation = loc
	}
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	role := strings.ToLower(strings.TrimSpace(os.Getenv("ROLE")))
	if role != RoleApp && role != RoleWorker {
		return nil, fmt.Errorf("env ROLE must be %q or %q, got %q", RoleApp, RoleWorker, role)
	}

	mysqlDSN := strings.TrimSpace(os.Getenv("MYSQL_DSN"))
	if mysqlDSN == "" {
		return nil, errors.New("env MYSQL_DSN must be set")
	}

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		return nil, errors.New("env REDIS_ADDR must be set")
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	env := EnvConfig{
		Role:        role,
		MySQLDSN:    mysqlDSN,
		RedisAddr:   redisAddr,
		RedisPass:   strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:     parseIntDefault("REDIS_DB", defaultRedisDB, nonNegative, &warnings),
		APIID:       apiID,
		APIHash:     apiHash,
		LogLevel:    sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),
		AppTimezone: sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings),

		PeersCacheDir: sanitizeDir("PEERS_CACHE_DIR", os.Getenv("PEERS_CACHE_DIR"), defaultPeersCacheDir, &warnings),

		SchedTickSeconds:    parseIntDefault("SCHED_TICK", defaultSchedTickSeconds, greaterThanZero, &warnings),
		SchedLockTTLSeconds: parseIntDefault("SCHED_LOCK_TTL", defaultSchedLockTTLSeconds, greaterThanZero, &warnings),
		EarlyFactor:         parseFloatDefault("EARLY_FACTOR", defaultEarlyFactor, betweenZeroAndOne, &warnings),
		MaxDuePerTick:       parseIntDefault("MAX_DUE_PER_TICK", defaultMaxDuePerTick, greaterThanZero, &warnings),
		SchedJitterMaxMs:    parseIntDefault("SCHED_JITTER_MAX_MS", defaultSchedJitterMaxMs, nonNegative, &warnings),

		BroadcastConcurrency:   parseIntDefault("BROADCAST_CONCURRENCY", defaultBroadcastConcurrency, greaterThanZero, &warnings),
		UserLockTTLMs:          parseIntDefault("USER_LOCK_TTL", defaultUserLockTTLMs, atLeastMinuteMs, &warnings),
		AttemptsPerJob:         parseIntDefault("BROADCAST_ATTEMPTS_PER_JOB", defaultAttemptsPerJob, greaterThanZero, &warnings),
		PerAccountConcurrency:  parseIntDefault("PER_ACCOUNT_CONCURRENCY", defaultPerAccountConcurrency, greaterThanZero, &warnings),
		PerAccountMPM:          parseIntDefault("PER_ACCOUNT_MPM", defaultPerAccountMPM, greaterThanZero, &warnings),
		PerAccountMinDelayMs:   parseIntDefault("PER_ACCOUNT_MIN_DELAY_MS", defaultPerAccountMinDelayMs, nonNegative, &warnings),
		TelegramGlobalMPS:      parseIntDefault("TELEGRAM_GLOBAL_MPS", defaultTelegramGlobalMPS, greaterThanZero, &warnings),
		SlowmodeDefaultSeconds: parseIntDefault("SLOWMODE_DEFAULT_SECONDS", defaultSlowmodeDefaultSeconds, greaterThanZero, &warnings),
		MaxRetries:             parseIntDefault("BROADCAST_MAX_RETRIES", defaultMaxRetries, nonNegative, &warnings),
		BaseDelayMs:            parseIntDefault("BASE_DELAY_MS", defaultBaseDelayMs, greaterThanZero, &warnings),
		MaxDelayMs:             parseIntDefault("MAX_DELAY_MS", defaultMaxDelayMs, greaterThanZero, &warnings),
		JitterRatio:            parseFloatDefault("JITTER_RATIO", defaultJitterRatio, betweenZeroAndOne, &warnings),
		StuckInflightMs:        parseIntDefault("STUCK_INFLIGHT_MS", defaultStuckInflightMs, greaterThanZero, &warnings),
		ContinuationBaseMs:     parseIntDefault("CONTINUATION_BASE_MS", defaultContinuationBaseMs, greaterThanZero, &warnings),
		ContinuationJitterMs:   parseIntDefault("CONTINUATION_JITTER_MS", defaultContinuationJitterMs, nonNegative, &warnings),
		IntervalSafetySeconds:  parseIntDefault("INTERVAL_SAFETY_SECONDS", defaultIntervalSafetySeconds, nonNegative, &warnings),

		RemoteGroupsCacheTTLMs:        parseIntDefault("REMOTE_GROUPS_CACHE_TTL_MS", defaultRemoteGroupsCacheTTLMs, greaterThanZero, &warnings),
		RemoteGroupsMinRefreshMs:      parseIntDefault("REMOTE_GROUPS_MIN_REFRESH_MS", defaultRemoteGroupsMinRefreshMs, nonNegative, &warnings),
		RemoteGroupsFailureCooldownMs: parseIntDefault("REMOTE_GROUPS_FAILURE_COOLDOWN_MS", defaultRemoteGroupsFailureCooldownMs, nonNegative, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
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

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

// parseFloatDefault — аналог parseIntDefault для дробных «ручек» (факторы, доли).
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// Простые валидаторы чисел для parseIntDefault/parseFloatDefault.
func greaterThanZero(v int) bool       { return v > 0 }
func nonNegative(v int) bool           { return v >= 0 }
func atLeastMinuteMs(v int) bool       { return v >= 60000 }
func betweenZeroAndOne(v float64) bool { return v > 0 && v <= 1 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
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

// sanitizeDir возвращает валидный путь каталога. Если переменная не задана,
// подставляет fallback и пишет предупреждение.
func sanitizeDir(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// ParseLocation разбирает либо IANA‑таймзону (например, "Europe/Moscow"),
// либо UTC‑смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Try IANA first.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	// Try to parse UTC offset forms.
	if loc, ok := parseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

// parseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func parseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	// Normalize optional UTC/GMT prefix
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Patterns: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	offset := sign * ((hours * 60 * 60) + (mins * 60))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

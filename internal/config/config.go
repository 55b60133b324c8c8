package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/podushkina/hrchat/internal/task"
	"github.com/podushkina/hrchat/internal/usage"
)

type QueueConfig struct {
	Concurrency int
	// RedisDB selects a dedicated Redis database for the queue; -1 shares the default one.
	RedisDB int
}

type LimitConfig struct {
	Limit                    int64
	LimitByAccount           int64
	LimitDuration            int64
	LimitUnit                string
	LimitConcurrent          int64
	LimitConcurrentInAllTask int64
}

type Config struct {
	ServerPort string

	RedisAddr string
	RedisPass string
	RedisDB   int

	DBDriver string
	DBDSN    string

	Queues map[task.Type]QueueConfig
	Limits map[task.Type]LimitConfig

	ProviderKind     string
	ProviderURL      string
	ProviderAPIKey   string
	ChatModel        string
	TitleModel       string
	TranslationModel string
	RetrievalURL     string

	ModelTimeout            time.Duration
	TranslationTimeout      time.Duration
	TranslationRetryTimeout time.Duration
	RetrievalTimeout        time.Duration
	CancelPollInterval      time.Duration

	HeartbeatInterval time.Duration
	StreamQueueLimit  time.Duration
	AvgServiceTime    time.Duration
	DocumentsLanguage string
	HistoryTurns      int
	// Locale selects the language of user-facing denial messages.
	Locale string

	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment, after applying an optional
// .env file from the working directory.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:    getEnvInt("REDIS_DB", 0),

		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("DB_DSN", "hrchat.db"),

		ProviderKind:     getEnv("PROVIDER_KIND", "ollama"),
		ProviderURL:      getEnv("PROVIDER_URL", "http://localhost:11434"),
		ProviderAPIKey:   getEnv("PROVIDER_API_KEY", ""),
		ChatModel:        getEnv("CHAT_MODEL", "llama3.1"),
		TitleModel:       getEnv("TITLE_MODEL", "llama3.1"),
		TranslationModel: getEnv("TRANSLATION_MODEL", "llama3.1"),
		RetrievalURL:     getEnv("RETRIEVAL_URL", ""),

		ModelTimeout:            getEnvDuration("MODEL_TIMEOUT", 120*time.Second),
		TranslationTimeout:      getEnvDuration("TRANSLATION_TIMEOUT", 30*time.Second),
		TranslationRetryTimeout: getEnvDuration("TRANSLATION_RETRY_TIMEOUT", 60*time.Second),
		RetrievalTimeout:        getEnvDuration("RETRIEVAL_TIMEOUT", 30*time.Second),
		CancelPollInterval:      getEnvDuration("CANCEL_POLL_INTERVAL", 500*time.Millisecond),

		HeartbeatInterval: getEnvDuration("SSE_HEARTBEAT_INTERVAL", 30*time.Second),
		StreamQueueLimit:  getEnvDuration("SSE_MAX_QUEUE_WAIT", 60*time.Second),
		AvgServiceTime:    getEnvDuration("SSE_AVG_SERVICE_TIME", 15*time.Second),
		DocumentsLanguage: getEnv("DOCUMENTS_LANGUAGE", "ja"),
		HistoryTurns:      getEnvInt("HISTORY_TURNS", 6),
		Locale:            getEnv("LOCALE", "ja"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		Queues: make(map[task.Type]QueueConfig),
		Limits: make(map[task.Type]LimitConfig),
	}

	for _, t := range task.Types {
		prefix := envName(t)
		cfg.Queues[t] = QueueConfig{
			Concurrency: getEnvInt("QUEUE_"+prefix+"_CONCURRENCY", 1),
			RedisDB:     getEnvInt("QUEUE_"+prefix+"_DB", -1),
		}
		cfg.Limits[t] = LimitConfig{
			Limit:                    getEnvInt64("LIMIT_"+prefix, 1000),
			LimitByAccount:           getEnvInt64("LIMIT_"+prefix+"_BY_ACCOUNT", 100),
			LimitDuration:            getEnvInt64("LIMIT_"+prefix+"_DURATION", 86400),
			LimitUnit:                getEnv("LIMIT_"+prefix+"_UNIT", "Second"),
			LimitConcurrent:          getEnvInt64("LIMIT_"+prefix+"_CONCURRENT", 3),
			LimitConcurrentInAllTask: getEnvInt64("LIMIT_"+prefix+"_CONCURRENT_ALL", 50),
		}
	}

	return cfg
}

// UsageLimits converts the configured limits for the usage limiter. A type
// with a negative limit is left unlimited; a negative per-account limit
// falls back to the shared one.
func (c *Config) UsageLimits() map[task.Type]usage.Config {
	limits := make(map[task.Type]usage.Config, len(c.Limits))
	for t, l := range c.Limits {
		if l.Limit < 0 {
			continue
		}
		uc := usage.Config{
			Limit:                    l.Limit,
			LimitDuration:            l.LimitDuration,
			LimitUnit:                usage.Unit(l.LimitUnit),
			LimitConcurrent:          l.LimitConcurrent,
			LimitConcurrentInAllTask: l.LimitConcurrentInAllTask,
		}
		if l.LimitByAccount >= 0 {
			byAccount := l.LimitByAccount
			uc.LimitByAccount = &byAccount
		}
		limits[t] = uc
	}
	return limits
}

func envName(t task.Type) string {
	return strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

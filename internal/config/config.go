package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver      string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr     string
	JWTSecret    string
	AdminKeyHash string

	// AI provider
	AIProvider        string
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// generation parameters
	Temperature      float32
	NChoices         int
	MaxTokens        int
	PresencePenalty  float32
	FrequencyPenalty float32
	ShowUsage        bool

	// conversation
	AssistantPrompt           string
	MaxHistorySize            int
	MaxConversationAgeMinutes int
	ConversationStore         string

	// entitlement
	DefaultFreeMessages int
	DecayInterval       time.Duration

	// payments
	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaBaseURL   string
	PaymentReturnURL  string
	PaymentCurrency   string
	PlansFile         string

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	LogLevel  string
	LogFormat string
}

const defaultAssistantPrompt = "You are a helpful assistant that helps students with their studies."

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/chatgate?charset=utf8mb4&parseTime=true&loc=Local
	driver := strings.ToLower(getEnv("DB_DRIVER", "mysql"))
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "sqlite":
			dsn = "file:chatgate.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		default:
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
				"app", "apppass", "127.0.0.1", "3306", "chatgate",
			)
		}
	}

	cfg := Config{
		DBDriver:      driver,
		DBDSN:         dsn,
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret-change-me"),
		AdminKeyHash: os.Getenv("ADMIN_KEY_HASH"),

		AIProvider:        strings.ToLower(getEnv("AI_PROVIDER", "openai")),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		Temperature:      getEnvFloat("OPENAI_TEMPERATURE", 1.0),
		NChoices:         getEnvInt("OPENAI_N_CHOICES", 1),
		MaxTokens:        getEnvInt("OPENAI_MAX_TOKENS", 1200),
		PresencePenalty:  getEnvFloat("OPENAI_PRESENCE_PENALTY", 0),
		FrequencyPenalty: getEnvFloat("OPENAI_FREQUENCY_PENALTY", 0),
		ShowUsage:        getEnvBool("SHOW_USAGE", false),

		AssistantPrompt:           getEnv("ASSISTANT_PROMPT", defaultAssistantPrompt),
		MaxHistorySize:            getEnvInt("MAX_HISTORY_SIZE", 10),
		MaxConversationAgeMinutes: getEnvInt("MAX_CONVERSATION_AGE_MINUTES", 180),
		ConversationStore:         strings.ToLower(getEnv("CONVERSATION_STORE", "memory")),

		DefaultFreeMessages: getEnvInt("DEFAULT_FREE_MESSAGES", 10),
		DecayInterval:       getEnvDuration("DECAY_INTERVAL", time.Hour),

		YooKassaShopID:    os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey: os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaBaseURL:   getEnv("YOOKASSA_BASE_URL", "https://api.yookassa.ru/v3"),
		PaymentReturnURL:  os.Getenv("PAYMENT_RETURN_URL"),
		PaymentCurrency:   getEnv("PAYMENT_CURRENCY", "RUB"),
		PlansFile:         os.Getenv("PLANS_FILE"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "payment_checks"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot work with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be mysql or sqlite, got %q", c.DBDriver)
	}
	switch c.ConversationStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("CONVERSATION_STORE must be memory or redis, got %q", c.ConversationStore)
	}
	if c.MaxHistorySize < 2 {
		return fmt.Errorf("MAX_HISTORY_SIZE must be >= 2")
	}
	if c.MaxConversationAgeMinutes <= 0 {
		return fmt.Errorf("MAX_CONVERSATION_AGE_MINUTES must be > 0")
	}
	if c.DefaultFreeMessages < 0 {
		return fmt.Errorf("DEFAULT_FREE_MESSAGES must be >= 0")
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("DECAY_INTERVAL must be > 0")
	}
	if c.NChoices <= 0 {
		return fmt.Errorf("OPENAI_N_CHOICES must be > 0")
	}
	if c.WorkerConcurrency <= 0 || c.WorkerConcurrency > 50 {
		return fmt.Errorf("WORKER_CONCURRENCY must be in 1..50")
	}
	return nil
}

// MaxConversationAge is MaxConversationAgeMinutes as a duration.
func (c Config) MaxConversationAge() time.Duration {
	return time.Duration(c.MaxConversationAgeMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

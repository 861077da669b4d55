package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Catalog   CatalogConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Session   SessionConfig
	Redis     RedisConfig
	SQLite    SQLiteConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins string
	MaxQueryLength int
}

type CatalogConfig struct {
	// CoursesPath is a .csv or .xlsx file.
	CoursesPath    string
	EmbeddingsPath string
}

type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dim        int
	TimeoutSec int
	BatchSize  int
}

type LLMConfig struct {
	BaseURL               string
	Model                 string
	APIKey                string
	Temperature           float32
	MaxTokens             int
	TimeoutSec            int
	PriceInputPerMillion  float64
	PriceOutputPerMillion float64
}

type RetrievalConfig struct {
	TopN      int
	CreditMin float64
	CreditMax float64
}

type SessionConfig struct {
	IdleTTLMinutes int
	CleanupMinutes int
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type SQLiteConfig struct {
	Path string
}

type RateLimitConfig struct {
	// RequestsPerMinute bounds model turns per session.
	RequestsPerMinute int
	// SessionsPerMinute bounds session creation per client IP.
	SessionsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/course-advisor")

	return load(v)
}

// LoadFile reads an explicit config file instead of searching the default paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("COURSE_ADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("llm.apiKey", "COURSE_ADVISOR_LLM_APIKEY", "OPENROUTER_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Retrieval.TopN < 1 {
		return fmt.Errorf("retrieval.topN must be at least 1, got %d", c.Retrieval.TopN)
	}
	if c.Retrieval.CreditMin <= 0 || c.Retrieval.CreditMin > c.Retrieval.CreditMax {
		return fmt.Errorf("invalid credit bounds [%v, %v]", c.Retrieval.CreditMin, c.Retrieval.CreditMax)
	}
	if c.Catalog.CoursesPath == "" || c.Catalog.EmbeddingsPath == "" {
		return errors.New("catalog.coursesPath and catalog.embeddingsPath are required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.maxQueryLength", 2000)

	v.SetDefault("catalog.coursesPath", "./data/puhtad_andmed.csv")
	v.SetDefault("catalog.embeddingsPath", "./data/embeddings.db")

	v.SetDefault("embedding.baseURL", "http://localhost:11434/v1")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.model", "bge-m3")
	v.SetDefault("embedding.dim", 1024)
	v.SetDefault("embedding.timeoutSec", 15)
	v.SetDefault("embedding.batchSize", 100)

	v.SetDefault("llm.baseURL", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "google/gemma-3-27b-it")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.timeoutSec", 120)
	v.SetDefault("llm.priceInputPerMillion", 0.10)
	v.SetDefault("llm.priceOutputPerMillion", 0.10)

	v.SetDefault("retrieval.topN", 3)
	v.SetDefault("retrieval.creditMin", 1)
	v.SetDefault("retrieval.creditMax", 36)

	v.SetDefault("session.idleTTLMinutes", 60)
	v.SetDefault("session.cleanupMinutes", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLMin", 1440)

	v.SetDefault("sqlite.path", "./data/advisor.db")

	v.SetDefault("rateLimit.requestsPerMinute", 30)
	v.SetDefault("rateLimit.sessionsPerMinute", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 50)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 28)
}

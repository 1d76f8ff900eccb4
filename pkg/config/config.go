package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP surface.
	Port string

	// Model gateway.
	CompletionsAPIURL   string
	CompletionsAPIKey   string
	CompletionsModel    string
	JudgmentModel       string
	EmbeddingsAPIURL    string
	EmbeddingsAPIKey    string
	EmbeddingsModel     string
	EmbeddingDimensions int

	// Stores.
	PostgresDSN      string
	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantUseTLS     bool
	CollectionPrefix string
	Neo4jURI         string
	Neo4jUser        string
	Neo4jPassword    string

	// Broker.
	NatsURL      string
	NatsEmbedded bool
	NatsDataPath string
	QueueFree    string
	QueuePro     string

	// Worker runtime.
	WorkerConcurrency  int
	BatchExtractSlots  int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	TaskSoftLimit      time.Duration
	TaskHardLimit      time.Duration
	ChatTimeout        time.Duration
	JudgmentTimeout    time.Duration
	EmbedTimeout       time.Duration
	EmbedBatchTimeout  time.Duration
	StoreTimeout       time.Duration
	SummarizeTimeout   time.Duration
	SensitiveTimeout   time.Duration
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvOrPanic(key string, printEnv bool) string {
	value := getEnv(key, "", printEnv)
	if value == "" {
		panic(fmt.Sprintf("Environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int, printEnv bool) int {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		panic(fmt.Sprintf("Environment variable %s is not an integer: %q", key, raw))
	}
	return value
}

func getEnvBool(key string, defaultValue bool, printEnv bool) bool {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		panic(fmt.Sprintf("Environment variable %s is not a boolean: %q", key, raw))
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration, printEnv bool) time.Duration {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("Environment variable %s is not a duration: %q", key, raw))
	}
	return value
}

func LoadConfig(printEnv bool) (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		Port: getEnv("PORT", "8080", printEnv),

		CompletionsAPIURL:   getEnv("COMPLETIONS_API_URL", "https://api.openai.com/v1", printEnv),
		CompletionsAPIKey:   getEnv("COMPLETIONS_API_KEY", "", printEnv),
		CompletionsModel:    getEnv("COMPLETIONS_MODEL", "gpt-4.1-mini", printEnv),
		JudgmentModel:       getEnv("JUDGMENT_MODEL", "gpt-4.1-mini", printEnv),
		EmbeddingsAPIURL:    getEnv("EMBEDDINGS_API_URL", "https://api.openai.com/v1", printEnv),
		EmbeddingsAPIKey:    getEnv("EMBEDDINGS_API_KEY", "", printEnv),
		EmbeddingsModel:     getEnv("EMBEDDINGS_MODEL", "text-embedding-3-small", printEnv),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536, printEnv),

		PostgresDSN:      getEnvOrPanic("POSTGRES_DSN", printEnv),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost", printEnv),
		QdrantPort:       getEnvInt("QDRANT_PORT", 6334, printEnv),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", "", printEnv),
		QdrantUseTLS:     getEnvBool("QDRANT_USE_TLS", false, printEnv),
		CollectionPrefix: getEnv("QDRANT_COLLECTION_PREFIX", "mem", printEnv),
		Neo4jURI:         getEnv("NEO4J_URI", "bolt://localhost:7687", printEnv),
		Neo4jUser:        getEnv("NEO4J_USER", "neo4j", printEnv),
		Neo4jPassword:    getEnv("NEO4J_PASSWORD", "", printEnv),

		NatsURL:      getEnv("NATS_URL", "nats://localhost:4222", printEnv),
		NatsEmbedded: getEnvBool("NATS_EMBEDDED", true, printEnv),
		NatsDataPath: getEnv("NATS_DATA_PATH", "./output/nats", printEnv),
		QueueFree:    getEnv("QUEUE_FREE", "memory_free", printEnv),
		QueuePro:     getEnv("QUEUE_PRO", "memory_pro", printEnv),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2, printEnv),
		BatchExtractSlots: getEnvInt("BATCH_EXTRACT_SLOTS", 3, printEnv),
		MaxRetries:        getEnvInt("TASK_MAX_RETRIES", 3, printEnv),
		RetryBaseDelay:    getEnvDuration("TASK_RETRY_BASE_DELAY", 10*time.Second, printEnv),
		TaskSoftLimit:     getEnvDuration("TASK_SOFT_LIMIT", 240*time.Second, printEnv),
		TaskHardLimit:     getEnvDuration("TASK_HARD_LIMIT", 300*time.Second, printEnv),
		ChatTimeout:       getEnvDuration("CHAT_TIMEOUT", 120*time.Second, printEnv),
		JudgmentTimeout:   getEnvDuration("JUDGMENT_TIMEOUT", 60*time.Second, printEnv),
		EmbedTimeout:      getEnvDuration("EMBED_TIMEOUT", 30*time.Second, printEnv),
		EmbedBatchTimeout: getEnvDuration("EMBED_BATCH_TIMEOUT", 60*time.Second, printEnv),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 30*time.Second, printEnv),
		SummarizeTimeout:  getEnvDuration("SUMMARIZE_TIMEOUT", 120*time.Second, printEnv),
		SensitiveTimeout:  getEnvDuration("SENSITIVE_TIMEOUT", 60*time.Second, printEnv),
	}

	if conf.TaskHardLimit <= conf.TaskSoftLimit {
		return nil, fmt.Errorf("TASK_HARD_LIMIT (%s) must exceed TASK_SOFT_LIMIT (%s)", conf.TaskHardLimit, conf.TaskSoftLimit)
	}

	return conf, nil
}

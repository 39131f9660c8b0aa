package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Milvus     MilvusConfig
	Neo4j      Neo4jConfig
	LLM        LLMConfig
	Search     SearchConfig
	Confidence ConfidenceConfig
	Priority   PriorityConfig
	Workers    WorkersConfig
	Cascade    CascadeConfig
	Cache      CacheConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

type SearchConfig struct {
	SerpAPIKey string
	MaxResults int
	TimeoutSec int
}

// ConfidenceConfig holds the routing and validation thresholds. These are
// policy constants, kept configurable rather than hard-coded.
type ConfidenceConfig struct {
	High        float64
	Provisional float64
	Clarify     float64
	MinMatch    float64
}

type PriorityConfig struct {
	VendorBoost    float64
	BoostedVendors []string
	EnqueueFloor   float64
}

type WorkersConfig struct {
	PoolSize         int
	PollIntervalSec  int
	HeartbeatSec     int
	StalenessMinutes int
	FamilyTimeoutSec int
}

type CascadeConfig struct {
	Tier1TimeoutSec int
	Tier2TimeoutSec int
	Tier3TimeoutSec int
	MaxRetries      int
	RetryBaseSec    int
	RetryMaxSec     int
}

type CacheConfig struct {
	ResultTTLHours    int
	EmbeddingTTLHours int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/equipkb")

	viper.SetEnvPrefix("EQUIPKB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workers.HeartbeatSec) * time.Second
}

func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.Workers.StalenessMinutes) * time.Minute
}

func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.Cache.ResultTTLHours) * time.Hour
}

func (c *Config) EmbeddingTTL() time.Duration {
	return time.Duration(c.Cache.EmbeddingTTLHours) * time.Hour
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/equipkb.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "knowledge_atoms")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)

	viper.SetDefault("search.maxResults", 5)
	viper.SetDefault("search.timeoutSec", 10)

	viper.SetDefault("confidence.high", 0.85)
	viper.SetDefault("confidence.provisional", 0.70)
	viper.SetDefault("confidence.clarify", 0.60)
	viper.SetDefault("confidence.minMatch", 0.50)

	viper.SetDefault("priority.vendorBoost", 1.5)
	viper.SetDefault("priority.boostedVendors", []string{})
	viper.SetDefault("priority.enqueueFloor", 0.5)

	viper.SetDefault("workers.poolSize", 3)
	viper.SetDefault("workers.pollIntervalSec", 5)
	viper.SetDefault("workers.heartbeatSec", 30)
	viper.SetDefault("workers.stalenessMinutes", 10)
	viper.SetDefault("workers.familyTimeoutSec", 45)

	viper.SetDefault("cascade.tier1TimeoutSec", 30)
	viper.SetDefault("cascade.tier2TimeoutSec", 60)
	viper.SetDefault("cascade.tier3TimeoutSec", 90)
	viper.SetDefault("cascade.maxRetries", 5)
	viper.SetDefault("cascade.retryBaseSec", 60)
	viper.SetDefault("cascade.retryMaxSec", 3600)

	viper.SetDefault("cache.resultTTLHours", 168)
	viper.SetDefault("cache.embeddingTTLHours", 24)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}

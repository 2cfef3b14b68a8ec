package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration assembled from the environment
// after LoadEnv has run.
type Config struct {
	Env      string
	LogLevel string

	Postgres   PostgresConfig
	Valkey     ValkeyConfig
	OpenAI     OpenAIConfig
	Kafka      KafkaConfig
	AWS        AWSConfig
	OpenSearch OpenSearchConfig
	Pipeline   PipelineConfig
	Workers    WorkerConfig
	Platforms  []PlatformAPIConfig

	MetricsAddr    string
	MigrateOnStart bool
}

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// DSN builds a pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		p.User, p.Password, p.Host, p.Port, p.Name, p.SSLMode, p.MaxConns)
}

type ValkeyConfig struct {
	Address  string
	Password string
	TLS      bool
	Prefix   string
}

type OpenAIConfig struct {
	APIKey      string
	TextModel   string
	ImageModel  string
	ImageSize   string
	Timeout     time.Duration
	HealthEvery time.Duration
}

type KafkaConfig struct {
	Broker          string
	GroupID         string
	TransactionalID string
	Enabled         bool
}

type AWSConfig struct {
	Region        string
	Endpoint      string
	MetricsTable  string
	ArchiveEnable bool
}

type OpenSearchConfig struct {
	Endpoint string
	Username string
	Password string
	Index    string
}

type PipelineConfig struct {
	HooksPerBatch  int
	Platforms      []string
	GenerateImages bool
	CacheTTL       time.Duration
	AnalyticsDelay time.Duration
}

// PlatformAPIConfig points a publishing platform at its REST API and OAuth2
// token endpoint.
type PlatformAPIConfig struct {
	Name         string
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type WorkerConfig struct {
	StallTimeout       time.Duration
	PollInterval       time.Duration
	HookConcurrency    int
	PostConcurrency    int
	ImageConcurrency   int
	PublishConcurrency int
	AnalyticsWorkers   int
}

// Load reads the environment into a Config, applying defaults for anything
// unset.
func Load() Config {
	cfg := Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Postgres: PostgresConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "hookflow"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "hookflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Valkey: ValkeyConfig{
			Address:  getEnv("VALKEY_INIT_ADDRESS", "localhost:6379"),
			Password: getEnv("VALKEY_PASSWORD", ""),
			TLS:      getEnvBool("VALKEY_TLS", false),
			Prefix:   getEnv("VALKEY_PREFIX", "hookflow"),
		},
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			TextModel:   getEnv("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
			ImageModel:  getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
			ImageSize:   getEnv("OPENAI_IMAGE_SIZE", "1024x1024"),
			Timeout:     getEnvDuration("OPENAI_TIMEOUT", 60*time.Second),
			HealthEvery: getEnvDuration("OPENAI_HEALTHCHECK_INTERVAL", 15*time.Second),
		},
		Kafka: KafkaConfig{
			Broker:          getEnv("KAFKA_BROKER", "localhost:29092"),
			GroupID:         getEnv("KAFKA_CONSUMER_GROUP_ID", "hookflow-ingest"),
			TransactionalID: getEnv("KAFKA_TRANSACTIONAL_ID", "hookflow-producer-1"),
			Enabled:         getEnvBool("KAFKA_ENABLED", true),
		},
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", "us-west-2"),
			Endpoint:      getEnv("AWS_ENDPOINT", ""),
			MetricsTable:  getEnv("ANALYTICS_TABLE", "PostMetricSnapshots"),
			ArchiveEnable: getEnvBool("ANALYTICS_ARCHIVE_ENABLED", true),
		},
		OpenSearch: OpenSearchConfig{
			Endpoint: getEnv("OPENSEARCH_ENDPOINT", ""),
			Username: getEnv("OPENSEARCH_USERNAME", "admin"),
			Password: getEnv("OPENSEARCH_PASSWORD", ""),
			Index:    getEnv("OPENSEARCH_INDEX", "published-posts"),
		},
		Pipeline: PipelineConfig{
			HooksPerBatch:  getEnvInt("HOOKS_PER_BATCH", 10),
			Platforms:      getEnvList("POST_PLATFORMS", []string{"linkedin"}),
			GenerateImages: getEnvBool("GENERATE_IMAGES", true),
			CacheTTL:       getEnvDuration("GENERATION_CACHE_TTL", 24*time.Hour),
			AnalyticsDelay: getEnvDuration("ANALYTICS_DELAY", 24*time.Hour),
		},
		Workers: WorkerConfig{
			StallTimeout:       getEnvDuration("JOB_STALL_TIMEOUT", 5*time.Minute),
			PollInterval:       getEnvDuration("JOB_POLL_INTERVAL", time.Second),
			HookConcurrency:    getEnvInt("HOOK_WORKERS", 5),
			PostConcurrency:    getEnvInt("POST_WORKERS", 3),
			ImageConcurrency:   getEnvInt("IMAGE_WORKERS", 2),
			PublishConcurrency: getEnvInt("PUBLISH_WORKERS", 3),
			AnalyticsWorkers:   getEnvInt("ANALYTICS_WORKERS", 2),
		},
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", false),
	}

	for _, name := range cfg.Pipeline.Platforms {
		prefix := strings.ToUpper(name) + "_"
		cfg.Platforms = append(cfg.Platforms, PlatformAPIConfig{
			Name:         name,
			BaseURL:      getEnv(prefix+"API_URL", "https://api."+name+".com"),
			TokenURL:     getEnv(prefix+"TOKEN_URL", ""),
			ClientID:     getEnv(prefix+"CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"CLIENT_SECRET", ""),
		})
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// MaxRequestBytes caps JSON request bodies.
	MaxRequestBytes int64

	OTLPEndpoint       string
	CORSAllowedOrigins []string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBSQLitePath      string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Ingest    IngestConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
}

// IngestConfig carries the static ingest defaults. Runtime tuning lives in
// IngestTuningHolder and may override these values.
type IngestConfig struct {
	ChunkSize      int
	MaxSampleError int
	LookupBatch    int
	WriteBatch     int
	LookupWorkers  int
}

type AuditConfig struct {
	Enabled         bool
	QueueSize       int
	Workers         int
	MaxBodyBytes    int
	ShutdownTimeout int
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BulkAddUploaderRate  float64
	BulkAddUploaderBurst int

	ApprovalLockTTLSeconds int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "powercasting"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":4000"),
		MaxRequestBytes:    int64(getenvInt("HTTP_MAX_REQUEST_BYTES", DefaultMaxRequestBytes)),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		CORSAllowedOrigins: parseList(getenv("CORS_ALLOWED_ORIGINS", "*")),
		DBType:             strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "powercasting"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBSQLitePath:       getenv("DATABASE_SQLITE_PATH", "powercasting.db"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 20),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 200),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Ingest: IngestConfig{
			ChunkSize:      getenvInt("INGEST_CHUNK_SIZE", DefaultChunkSize),
			MaxSampleError: getenvInt("INGEST_MAX_SAMPLE_ERRORS", DefaultMaxSampleErrors),
			LookupBatch:    getenvInt("INGEST_LOOKUP_BATCH", 1000),
			WriteBatch:     getenvInt("INGEST_WRITE_BATCH", 500),
			LookupWorkers:  getenvInt("INGEST_LOOKUP_WORKERS", 4),
		},
		Audit: AuditConfig{
			Enabled:         getenvBool("AUDIT_ENABLED", true),
			QueueSize:       getenvInt("AUDIT_QUEUE_SIZE", 1024),
			Workers:         getenvInt("AUDIT_WORKERS", 2),
			MaxBodyBytes:    getenvInt("AUDIT_MAX_BODY_BYTES", 64*1024),
			ShutdownTimeout: getenvInt("AUDIT_SHUTDOWN_TIMEOUT_SECONDS", 5),
		},
		RateLimit: RateLimitConfig{
			Enabled:                getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:              strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword:          getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:                getenvInt("RATE_LIMIT_REDIS_DB", 0),
			BulkAddUploaderRate:    getenvFloat("RATE_LIMIT_BULK_ADD_RATE", 1),
			BulkAddUploaderBurst:   getenvInt("RATE_LIMIT_BULK_ADD_BURST", 5),
			ApprovalLockTTLSeconds: getenvInt("RATE_LIMIT_APPROVAL_LOCK_TTL_SECONDS", 120),
		},
	}

	return cfg
}

const (
	DefaultChunkSize       = 50_000
	DefaultMaxSampleErrors = 5
	DefaultMaxRequestBytes = 256 << 20
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

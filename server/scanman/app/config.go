package app

import (
	"time"

	cmnenv "extapi/server/common/env"
)

type Config struct {
	Port          string
	AppEnv        string
	JWTSecret     string
	JWTTTLMinutes int

	TenantsFile    string
	DBManEndpoints []string

	PostgresDSN string
	RedisAddr   string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ConsumerStartTimeout     time.Duration
	ConsumerStartParallelism int
	ScanStatusTTL            time.Duration

	InternalKeyHash string
}

func LoadConfig() Config {
	return Config{
		Port:                     cmnenv.String("SCANMAN_PORT", "8085"),
		AppEnv:                   cmnenv.String("APP_ENV", "development"),
		JWTSecret:                cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes:            cmnenv.Int("JWT_TTL_MINUTES", 1440),
		TenantsFile:              cmnenv.String("TENANTS_FILE", ""),
		DBManEndpoints:           cmnenv.CSV("DBMAN_ENDPOINTS", []string{cmnenv.String("DBMAN_ENDPOINT", "http://localhost:8082")}),
		PostgresDSN:              cmnenv.String("POSTGRES_DSN", ""),
		RedisAddr:                cmnenv.String("REDIS_ADDR", ""),
		MinioEndpoint:            cmnenv.String("MINIO_ENDPOINT", ""),
		MinioAccessKey:           cmnenv.String("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey:           cmnenv.String("MINIO_SECRET_KEY", "minio123"),
		MinioBucket:              cmnenv.String("MINIO_BUCKET", "extapi-files"),
		MinioUseSSL:              cmnenv.Bool("MINIO_USE_SSL", false),
		ConsumerStartTimeout:     cmnenv.Duration("CONSUMER_START_TIMEOUT", 30*time.Second),
		ConsumerStartParallelism: cmnenv.Int("CONSUMER_START_PARALLELISM", 8),
		ScanStatusTTL:            cmnenv.Duration("SCAN_STATUS_TTL", 7*24*time.Hour),
		InternalKeyHash:          cmnenv.String("INTERNAL_KEY_HASH", ""),
	}
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

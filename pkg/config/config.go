// Package config loads server configuration from the environment, with a
// YAML deployment-profile overlay for per-environment token policy.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Store selection: "sqlite" (default), "postgres", or "memory".
	StoreBackend string
	DatabaseURL  string
	SQLitePath   string
	SnapshotKey  string

	TokenIssuer              string
	TokenSigningKey          string
	TokenTTLSeconds          int64
	TokenClockSkewSeconds    int64
	OutageGraceWindowSeconds int64

	RedisAddr string
	MintRPM   int
	MintBurst int

	OTLPEndpoint      string
	AuditExportBucket string
	AuditExportRegion string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development. The signing key has no default: an
// empty value fails closed at token-service construction.
func Load() *Config {
	return &Config{
		Port:         envOr("PORT", "8086"),
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		StoreBackend: envOr("STORE_BACKEND", "sqlite"),
		DatabaseURL:  envOr("DATABASE_URL", "postgres://authplane@localhost:5432/authplane?sslmode=disable"),
		SQLitePath:   envOr("SQLITE_PATH", "authplane.db"),
		SnapshotKey:  envOr("SNAPSHOT_KEY", "default"),

		TokenIssuer:              envOr("TOKEN_ISSUER", "rezilient-auth-control-plane"),
		TokenSigningKey:          os.Getenv("TOKEN_SIGNING_KEY"),
		TokenTTLSeconds:          envOrInt("TOKEN_TTL_SECONDS", 300),
		TokenClockSkewSeconds:    envOrInt("TOKEN_CLOCK_SKEW_SECONDS", 30),
		OutageGraceWindowSeconds: envOrInt("OUTAGE_GRACE_WINDOW_SECONDS", 120),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		MintRPM:   int(envOrInt("MINT_RATE_LIMIT_RPM", 600)),
		MintBurst: int(envOrInt("MINT_RATE_LIMIT_BURST", 30)),

		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		AuditExportBucket: os.Getenv("AUDIT_EXPORT_BUCKET"),
		AuditExportRegion: envOr("AUDIT_EXPORT_REGION", "us-east-1"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

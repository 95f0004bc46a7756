package config

import (
	"os"
	"strconv"
)

// Config holds kernel process configuration.
type Config struct {
	LogLevel            string
	TopologyPath        string
	ProfilePath         string
	AuditSQLitePath     string
	AuditPostgresURL    string
	QuotaRedisAddr      string
	QuotaRedisPassword  string
	QuotaRedisDB        int
	OTLPEndpoint        string
	RootCapsule         string
	RootDelegationDepth int
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	topologyPath := os.Getenv("CMSR_TOPOLOGY")
	if topologyPath == "" {
		topologyPath = "topology.yaml"
	}

	rootCapsule := os.Getenv("CMSR_ROOT_CAPSULE")
	if rootCapsule == "" {
		rootCapsule = "boot"
	}

	depth := 8
	if v := os.Getenv("CMSR_ROOT_DELEGATION_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}

	redisDB := 0
	if v := os.Getenv("CMSR_QUOTA_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	return &Config{
		LogLevel:            logLevel,
		TopologyPath:        topologyPath,
		ProfilePath:         os.Getenv("CMSR_PROFILE"),
		AuditSQLitePath:     os.Getenv("CMSR_AUDIT_SQLITE"),
		AuditPostgresURL:    os.Getenv("CMSR_AUDIT_POSTGRES_URL"),
		QuotaRedisAddr:      os.Getenv("CMSR_QUOTA_REDIS_ADDR"),
		QuotaRedisPassword:  os.Getenv("CMSR_QUOTA_REDIS_PASSWORD"),
		QuotaRedisDB:        redisDB,
		OTLPEndpoint:        os.Getenv("CMSR_OTLP_ENDPOINT"),
		RootCapsule:         rootCapsule,
		RootDelegationDepth: depth,
	}
}

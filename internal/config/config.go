package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	PipelineFile string

	// Executor settings.
	Workers          int
	DefaultLeaseWait time.Duration

	// Health prober defaults (per-target policy can override attempts/interval
	// in the pipeline file).
	ProbeAttempts     int
	ProbeBaseInterval time.Duration
	ProbeSettleWait   time.Duration

	// Event streaming / archival. Both optional.
	KafkaBrokers    []string
	KafkaTopic      string
	ArchiveS3Bucket string
	ArchiveS3Prefix string

	// Auth. Empty secret disables bearer auth on write endpoints.
	AuthSecret      string
	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr          = ":8072"
	defaultWorkers       = 4
	defaultProbeAttempts = 12
	defaultProbeInterval = 5 * time.Second
	defaultProbeSettle   = 30 * time.Second
	defaultKafkaTopic    = "relay.run-events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:         getEnv("RELAY_ADDR", defaultAddr),
		DatabaseURL:  firstNonEmpty(os.Getenv("RELAY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PipelineFile: os.Getenv("RELAY_PIPELINE_FILE"),

		Workers:          getInt("RELAY_WORKERS", defaultWorkers),
		DefaultLeaseWait: getDuration("RELAY_LEASE_WAIT", 0),

		ProbeAttempts:     getInt("RELAY_PROBE_ATTEMPTS", defaultProbeAttempts),
		ProbeBaseInterval: getDuration("RELAY_PROBE_INTERVAL", defaultProbeInterval),
		ProbeSettleWait:   getDuration("RELAY_PROBE_SETTLE", defaultProbeSettle),

		KafkaBrokers:    splitList(os.Getenv("RELAY_KAFKA_BROKERS")),
		KafkaTopic:      getEnv("RELAY_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveS3Bucket: os.Getenv("RELAY_ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix: os.Getenv("RELAY_ARCHIVE_S3_PREFIX"),

		AuthSecret:      os.Getenv("RELAY_AUTH_SECRET"),
		AllowDebugToken: getBool("RELAY_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("RELAY_DEBUG_TOKEN"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or RELAY_DATABASE_URL required")
	}
	if cfg.PipelineFile == "" {
		return Config{}, fmt.Errorf("RELAY_PIPELINE_FILE required")
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("RELAY_WORKERS must be positive")
	}
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "production" && cfg.AuthSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("RELAY_AUTH_SECRET required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config loads the process-wide configuration from environment
// variables: a single Load() call reads every key under a common prefix,
// with documented defaults, and returns a validated, immutable Config. A
// local .env file is loaded first via godotenv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agentbox/internal/apperror"
)

const envPrefix = "AGENTBOX_"

// Config is the fully resolved, immutable boot-time configuration.
type Config struct {
	ContainerImage     string
	Runtime            string // auto | secure | standard
	AllowUnsafeRuntime bool
	MemoryLimitBytes   int64
	CPULimit           float64
	PIDsLimit          int64
	ExecutionTimeout   time.Duration
	NetworkEnabled     bool

	EntropyThreshold    float64
	MinEntropyLength    int
	SimilarityThreshold float64
	MaxStdoutBytes      int
	RaiseOnLeak         bool

	LLMProvider string
	LLMModel    string
	LLMAPIKey   string
	LLMBaseURL  string

	MaxIterations    int
	MaxBudgetDollars float64
	PricingPath      string

	DockerHost   string
	GVisorName   string
	AuditLogPath string
}

// Load reads .env (if present), then every AGENTBOX_-prefixed environment
// variable, applying the documented defaults, and validates the result. An
// unparsable MEMORY_LIMIT, an unknown RUNTIME, or a non-positive
// MAX_ITERATIONS, MAX_BUDGET_DOLLARS, or EXECUTION_TIMEOUT is a
// Configuration error, not a panic; the caller decides whether to exit.
// Other numeric values that fail to parse fall back to their defaults
// without an error.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := &Config{
		ContainerImage:     envOr("CONTAINER_IMAGE", "python:3.11-slim"),
		Runtime:            envOr("RUNTIME", "auto"),
		AllowUnsafeRuntime: envBool("ALLOW_UNSAFE_RUNTIME", false),
		CPULimit:           envFloat("CPU_LIMIT", 0.5),
		PIDsLimit:          envInt64("PIDS_LIMIT", 50),
		NetworkEnabled:     envBool("NETWORK_ENABLED", false),

		EntropyThreshold:    envFloat("ENTROPY_THRESHOLD", 4.5),
		MinEntropyLength:    int(envInt64("MIN_ENTROPY_LENGTH", 20)),
		SimilarityThreshold: envFloat("SIMILARITY_THRESHOLD", 0.8),
		MaxStdoutBytes:      int(envInt64("MAX_STDOUT_BYTES", 4000)),
		RaiseOnLeak:         envBool("RAISE_ON_LEAK", false),

		LLMProvider: envOr("LLM_PROVIDER", "openai"),
		LLMModel:    envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:   os.Getenv(envPrefix + "LLM_API_KEY"),
		LLMBaseURL:  envOr("LLM_BASE_URL", "https://api.openai.com/v1/chat/completions"),

		MaxIterations:    int(envInt64("MAX_ITERATIONS", 10)),
		MaxBudgetDollars: envFloat("MAX_BUDGET_DOLLARS", 1.0),
		PricingPath:      os.Getenv(envPrefix + "PRICING_PATH"),

		DockerHost:   os.Getenv("DOCKER_HOST"),
		GVisorName:   envOr("GVISOR_RUNTIME", "runsc"),
		AuditLogPath: os.Getenv(envPrefix + "AUDIT_LOG_PATH"),
	}

	memStr := envOr("MEMORY_LIMIT", "256m")
	memBytes, err := parseMemory(memStr)
	if err != nil {
		return nil, apperror.Configuration("invalid MEMORY_LIMIT: " + err.Error())
	}
	cfg.MemoryLimitBytes = memBytes

	timeoutSecs := envInt64("EXECUTION_TIMEOUT", 30)
	cfg.ExecutionTimeout = time.Duration(timeoutSecs) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Runtime {
	case "auto", "secure", "standard":
	default:
		return apperror.Configuration("invalid RUNTIME: " + c.Runtime)
	}
	if c.MaxIterations <= 0 {
		return apperror.Configuration("MAX_ITERATIONS must be positive")
	}
	if c.MaxBudgetDollars <= 0 {
		return apperror.Configuration("MAX_BUDGET_DOLLARS must be positive")
	}
	if c.ExecutionTimeout <= 0 {
		return apperror.Configuration("EXECUTION_TIMEOUT must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// parseMemory parses a docker-style memory string ("256m", "1g", or a bare
// byte count) into bytes.
func parseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, apperror.Wrapf(apperror.KindConfiguration, "empty memory limit")
	}
	multiplier := int64(1)
	numPart := s
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		numPart = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1024
		numPart = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

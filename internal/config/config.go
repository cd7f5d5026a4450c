// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Compiler and agent backends.
const (
	CompilerLocal  = "local"
	CompilerDocker = "docker"

	AgentOpenAI = "openai"
	AgentGRPC   = "grpc"
	AgentNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	LogLevel       string
	AllowedOrigins []string

	SessionTTL     time.Duration
	ReaperInterval time.Duration

	Repair  RepairConfig
	Channel ChannelConfig
	Compile CompileConfig
	Agent   AgentConfig
}

// RepairConfig bounds compile-repair cycles and collaborator retries.
type RepairConfig struct {
	MaxAttempts    int
	CycleTimeout   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// ChannelConfig controls per-connection limits.
type ChannelConfig struct {
	RatePerSecond float64
	Burst         int
	PingInterval  time.Duration
}

// CompileConfig selects how toolchains are run.
type CompileConfig struct {
	Backend        string
	ToolchainsFile string
	// ContainerRuntime is the Docker runtime: "" = default (runc), "runsc" = gVisor.
	ContainerRuntime string
}

// AgentConfig selects the model backend.
type AgentConfig struct {
	Backend       string
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	GRPCAddr      string
	Timeout       time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/forge.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		ReaperInterval: getEnvDuration("REAPER_INTERVAL", time.Minute),
		Repair: RepairConfig{
			MaxAttempts:    getEnvInt("MAX_REPAIR_ATTEMPTS", 5),
			CycleTimeout:   getEnvDuration("REPAIR_CYCLE_TIMEOUT", 10*time.Minute),
			MaxRetries:     getEnvInt("COLLAB_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("COLLAB_RETRY_BASE_DELAY", 200*time.Millisecond),
			RetryMaxDelay:  getEnvDuration("COLLAB_RETRY_MAX_DELAY", 5*time.Second),
		},
		Channel: ChannelConfig{
			RatePerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 10),
			Burst:         getEnvInt("RATE_LIMIT_BURST", 20),
			PingInterval:  getEnvDuration("PING_INTERVAL", 30*time.Second),
		},
		Compile: CompileConfig{
			Backend:          strings.ToLower(getEnv("COMPILER_BACKEND", CompilerLocal)),
			ToolchainsFile:   getEnv("TOOLCHAINS_FILE", ""),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		},
		Agent: AgentConfig{
			Backend:       strings.ToLower(getEnv("AGENT_BACKEND", AgentNone)),
			OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", ""),
			GRPCAddr:      getEnv("AGENT_GRPC_ADDR", "localhost:50051"),
			Timeout:       getEnvDuration("AGENT_TIMEOUT", 2*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.Repair.MaxAttempts < 1 {
		return fmt.Errorf("MAX_REPAIR_ATTEMPTS must be >= 1")
	}
	if c.Repair.CycleTimeout <= 0 {
		return fmt.Errorf("REPAIR_CYCLE_TIMEOUT must be > 0")
	}
	if c.Repair.MaxRetries < 1 {
		return fmt.Errorf("COLLAB_MAX_RETRIES must be >= 1")
	}
	if c.Channel.RatePerSecond <= 0 || c.Channel.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be > 0")
	}
	switch c.Compile.Backend {
	case CompilerLocal, CompilerDocker:
	default:
		return fmt.Errorf("COMPILER_BACKEND must be %q or %q, got %q", CompilerLocal, CompilerDocker, c.Compile.Backend)
	}
	switch c.Agent.Backend {
	case AgentNone:
	case AgentOpenAI:
		if c.Agent.OpenAIModel == "" {
			return fmt.Errorf("OPENAI_MODEL is required when AGENT_BACKEND=openai")
		}
	case AgentGRPC:
		if c.Agent.GRPCAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR is required when AGENT_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("AGENT_BACKEND must be one of openai, grpc, none, got %q", c.Agent.Backend)
	}
	return nil
}

// IsDevelopment returns true when no origins are configured or they point
// at localhost.
func (c *Config) IsDevelopment() bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if !strings.Contains(o, "localhost") && !strings.Contains(o, "127.0.0.1") {
			return false
		}
	}
	return true
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the gateway. Loaded once at startup and
// threaded through components as an explicit dependency.
type Config struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// Bus
	BusURL           string        `yaml:"bus_url"`
	RequestSubject   string        `yaml:"request_subject"`
	RawMemorySubject string        `yaml:"raw_memory_subject"`
	RawMemoryStream  string        `yaml:"raw_memory_stream"`
	BusReconnectWait time.Duration `yaml:"bus_reconnect_wait"`
	BusReconnectCap  time.Duration `yaml:"bus_reconnect_cap"`

	// Session cache
	CacheURL    string        `yaml:"cache_url"`
	HotMsgLimit int           `yaml:"hot_msg_limit"`
	HotTTL      time.Duration `yaml:"hot_ttl"`

	// Auth
	JWTSecret  string `yaml:"jwt_secret"`
	JWTAlg     string `yaml:"jwt_alg"`
	JWTJWKSURL string `yaml:"jwt_jwks_url"`

	// Dispatcher timers
	IdleChunkTimeout   time.Duration `yaml:"idle_chunk_timeout"`
	TotalTicketTimeout time.Duration `yaml:"total_ticket_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`

	// WebSocket edge
	StreamPath        string        `yaml:"stream_path"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`

	// Persona
	DefaultPersona string `yaml:"default_persona"`

	// Startup behavior: when strict, unreachable bus or cache at startup is fatal.
	StartupStrict bool `yaml:"startup_strict"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load builds the configuration from the environment, with an optional YAML
// overlay when CONFIG_FILE points at an existing file.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		BusURL:           getEnvOrDefault("BUS_URL", "nats://localhost:4222"),
		RequestSubject:   getEnvOrDefault("REQUEST_SUBJECT", "chat.request"),
		RawMemorySubject: getEnvOrDefault("RAW_MEMORY_SUBJECT", "memory.raw"),
		RawMemoryStream:  getEnvOrDefault("RAW_MEMORY_STREAM", "MEMORY_RAW"),
		BusReconnectWait: getEnvAsDuration("BUS_RECONNECT_WAIT", 2*time.Second),
		BusReconnectCap:  getEnvAsDuration("BUS_RECONNECT_CAP", 30*time.Second),

		CacheURL:    getEnvOrDefault("CACHE_URL", "redis://localhost:6379/0"),
		HotMsgLimit: getEnvAsInt("HOT_MSG_LIMIT", 200),
		HotTTL:      time.Duration(getEnvAsInt("HOT_TTL_MIN", 60)) * time.Minute,

		JWTSecret:  getEnvOrDefault("JWT_SECRET", ""),
		JWTAlg:     getEnvOrDefault("JWT_ALG", "HS256"),
		JWTJWKSURL: getEnvOrDefault("JWT_JWKS_URL", ""),

		IdleChunkTimeout:   getEnvAsDuration("IDLE_CHUNK_TIMEOUT", 120*time.Second),
		TotalTicketTimeout: getEnvAsDuration("TOTAL_TICKET_TIMEOUT", 600*time.Second),
		DrainTimeout:       getEnvAsDuration("DRAIN_TIMEOUT", 10*time.Second),

		StreamPath:        getEnvOrDefault("STREAM_PATH", "/v1/stream"),
		KeepaliveInterval: getEnvAsDuration("WS_KEEPALIVE_INTERVAL", 30*time.Second),
		HTTPTimeout:       getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),

		DefaultPersona: getEnvOrDefault("DEFAULT_PERSONA", "sara_default"),

		StartupStrict: getEnvAsBool("STARTUP_STRICT", false),

		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	// Optional file overlay. Unlike environment variables, the file is only
	// consulted when explicitly configured.
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file %s: %w", path, err)
		}
		defer f.Close()

		if err := LoadConfigFile(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFile decodes YAML settings over an existing Config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return err
	}
	return nil
}

// Validate checks settings that have no sane fallback. A non-nil error maps
// to process exit code 2.
func (c *Config) Validate() error {
	switch c.JWTAlg {
	case "HS256", "HS384", "HS512":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for %s", c.JWTAlg)
		}
	case "RS256", "ES256":
		if c.JWTJWKSURL == "" {
			return fmt.Errorf("JWT_JWKS_URL is required for %s", c.JWTAlg)
		}
	default:
		return fmt.Errorf("unsupported JWT_ALG %q", c.JWTAlg)
	}

	if c.HotMsgLimit <= 0 {
		return fmt.Errorf("HOT_MSG_LIMIT must be positive, got %d", c.HotMsgLimit)
	}
	if c.IdleChunkTimeout <= 0 || c.TotalTicketTimeout <= 0 || c.DrainTimeout <= 0 {
		return fmt.Errorf("dispatcher timeouts must be positive")
	}
	if c.RequestSubject == "" || c.RawMemorySubject == "" {
		return fmt.Errorf("REQUEST_SUBJECT and RAW_MEMORY_SUBJECT must not be empty")
	}
	if c.StreamPath == "" || c.StreamPath[0] != '/' {
		return fmt.Errorf("STREAM_PATH must be an absolute path, got %q", c.StreamPath)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as bool, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for the bridge.
type Config struct {
	BrokerURL      string `yaml:"broker_url"`
	AuthToken      string `yaml:"auth_token"`
	BackendBaseURL string `yaml:"backend_base_url"`
	BackendAPIKey  string `yaml:"backend_api_key"`
	ModelName      string `yaml:"model_name"`

	MaxSessions     int           `yaml:"max_sessions"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	StableAfter  time.Duration `yaml:"stable_after"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	ModelPollInterval time.Duration `yaml:"model_poll_interval"`

	ClientID   string `yaml:"client_id"`
	ClientName string `yaml:"client_name"`

	StatusAddr           string   `yaml:"status_addr"`
	StatusAllowedOrigins []string `yaml:"status_allowed_origins"`
	MetricsAddr          string   `yaml:"metrics_addr"`
	StateRedisAddr       string   `yaml:"state_redis_addr"`

	ConfigFile string `yaml:"-"`
	LogLevel   string `yaml:"log_level"`
	Reconnect  bool   `yaml:"reconnect"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.ConfigFile = getEnv("CONFIG_FILE", DefaultConfigPath("llmbridge.yaml"))
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.BrokerURL = getEnv("BROKER_URL", "ws://localhost:8080/api/bridge/connect")
	c.AuthToken = getEnv("AUTH_TOKEN", "")
	c.BackendBaseURL = getEnv("BACKEND_BASE_URL", "http://127.0.0.1:8000")
	c.BackendAPIKey = getEnv("BACKEND_API_KEY", "")
	c.ModelName = getEnv("MODEL_NAME", "")

	ms := getEnv("MAX_SESSIONS", "8")
	if v, err := strconv.Atoi(ms); err == nil {
		c.MaxSessions = v
	} else {
		c.MaxSessions = 8
	}
	if v, err := strconv.ParseInt(getEnv("MAX_PAYLOAD_BYTES", ""), 10, 64); err == nil && v > 0 {
		c.MaxPayloadBytes = v
	} else {
		c.MaxPayloadBytes = 16 << 20
	}
	if v, err := strconv.ParseFloat(getEnv("REQUEST_TIMEOUT", "300"), 64); err == nil {
		c.RequestTimeout = time.Duration(v * float64(time.Second))
	} else {
		c.RequestTimeout = 5 * time.Minute
	}

	c.PingInterval = durationEnv("PING_INTERVAL", 20*time.Second)
	c.PongTimeout = durationEnv("PONG_TIMEOUT", 30*time.Second)
	c.StableAfter = durationEnv("STABLE_AFTER", time.Minute)
	c.DrainTimeout = durationEnv("DRAIN_TIMEOUT", time.Minute)
	c.ModelPollInterval = durationEnv("MODEL_POLL_INTERVAL", time.Minute)

	c.ClientID = getEnv("CLIENT_ID", "")
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-" + uuid.NewString()[:8]
	}
	c.ClientName = getEnv("CLIENT_NAME", host)

	c.StatusAddr = getEnv("STATUS_ADDR", "")
	if origins := getEnv("STATUS_ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.StatusAllowedOrigins = append(c.StatusAllowedOrigins, o)
			}
		}
	}
	mp := getEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.StateRedisAddr = getEnv("STATE_REDIS_ADDR", "")

	if b, err := strconv.ParseBool(getEnv("RECONNECT", "true")); err == nil {
		c.Reconnect = b
	} else {
		c.Reconnect = true
	}

	flag.StringVar(&c.BrokerURL, "broker-url", c.BrokerURL, "broker WebSocket URL (e.g. wss://broker.example.com/api/bridge/connect)")
	flag.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "shared secret for authenticating with the broker")
	flag.StringVar(&c.BackendBaseURL, "backend-base-url", c.BackendBaseURL, "base URL of the local OpenAI-compatible service (e.g. http://127.0.0.1:8000)")
	flag.StringVar(&c.BackendAPIKey, "backend-api-key", c.BackendAPIKey, "API key for the local service; leave empty for no auth")
	flag.StringVar(&c.ModelName, "model-name", c.ModelName, "model name to announce; discovered from the backend when empty")
	flag.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "maximum number of concurrent sessions")
	flag.Int64Var(&c.MaxPayloadBytes, "max-payload-bytes", c.MaxPayloadBytes, "maximum data payload per frame in bytes")
	flag.Func("request-timeout", "per-session timeout in seconds", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between liveness pings to the broker")
	flag.DurationVar(&c.PongTimeout, "pong-timeout", c.PongTimeout, "time to wait for a pong before forcing a reconnect")
	flag.DurationVar(&c.StableAfter, "stable-after", c.StableAfter, "connection age after which the reconnect backoff resets")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight sessions on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	flag.DurationVar(&c.ModelPollInterval, "model-poll-interval", c.ModelPollInterval, "interval for polling the backend for model changes")
	flag.StringVar(&c.ClientID, "client-id", c.ClientID, "client identifier; randomly generated if omitted")
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client display name shown in logs and status")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4555)")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty; e.g. 127.0.0.1:9090 or 9090)")
	flag.StringVar(&c.StateRedisAddr, "state-redis-addr", c.StateRedisAddr, "Redis URL for persisting drain state across restarts (in-memory when empty)")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the broker on failure")
	flag.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// UnmarshalYAML decodes the config, accepting duration strings such as "30s"
// or bare seconds such as "300" for the duration fields. Absent keys leave
// the current values untouched.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		BrokerURL            *string  `yaml:"broker_url"`
		AuthToken            *string  `yaml:"auth_token"`
		BackendBaseURL       *string  `yaml:"backend_base_url"`
		BackendAPIKey        *string  `yaml:"backend_api_key"`
		ModelName            *string  `yaml:"model_name"`
		MaxSessions          *int     `yaml:"max_sessions"`
		MaxPayloadBytes      *int64   `yaml:"max_payload_bytes"`
		RequestTimeout       *string  `yaml:"request_timeout"`
		PingInterval         *string  `yaml:"ping_interval"`
		PongTimeout          *string  `yaml:"pong_timeout"`
		StableAfter          *string  `yaml:"stable_after"`
		DrainTimeout         *string  `yaml:"drain_timeout"`
		ModelPollInterval    *string  `yaml:"model_poll_interval"`
		ClientID             *string  `yaml:"client_id"`
		ClientName           *string  `yaml:"client_name"`
		StatusAddr           *string  `yaml:"status_addr"`
		StatusAllowedOrigins []string `yaml:"status_allowed_origins"`
		MetricsAddr          *string  `yaml:"metrics_addr"`
		StateRedisAddr       *string  `yaml:"state_redis_addr"`
		LogLevel             *string  `yaml:"log_level"`
		Reconnect            *bool    `yaml:"reconnect"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&c.BrokerURL, aux.BrokerURL)
	setStr(&c.AuthToken, aux.AuthToken)
	setStr(&c.BackendBaseURL, aux.BackendBaseURL)
	setStr(&c.BackendAPIKey, aux.BackendAPIKey)
	setStr(&c.ModelName, aux.ModelName)
	setStr(&c.ClientID, aux.ClientID)
	setStr(&c.ClientName, aux.ClientName)
	setStr(&c.StatusAddr, aux.StatusAddr)
	setStr(&c.MetricsAddr, aux.MetricsAddr)
	setStr(&c.StateRedisAddr, aux.StateRedisAddr)
	setStr(&c.LogLevel, aux.LogLevel)
	if aux.MaxSessions != nil {
		c.MaxSessions = *aux.MaxSessions
	}
	if aux.MaxPayloadBytes != nil {
		c.MaxPayloadBytes = *aux.MaxPayloadBytes
	}
	if aux.StatusAllowedOrigins != nil {
		c.StatusAllowedOrigins = aux.StatusAllowedOrigins
	}
	if aux.Reconnect != nil {
		c.Reconnect = *aux.Reconnect
	}
	durs := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"request_timeout", aux.RequestTimeout, &c.RequestTimeout},
		{"ping_interval", aux.PingInterval, &c.PingInterval},
		{"pong_timeout", aux.PongTimeout, &c.PongTimeout},
		{"stable_after", aux.StableAfter, &c.StableAfter},
		{"drain_timeout", aux.DrainTimeout, &c.DrainTimeout},
		{"model_poll_interval", aux.ModelPollInterval, &c.ModelPollInterval},
	}
	for _, f := range durs {
		if f.src == nil {
			continue
		}
		d, err := parseDuration(*f.src)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// parseDuration accepts Go duration strings ("30s", "1m") and bare numbers
// interpreted as seconds.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BrokerURL) == "" {
		return errors.New("broker URL is required")
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return errors.New("auth token is required")
	}
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return errors.New("backend base URL is required")
	}
	if c.MaxSessions < 1 {
		return errors.New("max sessions must be at least 1")
	}
	if c.MaxPayloadBytes < 1 {
		return errors.New("max payload bytes must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return def
}

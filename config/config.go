package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Conversation store kinds.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Config is the full dispatchkit configuration.
type Config struct {
	Coordinator  CoordinatorConfig  `toml:"coordinator"`
	Backend      BackendConfig      `toml:"backend"`
	Events       EventsConfig       `toml:"events"`
	Conversation ConversationConfig `toml:"conversation"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Worker       WorkerConfig       `toml:"worker"`
	LogLevel     string             `toml:"log_level"`
}

// CoordinatorConfig bounds concurrency and task retention.
type CoordinatorConfig struct {
	// Capacity is the number of tasks allowed to execute at once.
	Capacity int `toml:"capacity"`

	// InactivityTimeout fails a running task when its push channel is
	// silent for this long. Zero disables the check.
	InactivityTimeout Duration `toml:"inactivity_timeout"`

	// Retention is how long terminal tasks stay in the tracker.
	Retention Duration `toml:"retention"`
}

// BackendConfig locates the remote execution backend.
type BackendConfig struct {
	BaseURL         string   `toml:"base_url"`
	StreamTransport string   `toml:"stream_transport"`
	RequestTimeout  Duration `toml:"request_timeout"`
}

// EventsConfig configures the optional NATS event relay.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Listen        bool   `toml:"listen"`
}

// ConversationConfig selects the conversation store.
type ConversationConfig struct {
	Store  string `toml:"store"`
	Bucket string `toml:"bucket"`
	Index  bool   `toml:"index"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
}

// WorkerConfig configures the reference execution worker.
type WorkerConfig struct {
	Listen    string `toml:"listen"`
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
	APIKeyEnv string `toml:"api_key_env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Capacity:          5,
			InactivityTimeout: Duration{2 * time.Minute},
			Retention:         Duration{30 * time.Minute},
		},
		Backend: BackendConfig{
			BaseURL:         "http://localhost:8420",
			StreamTransport: TransportSSE,
			RequestTimeout:  Duration{30 * time.Second},
		},
		Events: EventsConfig{
			SubjectPrefix: "dispatch.events",
		},
		Conversation: ConversationConfig{
			Store:  StoreMemory,
			Bucket: "conversations",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "dispatchkit",
		},
		Worker: WorkerConfig{
			Listen:    ":8420",
			MaxTokens: 4096,
		},
		LogLevel: "info",
	}
}

// Load reads a TOML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content on top of Default and validates the result.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Coordinator.Capacity < 0 {
		return fmt.Errorf("coordinator.capacity must not be negative, got %d", c.Coordinator.Capacity)
	}
	if c.Coordinator.InactivityTimeout.Duration < 0 {
		return fmt.Errorf("coordinator.inactivity_timeout must not be negative")
	}
	if c.Coordinator.Retention.Duration < 0 {
		return fmt.Errorf("coordinator.retention must not be negative")
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL, got %q", c.Backend.BaseURL)
	}
	switch c.Backend.StreamTransport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("backend.stream_transport must be %q or %q, got %q",
			TransportSSE, TransportWebSocket, c.Backend.StreamTransport)
	}

	switch c.Conversation.Store {
	case StoreMemory:
	case StoreNATS:
		if c.Events.NATSURL == "" {
			return fmt.Errorf("conversation.store = %q requires events.nats_url", StoreNATS)
		}
		if c.Conversation.Bucket == "" {
			return fmt.Errorf("conversation.bucket is required for the nats store")
		}
	default:
		return fmt.Errorf("conversation.store must be %q or %q, got %q",
			StoreMemory, StoreNATS, c.Conversation.Store)
	}

	if c.Events.Listen && c.Events.NATSURL == "" {
		return fmt.Errorf("events.listen requires events.nats_url")
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be \"grpc\" or \"http\", got %q", c.Telemetry.Protocol)
	}
	return nil
}

// APIKey resolves the worker's API key: the configured environment
// variable first, then the provider's conventional variable.
func (w WorkerConfig) APIKey() string {
	if w.APIKeyEnv != "" {
		if v := os.Getenv(w.APIKeyEnv); v != "" {
			return v
		}
	}
	return os.Getenv(EnvVarForProvider(w.Provider))
}

// EnvVarForProvider returns the conventional API key variable for a provider.
func EnvVarForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google", "gemini":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

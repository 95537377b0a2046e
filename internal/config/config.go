package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proctorhub/pkg/types"
)

// Config holds all runtime settings. Precedence is file > environment >
// defaults; see Load.
type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Evidence  EvidenceConfig  `json:"evidence" yaml:"evidence"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
}

type HTTPConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `json:"dsn" yaml:"dsn"`
}

// DetectionConfig carries the pipeline tunables. The dedupe and liveness
// windows are deliberately configuration, not constants.
type DetectionConfig struct {
	Safelist       []string      `json:"safelist" yaml:"safelist"`
	DedupeWindow   time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	LivenessWindow time.Duration `json:"liveness_window" yaml:"liveness_window"`
	PersistTimeout time.Duration `json:"persist_timeout" yaml:"persist_timeout"`
}

type EvidenceConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type AuditConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type HubConfig struct {
	JoinSecret   string        `json:"join_secret" yaml:"join_secret"`
	WriteBuffer  int           `json:"write_buffer" yaml:"write_buffer"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// DefaultConfig returns settings suitable for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./proctorhub.db",
		},
		Detection: DetectionConfig{
			Safelist: []string{
				types.EventFaceNotDetected,
				types.EventMultipleFaces,
				types.EventLookingAway,
				types.EventPhoneDetected,
				types.EventForbiddenObject,
				types.EventSpeechDetected,
				types.EventTabSwitch,
				types.EventWindowBlur,
			},
			DedupeWindow:   5 * time.Second,
			LivenessWindow: 3 * time.Minute,
			PersistTimeout: 10 * time.Second,
		},
		Evidence: EvidenceConfig{
			Dir: "./data/evidence",
		},
		Audit: AuditConfig{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
		Hub: HubConfig{
			JoinSecret:   "",
			WriteBuffer:  100,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{Enabled: false},
		},
	}
}

// LoadFromEnv applies PROCTORHUB_* environment overrides on top of the
// defaults. Malformed values are ignored in favor of the default.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PROCTORHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCTORHUB_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("PROCTORHUB_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("PROCTORHUB_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("PROCTORHUB_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("PROCTORHUB_DEDUPE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.DedupeWindow = d
		}
	}
	if v := os.Getenv("PROCTORHUB_LIVENESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.LivenessWindow = d
		}
	}
	if v := os.Getenv("PROCTORHUB_PERSIST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.PersistTimeout = d
		}
	}
	if v := os.Getenv("PROCTORHUB_EVIDENCE_DIR"); v != "" {
		cfg.Evidence.Dir = v
	}
	if v := os.Getenv("PROCTORHUB_AUDIT_URL"); v != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.URL = v
	}
	if v := os.Getenv("PROCTORHUB_JOIN_SECRET"); v != "" {
		cfg.Hub.JoinSecret = v
	}
	if v := os.Getenv("PROCTORHUB_KAFKA_BROKERS"); v != "" {
		cfg.Ingest.Kafka.Enabled = true
		cfg.Ingest.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PROCTORHUB_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.Kafka.Topic = v
	}
	if v := os.Getenv("PROCTORHUB_KAFKA_GROUP_ID"); v != "" {
		cfg.Ingest.Kafka.GroupID = v
	}

	return cfg
}

// LoadFromFile reads a YAML or JSON config file on top of the given base
// config and validates the result.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	cfg := *base
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), &cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), &cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, decodeErr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// Load resolves configuration with precedence file > environment >
// defaults. A missing file path means env/defaults only.
func Load(path string) (*Config, error) {
	cfg := LoadFromEnv()
	if path != "" {
		fileCfg, err := LoadFromFile(path, cfg)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("http.host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return errors.New("storage.dsn cannot be empty")
	}
	if len(c.Detection.Safelist) == 0 {
		return errors.New("detection.safelist cannot be empty")
	}
	if c.Detection.DedupeWindow <= 0 {
		return errors.New("detection.dedupe_window must be positive")
	}
	if c.Detection.LivenessWindow <= 0 {
		return errors.New("detection.liveness_window must be positive")
	}
	if c.Detection.PersistTimeout <= 0 {
		return errors.New("detection.persist_timeout must be positive")
	}
	if c.Evidence.Dir == "" {
		return errors.New("evidence.dir cannot be empty")
	}
	if c.Audit.Enabled && c.Audit.URL == "" {
		return errors.New("audit.url required when audit.enabled is true")
	}
	if c.Hub.WriteBuffer <= 0 {
		return errors.New("hub.write_buffer must be positive")
	}
	if c.Hub.PingInterval <= 0 || c.Hub.ReadTimeout <= 0 || c.Hub.WriteTimeout <= 0 {
		return errors.New("hub timeouts must be positive")
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "" || c.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic and group_id")
		}
	}
	return nil
}

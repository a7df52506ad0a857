package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Charlotte configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id" env:"INSTANCE_ID"`
	RoomID           string         `yaml:"room_id" env:"ROOM_ID"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"` // Graceful shutdown timeout in seconds (default: 5)
	Sources          []SourceConfig `yaml:"sources" envPrefix:"SOURCES_"`
	Stream           StreamConfig   `yaml:"stream" envPrefix:"STREAM_"`
	Observer         ObserverConfig `yaml:"observer" envPrefix:"OBSERVER_"`
	Protocol         ProtocolConfig `yaml:"protocol" envPrefix:"PROTOCOL_"`
	Detector         DetectorConfig `yaml:"detector" envPrefix:"DETECTOR_"`
	History          HistoryConfig  `yaml:"history" envPrefix:"HISTORY_"`
	HTTP             HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	MQTT             MQTTConfig     `yaml:"mqtt" envPrefix:"MQTT_"`
	Redis            RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
}

// SourceConfig declares one MJPEG source registered at startup.
// CHARLOTTE_SOURCES_<n>_ID / _ENDPOINT override entry n.
type SourceConfig struct {
	ID       string `yaml:"id" env:"ID"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"` // http(s) MJPEG URL
}

// StreamConfig contains ingest supervisor settings
type StreamConfig struct {
	ConnectTimeoutS int `yaml:"connect_timeout_s" env:"CONNECT_TIMEOUT_S"` // default: 10
	ReadTimeoutS    int `yaml:"read_timeout_s" env:"READ_TIMEOUT_S"`       // default: 10
	BackoffS        int `yaml:"backoff_s" env:"BACKOFF_S"`                 // default: 5
	BackoffStepMS   int `yaml:"backoff_step_ms" env:"BACKOFF_STEP_MS"`     // default: 250
	StopTimeoutS    int `yaml:"stop_timeout_s" env:"STOP_TIMEOUT_S"`       // default: 6
	MaxBufferBytes  int `yaml:"max_buffer_bytes" env:"MAX_BUFFER_BYTES"`   // partial frame cap (default: 8 MiB)
	RateWindow      int `yaml:"rate_window" env:"RATE_WINDOW"`             // frames in rolling rate (default: 10)
}

// ObserverConfig contains observation loop settings
type ObserverConfig struct {
	IntervalMS          int     `yaml:"interval_ms" env:"INTERVAL_MS"`                   // default: 300
	DivergenceThreshold float64 `yaml:"divergence_threshold" env:"DIVERGENCE_THRESHOLD"` // default: 0.1
	DivergenceMetric    string  `yaml:"divergence_metric" env:"DIVERGENCE_METRIC"`       // default: engagement
}

// ProtocolConfig points at the phase schedule
type ProtocolConfig struct {
	SchedulePath string `yaml:"schedule_path" env:"SCHEDULE_PATH"` // optional; meetings are disabled without it
}

// DetectorConfig selects the detection function
type DetectorConfig struct {
	Mode              string   `yaml:"mode" env:"MODE"`       // simulated, process
	Command           []string `yaml:"command" env:"COMMAND"` // worker argv for process mode
	TimeoutMS         int      `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	Seed              int64    `yaml:"seed" env:"SEED"`
	SubjectsPerSource int      `yaml:"subjects_per_source" env:"SUBJECTS_PER_SOURCE"`
}

// HistoryConfig bounds the in-process fact history
type HistoryConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"` // default: 10000
}

// HTTPConfig contains the health, metrics and WebSocket server settings
type HTTPConfig struct {
	Addr           string   `yaml:"addr" env:"ADDR"`                       // default: :8765
	StaticDir      string   `yaml:"static_dir" env:"STATIC_DIR"`           // optional dashboard files
	ClientBuffer   int      `yaml:"client_buffer" env:"CLIENT_BUFFER"`     // per-client queue (default: 256)
	CommandRate    float64  `yaml:"command_rate" env:"COMMAND_RATE"`       // commands/s per client (default: 5)
	CommandBurst   int      `yaml:"command_burst" env:"COMMAND_BURST"`     // default: 10
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"` // empty allows any
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string     `yaml:"broker" env:"BROKER"`
	ClientID string     `yaml:"client_id" env:"CLIENT_ID"`
	Topics   MQTTTopics `yaml:"topics" envPrefix:"TOPIC_"`
	QoS      byte       `yaml:"qos" env:"QOS"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Facts   string `yaml:"facts" env:"FACTS"` // prefix; the fact type is appended
	Events  string `yaml:"events" env:"EVENTS"`
	Control string `yaml:"control" env:"CONTROL"`
}

// RedisConfig contains the fact stream sink settings. An empty addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Stream   string `yaml:"stream" env:"STREAM"`
	MaxLen   int64  `yaml:"max_len" env:"MAX_LEN"`

	// Microtheory is the KRF context fact entries are filed under (default: CharlotteMt)
	Microtheory string `yaml:"microtheory" env:"MICROTHEORY"`
}

// Load reads a YAML configuration file, applies CHARLOTTE_* environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown deadline
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ObserverInterval returns the tick period
func (c *Config) ObserverInterval() time.Duration {
	return time.Duration(c.Observer.IntervalMS) * time.Millisecond
}

// DetectorTimeout returns the per-request detector deadline
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutMS) * time.Millisecond
}

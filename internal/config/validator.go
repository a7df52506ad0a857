package config

import (
	"fmt"
	"net/url"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Detector modes
const (
	DetectorSimulated = "simulated"
	DetectorProcess   = "process"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.RoomID == "" {
		cfg.RoomID = cfg.InstanceID
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := ValidateSources(cfg.Sources); err != nil {
		return fmt.Errorf("source validation failed: %w", err)
	}

	// Stream defaults
	if cfg.Stream.ConnectTimeoutS <= 0 {
		cfg.Stream.ConnectTimeoutS = 10
	}
	if cfg.Stream.ReadTimeoutS <= 0 {
		cfg.Stream.ReadTimeoutS = 10
	}
	if cfg.Stream.BackoffS <= 0 {
		cfg.Stream.BackoffS = 5
	}
	if cfg.Stream.BackoffStepMS <= 0 {
		cfg.Stream.BackoffStepMS = 250
	}
	if cfg.Stream.StopTimeoutS <= 0 {
		cfg.Stream.StopTimeoutS = 6
	}
	if cfg.Stream.MaxBufferBytes <= 0 {
		cfg.Stream.MaxBufferBytes = 8 << 20
	}
	if cfg.Stream.RateWindow == 0 {
		cfg.Stream.RateWindow = 10
	}
	if cfg.Stream.RateWindow < 2 {
		return fmt.Errorf("stream.rate_window must be >= 2")
	}

	// Observer defaults
	if cfg.Observer.IntervalMS <= 0 {
		cfg.Observer.IntervalMS = 300
	}
	if cfg.Observer.DivergenceThreshold < 0 {
		return fmt.Errorf("observer.divergence_threshold must be >= 0")
	}
	if cfg.Observer.DivergenceThreshold == 0 {
		cfg.Observer.DivergenceThreshold = 0.1
	}
	if cfg.Observer.DivergenceMetric == "" {
		cfg.Observer.DivergenceMetric = "engagement"
	}

	// Detector
	switch cfg.Detector.Mode {
	case "":
		cfg.Detector.Mode = DetectorSimulated
	case DetectorSimulated:
	case DetectorProcess:
		if len(cfg.Detector.Command) == 0 {
			return fmt.Errorf("detector.command is required in process mode")
		}
	default:
		return fmt.Errorf("detector.mode '%s' unknown (must be '%s' or '%s')",
			cfg.Detector.Mode, DetectorSimulated, DetectorProcess)
	}
	if cfg.Detector.TimeoutMS <= 0 {
		cfg.Detector.TimeoutMS = 2000
	}
	if cfg.Detector.SubjectsPerSource <= 0 {
		cfg.Detector.SubjectsPerSource = 2
	}

	if cfg.History.Capacity <= 0 {
		cfg.History.Capacity = 10000
	}

	// HTTP defaults
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8765"
	}
	if cfg.HTTP.ClientBuffer <= 0 {
		cfg.HTTP.ClientBuffer = 256
	}
	if cfg.HTTP.CommandRate <= 0 {
		cfg.HTTP.CommandRate = 5
	}
	if cfg.HTTP.CommandBurst <= 0 {
		cfg.HTTP.CommandBurst = 10
	}

	// Set default topics if not provided
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("charlotte-%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Facts == "" {
		cfg.MQTT.Topics.Facts = fmt.Sprintf("charlotte/%s/facts", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("charlotte/%s/events", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("charlotte/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	// Redis defaults
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = fmt.Sprintf("charlotte:%s:facts", cfg.InstanceID)
	}
	if cfg.Redis.MaxLen <= 0 {
		cfg.Redis.MaxLen = int64(cfg.History.Capacity)
	}

	return nil
}

// ValidateSources checks ids are unique and endpoints are http(s) URLs
func ValidateSources(sources []SourceConfig) error {
	seen := make(map[string]bool, len(sources))
	for i, s := range sources {
		if s.ID == "" {
			return fmt.Errorf("source %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("source '%s': duplicate id", s.ID)
		}
		seen[s.ID] = true

		if err := ValidateEndpoint(s.Endpoint); err != nil {
			return fmt.Errorf("source '%s': %w", s.ID, err)
		}
	}
	return nil
}

// ValidateEndpoint requires an absolute http or https URL
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint '%s' must be an http(s) URL", endpoint)
	}
	return nil
}

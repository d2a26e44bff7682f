package sluice

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how many writers and subscribers a Bridge admits.
type Mode int

const (
	// ModeExclusive admits a single upstream writer and a single downstream
	// subscriber for the lifetime of the Bridge.
	ModeExclusive Mode = iota
	// ModeShared admits concurrent writers and any number of subscribers,
	// each with independent demand.
	ModeShared
)

func (m Mode) String() string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeShared:
		return "shared"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "exclusive" or "shared".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exclusive", "":
		return ModeExclusive, nil
	case "shared":
		return ModeShared, nil
	}
	return 0, fmt.Errorf("sluice: unknown mode %q", s)
}

// UnmarshalYAML decodes a mode from its name.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML encodes a mode as its name.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Config holds the settings a Bridge and its transports are built from.
type Config struct {
	// Name identifies the bridge in logs and metrics.
	Name string `yaml:"name"`

	// SendChannel is the channel or subject frames are published to.
	SendChannel string `yaml:"send_channel"`
	// ReceiveChannel is the channel or subject frames are polled from.
	ReceiveChannel string `yaml:"receive_channel"`

	Mode Mode `yaml:"mode"`

	// FragmentSize is the maximum payload carried by one fragment.
	FragmentSize int `yaml:"fragment_size"`
	// BufferSize is the receive buffer, in frames, transports allocate.
	BufferSize int `yaml:"buffer_size"`
	// PollBatch bounds the frames drained in one poll cycle.
	PollBatch int `yaml:"poll_batch"`
	// Compress enables s2 compression of payloads before fragmentation.
	Compress bool `yaml:"compress"`

	RetryDeadline        time.Duration `yaml:"retry_deadline"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`

	// DrainTimeout bounds the draining phase; when it elapses the Bridge is
	// forced to terminate and in-flight fragments are discarded.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// DrainQuietPeriod is how long the receive side must see no fragments
	// before a draining Bridge considers itself drained.
	DrainQuietPeriod time.Duration `yaml:"drain_quiet_period"`

	IdleSpins   int           `yaml:"idle_spins"`
	IdleYields  int           `yaml:"idle_yields"`
	IdleMinPark time.Duration `yaml:"idle_min_park"`
	IdleMaxPark time.Duration `yaml:"idle_max_park"`
}

// DefaultConfig returns the settings used for any field left unset.
func DefaultConfig() Config {
	return Config{
		Name:                 "sluice",
		SendChannel:          "sluice",
		ReceiveChannel:       "sluice",
		Mode:                 ModeExclusive,
		FragmentSize:         1024 * 16,
		BufferSize:           1024,
		PollBatch:            64,
		RetryDeadline:        5 * time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     100 * time.Millisecond,
		DrainTimeout:         10 * time.Second,
		DrainQuietPeriod:     50 * time.Millisecond,
		IdleSpins:            10,
		IdleYields:           5,
		IdleMinPark:          50 * time.Microsecond,
		IdleMaxPark:          10 * time.Millisecond,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("sluice: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("sluice: parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate reports every invalid field of the config.
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeExclusive && c.Mode != ModeShared {
		errs = append(errs, fmt.Errorf("mode %s is not supported", c.Mode))
	}
	if c.FragmentSize <= 0 {
		errs = append(errs, errors.New("fragment_size must be positive"))
	}
	if c.PollBatch <= 0 {
		errs = append(errs, errors.New("poll_batch must be positive"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer_size must be positive"))
	}
	if c.RetryDeadline < 0 {
		errs = append(errs, errors.New("retry_deadline must not be negative"))
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		errs = append(errs, errors.New("retry intervals must be positive and ordered"))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("drain_timeout must be positive"))
	}
	if c.DrainQuietPeriod <= 0 || c.DrainQuietPeriod > c.DrainTimeout {
		errs = append(errs, errors.New("drain_quiet_period must be positive and within drain_timeout"))
	}
	if c.IdleSpins < 0 || c.IdleYields < 0 {
		errs = append(errs, errors.New("idle_spins and idle_yields must not be negative"))
	}
	if c.IdleMinPark <= 0 || c.IdleMaxPark < c.IdleMinPark {
		errs = append(errs, errors.New("idle park durations must be positive and ordered"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("sluice: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all tunables of the sync core.
type Config struct {
	Sync     Sync     `toml:"sync"`
	Presence Presence `toml:"presence"`
	Network  Network  `toml:"network"`
}

// Sync controls the push and pull lanes.
type Sync struct {
	// PushInterval is how often an idle push worker polls the outbox.
	PushInterval Duration `toml:"push_interval"`
	// BackoffBase is the first retry delay after a transient push failure.
	BackoffBase Duration `toml:"backoff_base"`
	// BackoffMax caps the exponential retry delay.
	BackoffMax Duration `toml:"backoff_max"`
	// RetryCap is the number of transient failures tolerated before a
	// record is marked failed and left for a manual retry.
	RetryCap int `toml:"retry_cap"`
	// FeedBuffer is the channel buffer for change-feed batches.
	FeedBuffer int `toml:"feed_buffer"`
}

// Presence controls the heartbeat protocol.
type Presence struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StalenessWindow   Duration `toml:"staleness_window"`
	// ScanInterval is how often peer heartbeats are checked for staleness.
	ScanInterval Duration `toml:"scan_interval"`
}

// Network controls the connectivity monitor.
type Network struct {
	// DebounceWindow is how long a connectivity transition must hold
	// before it is reported, to ride out flapping links.
	DebounceWindow Duration `toml:"debounce_window"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Sync: Sync{
			PushInterval: Duration(500 * time.Millisecond),
			BackoffBase:  Duration(time.Second),
			BackoffMax:   Duration(60 * time.Second),
			RetryCap:     8,
			FeedBuffer:   64,
		},
		Presence: Presence{
			HeartbeatInterval: Duration(30 * time.Second),
			StalenessWindow:   Duration(60 * time.Second),
			ScanInterval:      Duration(5 * time.Second),
		},
		Network: Network{
			DebounceWindow: Duration(300 * time.Millisecond),
		},
	}
}

// Load reads a TOML config file, applying defaults for absent keys.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max must be >= sync.backoff_base")
	}
	if c.Sync.RetryCap < 1 {
		return fmt.Errorf("sync.retry_cap must be at least 1")
	}
	if c.Presence.StalenessWindow.Std() < c.Presence.HeartbeatInterval.Std() {
		return fmt.Errorf("presence.staleness_window must be >= heartbeat_interval")
	}
	return nil
}

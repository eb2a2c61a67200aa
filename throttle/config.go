package throttle

import (
	"errors"
	"time"

	"github.com/MrEthical07/clinicauth/store"
)

const (
	// MaxAttempts is the number of consecutive failures that trips a lockout.
	MaxAttempts = 5
	// WarningThreshold is the failure count from which callers should warn.
	WarningThreshold = 2
)

// DefaultLadder is the lockout duration applied for lockout levels 0..4.
// Higher levels reuse the last entry.
var DefaultLadder = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// Config controls the guard's thresholds and persistence key.
type Config struct {
	MaxAttempts      int             `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	WarningThreshold int             `yaml:"warning_threshold" envconfig:"WARNING_THRESHOLD"`
	Ladder           []time.Duration `yaml:"ladder" envconfig:"LADDER"`
	StorageKey       string          `yaml:"storage_key" envconfig:"STORAGE_KEY"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	ladder := make([]time.Duration, len(DefaultLadder))
	copy(ladder, DefaultLadder)
	return Config{
		MaxAttempts:      MaxAttempts,
		WarningThreshold: WarningThreshold,
		Ladder:           ladder,
		StorageKey:       store.KeyLoginAttempts,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("throttle: MaxAttempts must be > 0")
	}
	if c.WarningThreshold < 0 {
		return errors.New("throttle: WarningThreshold must be >= 0")
	}
	if len(c.Ladder) == 0 {
		return errors.New("throttle: Ladder must not be empty")
	}
	for _, d := range c.Ladder {
		if d <= 0 {
			return errors.New("throttle: Ladder durations must be > 0")
		}
	}
	if c.StorageKey == "" {
		return errors.New("throttle: StorageKey must not be empty")
	}
	return nil
}

// DurationForLevel returns the ladder entry for a lockout level, clamping to
// the last entry.
func (c Config) DurationForLevel(level int) time.Duration {
	if len(c.Ladder) == 0 {
		return 0
	}
	if level < 0 {
		level = 0
	}
	if level > len(c.Ladder)-1 {
		level = len(c.Ladder) - 1
	}
	return c.Ladder[level]
}

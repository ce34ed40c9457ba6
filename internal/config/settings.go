package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings holds runtime tunables sourced from STACKCTL_* environment
// variables. Flags may override individual fields after loading.
type Settings struct {
	// StatePath is the location of the persisted apply record.
	StatePath string `env:"STACKCTL_STATE_PATH" envDefault:".stackctl/state.json"`
	// MaxAttempts bounds driver start retries per service, including the first try.
	MaxAttempts int `env:"STACKCTL_MAX_ATTEMPTS" envDefault:"4"`
	// BackoffBase is the initial retry backoff interval.
	BackoffBase time.Duration `env:"STACKCTL_BACKOFF_BASE" envDefault:"500ms"`
	// AbortOnFailure stops the plan after the first failed batch instead of
	// converging independent branches best-effort.
	AbortOnFailure bool `env:"STACKCTL_ABORT_ON_FAILURE" envDefault:"false"`
	// ApplyTimeout bounds a whole apply cycle.
	ApplyTimeout time.Duration `env:"STACKCTL_APPLY_TIMEOUT" envDefault:"10m"`
}

// LoadSettings reads Settings from the process environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse STACKCTL_* environment: %w", err)
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	return s, nil
}

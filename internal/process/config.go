package process

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
)

// SimulatorName is the process name used in logs for the simulator.
const SimulatorName = "simulator"

// Supervision defaults applied by NewManager to zero fields.
const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
)

// Config describes the executable to supervise.
type Config struct {
	Name   string
	Binary string
	Args   []string

	// RestartOnFailure relaunches the binary after an unrequested exit.
	RestartOnFailure bool

	// RestartDelay is the first backoff step; each further attempt doubles
	// it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the backoff to start
	// over at RestartDelay.
	StableThreshold time.Duration

	// MaxRestartAttempts bounds consecutive restarts. 0 means no bound.
	MaxRestartAttempts int

	// GracefulTimeout is the wait between SIGTERM and SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc, when set, is polled every HealthCheckInterval while
	// the process runs and by WaitReady.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration
}

// SimulatorConfig builds the supervisor configuration for the simulator
// executable. The health check dials the tethered endpoint the simulator
// serves.
func SimulatorConfig(cfg config.SimulatorProcessConfig, tetheredURL string) (Config, error) {
	if cfg.Binary == "" {
		return Config{}, fmt.Errorf("simulator binary is required")
	}
	addr, err := EndpointAddr(tetheredURL)
	if err != nil {
		return Config{}, err
	}

	c := Config{
		Name:               SimulatorName,
		Binary:             cfg.Binary,
		Args:               cfg.Args,
		RestartOnFailure:   cfg.RestartOnFailure,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
		HealthCheckFunc:    DialCheck(addr),
	}
	if cfg.RestartDelaySeconds > 0 {
		c.RestartDelay = time.Duration(cfg.RestartDelaySeconds) * time.Second
	}
	return c, nil
}

// withDefaults fills zero durations.
func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = defaultMaxRestartDelay
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = defaultStableThreshold
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	return c
}

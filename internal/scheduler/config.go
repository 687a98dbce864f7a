package scheduler

import (
	"fmt"
	"time"

	"github.com/vk/gridrun/internal/resource"
)

const (
	// DefaultLowWatermarkGB is the free memory below which the scheduler
	// goes sequential.
	DefaultLowWatermarkGB = 1.5
	// DefaultHighWatermarkGB is the free memory above which it goes back to
	// parallel execution.
	DefaultHighWatermarkGB = 2.0
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
)

// Config controls a Scheduler.
type Config struct {
	Budget resource.Budget

	// LowWatermarkGB and HighWatermarkGB bound the sequential mode
	// hysteresis. Zero for both disables sequential mode.
	LowWatermarkGB  float64
	HighWatermarkGB float64

	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// Debug aborts on the first task failure.
	Debug bool
	// RaiseInsufficient makes a task that alone exceeds the budget fatal
	// instead of clamping it.
	RaiseInsufficient bool
	// UpdateHash runs every task on the control goroutine.
	UpdateHash bool
}

// DefaultConfig returns a configuration for budget b with default
// watermarks and intervals.
func DefaultConfig(b resource.Budget) Config {
	return Config{
		Budget:          b,
		LowWatermarkGB:  DefaultLowWatermarkGB,
		HighWatermarkGB: DefaultHighWatermarkGB,
		PollInterval:    DefaultPollInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if c.LowWatermarkGB < 0 || c.HighWatermarkGB < 0 {
		return fmt.Errorf("memory watermarks must not be negative")
	}
	if c.LowWatermarkGB > c.HighWatermarkGB {
		return fmt.Errorf("low watermark (%g GB) must not exceed high watermark (%g GB)", c.LowWatermarkGB, c.HighWatermarkGB)
	}
	if c.PollInterval < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vk/gridrun/internal/chunk"
	"github.com/vk/gridrun/internal/reftracer"
	"github.com/vk/gridrun/internal/resource"
	"github.com/vk/gridrun/internal/scheduler"
)

// Model is the unified, format-agnostic representation of a run
// configuration.
type Model struct {
	// WorkDir is the root of every task working directory.
	WorkDir string
	// Manifest is the task manifest file or directory.
	Manifest string

	// Procs and MemGB are the resource budget. Zero means "detect".
	Procs int
	MemGB float64

	Keep         string
	KeepPatterns []string

	Debug             bool
	RaiseInsufficient bool
	UpdateHash        bool

	LowWatermarkGB  float64
	HighWatermarkGB float64
	PollInterval    time.Duration

	Chunking Chunking
	Status   Status
	Workers  Workers
	Log      Log

	HealthcheckPort int
	// JournalPath is the SQLite result journal. Empty disables journaling.
	JournalPath string
	// TUI draws live progress in the terminal; logs go to <workdir>/log.txt.
	TUI bool
}

// Chunking mirrors chunk.Policy.
type Chunking struct {
	NChunks        int
	SubjectChunks  bool
	UseCluster     bool
	MaxChunkSize   int
	Include        []string
	Exclude        []string
	TrailingKey    string
	OnlyChunkIndex int
	OnlyTrailing   bool
}

// Status configures the live status stream.
type Status struct {
	SocketIOURL        string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
}

// Workers configures the per-worker initialisation.
type Workers struct {
	AffinityMask []int
	Env          map[string]string
}

// Log configures the run logger.
type Log struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing is set.
func Default() *Model {
	return &Model{
		Keep:            string(reftracer.KeepSome),
		LowWatermarkGB:  scheduler.DefaultLowWatermarkGB,
		HighWatermarkGB: scheduler.DefaultHighWatermarkGB,
		PollInterval:    scheduler.DefaultPollInterval,
		Chunking: Chunking{
			MaxChunkSize: chunk.DefaultMaxChunkSize,
			TrailingKey:  chunk.DefaultTrailingKey,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Validate reports every configuration error at once.
func (m *Model) Validate() error {
	var errs []error
	if m.WorkDir == "" {
		errs = append(errs, errors.New("workdir is required"))
	}
	if m.Procs < 0 {
		errs = append(errs, fmt.Errorf("procs must not be negative, got %d", m.Procs))
	}
	if m.MemGB < 0 {
		errs = append(errs, fmt.Errorf("mem_gb must not be negative, got %g", m.MemGB))
	}
	if _, err := reftracer.ParseKeepPolicy(m.Keep); err != nil {
		errs = append(errs, err)
	}
	if m.LowWatermarkGB < 0 || m.HighWatermarkGB < 0 || m.LowWatermarkGB > m.HighWatermarkGB {
		errs = append(errs, fmt.Errorf("watermarks must satisfy 0 <= low_gb (%g) <= high_gb (%g)", m.LowWatermarkGB, m.HighWatermarkGB))
	}
	if m.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval must not be negative, got %s", m.PollInterval))
	}
	if err := m.ChunkPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if m.HealthcheckPort < 0 || m.HealthcheckPort > 65535 {
		errs = append(errs, fmt.Errorf("healthcheck_port out of range: %d", m.HealthcheckPort))
	}
	switch strings.ToLower(m.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", m.Log.Level))
	}
	switch strings.ToLower(m.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", m.Log.Format))
	}
	for _, cpu := range m.Workers.AffinityMask {
		if cpu < 0 {
			errs = append(errs, fmt.Errorf("invalid cpu %d in worker affinity", cpu))
		}
	}
	return errors.Join(errs...)
}

// SchedulerConfig builds the scheduler configuration for budget b.
func (m *Model) SchedulerConfig(b resource.Budget) scheduler.Config {
	return scheduler.Config{
		Budget:            b,
		LowWatermarkGB:    m.LowWatermarkGB,
		HighWatermarkGB:   m.HighWatermarkGB,
		PollInterval:      m.PollInterval,
		Debug:             m.Debug,
		RaiseInsufficient: m.RaiseInsufficient,
		UpdateHash:        m.UpdateHash,
	}
}

// TracerConfig builds the reference tracer configuration.
func (m *Model) TracerConfig() reftracer.TracerConfig {
	keep, _ := reftracer.ParseKeepPolicy(m.Keep)
	return reftracer.TracerConfig{
		WorkDir:      m.WorkDir,
		Keep:         keep,
		KeepPatterns: m.KeepPatterns,
	}
}

// ChunkPolicy builds the chunk policy.
func (m *Model) ChunkPolicy() chunk.Policy {
	c := m.Chunking
	return chunk.Policy{
		NChunks:        c.NChunks,
		SubjectChunks:  c.SubjectChunks,
		UseCluster:     c.UseCluster,
		MaxChunkSize:   c.MaxChunkSize,
		Include:        c.Include,
		Exclude:        c.Exclude,
		TrailingKey:    c.TrailingKey,
		OnlyChunkIndex: c.OnlyChunkIndex,
		OnlyTrailing:   c.OnlyTrailing,
	}
}

// WorkerEnv renders Workers.Env as sorted KEY=VALUE pairs.
func (m *Model) WorkerEnv() []string {
	keys := make([]string, 0, len(m.Workers.Env))
	for k := range m.Workers.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.Workers.Env[k])
	}
	return out
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/gridrun/internal/ctxlog"
)

// HCLLoader is the HCL implementation of Loader.
type HCLLoader struct{}

// NewHCLLoader creates a new HCL configuration loader.
func NewHCLLoader() *HCLLoader {
	return &HCLLoader{}
}

// fileRoot is the schema of a run file. Every attribute is optional; unset
// ones keep their default.
type fileRoot struct {
	WorkDir           *string  `hcl:"workdir,optional"`
	Manifest          *string  `hcl:"manifest,optional"`
	Procs             *int     `hcl:"procs,optional"`
	MemGB             *float64 `hcl:"mem_gb,optional"`
	Keep              *string  `hcl:"keep,optional"`
	KeepPatterns      []string `hcl:"keep_patterns,optional"`
	Debug             *bool    `hcl:"debug,optional"`
	RaiseInsufficient *bool    `hcl:"raise_insufficient,optional"`
	UpdateHash        *bool    `hcl:"update_hash,optional"`
	PollInterval      *string  `hcl:"poll_interval,optional"`
	HealthcheckPort   *int     `hcl:"healthcheck_port,optional"`
	Journal           *string  `hcl:"journal,optional"`
	TUI               *bool    `hcl:"tui,optional"`

	Watermarks *watermarksBlock `hcl:"watermarks,block"`
	Chunking   *chunkingBlock   `hcl:"chunking,block"`
	Status     *statusBlock     `hcl:"status,block"`
	Workers    *workersBlock    `hcl:"workers,block"`
	Log        *logBlock        `hcl:"log,block"`
}

type watermarksBlock struct {
	LowGB  *float64 `hcl:"low_gb,optional"`
	HighGB *float64 `hcl:"high_gb,optional"`
}

type chunkingBlock struct {
	NChunks        *int     `hcl:"n_chunks,optional"`
	SubjectChunks  *bool    `hcl:"subject_chunks,optional"`
	UseCluster     *bool    `hcl:"use_cluster,optional"`
	MaxChunkSize   *int     `hcl:"max_chunk_size,optional"`
	Include        []string `hcl:"include,optional"`
	Exclude        []string `hcl:"exclude,optional"`
	TrailingKey    *string  `hcl:"trailing_key,optional"`
	OnlyChunkIndex *int     `hcl:"only_chunk_index,optional"`
	OnlyTrailing   *bool    `hcl:"only_trailing,optional"`
}

type statusBlock struct {
	SocketIOURL        *string `hcl:"socketio_url,optional"`
	Namespace          *string `hcl:"namespace,optional"`
	Event              *string `hcl:"event,optional"`
	InsecureSkipVerify *bool   `hcl:"insecure_skip_verify,optional"`
}

type workersBlock struct {
	Affinity []int             `hcl:"affinity,optional"`
	Env      map[string]string `hcl:"env,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// Load parses the run file at path. Relative workdir, manifest and journal
// paths are resolved against the file's directory.
func (l *HCLLoader) Load(ctx context.Context, path string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL config loader started.", "path", path)

	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	m, err := decode(file, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	logger.Debug("HCL config loading complete.", "workdir", m.WorkDir, "manifest", m.Manifest)
	return m, nil
}

// Decode decodes src as if it had been read from filename.
func Decode(src []byte, filename string) (*Model, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL %s: %w", filename, diags)
	}
	return decode(file, filepath.Dir(filename))
}

func decode(file *hcl.File, base string) (*Model, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, diags
	}
	m := Default()
	if err := root.apply(m, base); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *fileRoot) apply(m *Model, base string) error {
	setPath(&m.WorkDir, r.WorkDir, base)
	setPath(&m.Manifest, r.Manifest, base)
	setPath(&m.JournalPath, r.Journal, base)
	set(&m.Procs, r.Procs)
	set(&m.MemGB, r.MemGB)
	set(&m.Keep, r.Keep)
	if r.KeepPatterns != nil {
		m.KeepPatterns = r.KeepPatterns
	}
	set(&m.Debug, r.Debug)
	set(&m.RaiseInsufficient, r.RaiseInsufficient)
	set(&m.UpdateHash, r.UpdateHash)
	set(&m.HealthcheckPort, r.HealthcheckPort)
	set(&m.TUI, r.TUI)
	if r.PollInterval != nil {
		d, err := time.ParseDuration(*r.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		m.PollInterval = d
	}

	if w := r.Watermarks; w != nil {
		set(&m.LowWatermarkGB, w.LowGB)
		set(&m.HighWatermarkGB, w.HighGB)
	}
	if c := r.Chunking; c != nil {
		set(&m.Chunking.NChunks, c.NChunks)
		set(&m.Chunking.SubjectChunks, c.SubjectChunks)
		set(&m.Chunking.UseCluster, c.UseCluster)
		set(&m.Chunking.MaxChunkSize, c.MaxChunkSize)
		set(&m.Chunking.TrailingKey, c.TrailingKey)
		set(&m.Chunking.OnlyChunkIndex, c.OnlyChunkIndex)
		set(&m.Chunking.OnlyTrailing, c.OnlyTrailing)
		if c.Include != nil {
			m.Chunking.Include = c.Include
		}
		if c.Exclude != nil {
			m.Chunking.Exclude = c.Exclude
		}
	}
	if s := r.Status; s != nil {
		set(&m.Status.SocketIOURL, s.SocketIOURL)
		set(&m.Status.Namespace, s.Namespace)
		set(&m.Status.Event, s.Event)
		set(&m.Status.InsecureSkipVerify, s.InsecureSkipVerify)
	}
	if w := r.Workers; w != nil {
		if w.Affinity != nil {
			m.Workers.AffinityMask = w.Affinity
		}
		if w.Env != nil {
			m.Workers.Env = w.Env
		}
	}
	if lg := r.Log; lg != nil {
		set(&m.Log.Level, lg.Level)
		set(&m.Log.Format, lg.Format)
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setPath(dst *string, v *string, base string) {
	if v == nil {
		return
	}
	p := *v
	if p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	*dst = p
}

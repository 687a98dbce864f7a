package manifest

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/fsutil"
)

// Spec is one evaluated task block.
type Spec struct {
	Key  string
	Name string

	Command   []string
	WorkDir   string
	MemGB     float64
	NProcs    int
	Inputs    []string
	Outputs   []string
	DependsOn []string
	RunInline bool
	Keep      bool
	Priority  int
	Env       map[string]string

	// refs are the names of tasks referenced through `task.<name>`.
	refs []string
	rng  hcl.Range
}

// ID is the task ID, "<key>/<name>".
func (s *Spec) ID() string {
	return s.Key + "/" + s.Name
}

// Manifest is a fully evaluated set of task blocks.
type Manifest struct {
	WorkDir string
	// Specs are sorted by ID.
	Specs []*Spec
}

// Keys returns the distinct keys, sorted.
func (m *Manifest) Keys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, s := range m.Specs {
		if _, ok := seen[s.Key]; !ok {
			seen[s.Key] = struct{}{}
			keys = append(keys, s.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// fileRoot is used to decode the top-level blocks of a manifest file.
type fileRoot struct {
	Tasks []*taskBlock `hcl:"task,block"`
}

type taskBlock struct {
	Key    string   `hcl:"key,label"`
	Name   string   `hcl:"name,label"`
	Config hcl.Body `hcl:",remain"`
}

// Load reads every .hcl file below paths and evaluates the task blocks
// against workdir.
func Load(ctx context.Context, workdir string, paths ...string) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Manifest loader started.", "path_count", len(paths))

	files, err := fsutil.FindFilesByExtension(".hcl", paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl manifest files found in %v", paths)
	}
	logger.Debug("Discovered manifest files.", "count", len(files))

	parser := hclparse.NewParser()
	var blocks []*taskBlock
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		bs, err := decodeBlocks(hclFile)
		if err != nil {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, err)
		}
		blocks = append(blocks, bs...)
	}

	m, err := evaluate(workdir, blocks)
	if err != nil {
		return nil, err
	}
	logger.Debug("Manifest loading complete.", "tasks", len(m.Specs), "keys", len(m.Keys()))
	return m, nil
}

// Decode evaluates a single manifest held in memory.
func Decode(src []byte, filename, workdir string) (*Manifest, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL %s: %w", filename, diags)
	}
	blocks, err := decodeBlocks(hclFile)
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL %s: %w", filename, err)
	}
	return evaluate(workdir, blocks)
}

func decodeBlocks(file *hcl.File) ([]*taskBlock, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, diags
	}
	return root.Tasks, nil
}

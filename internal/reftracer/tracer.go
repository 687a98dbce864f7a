package reftracer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/gridrun/internal/ctxlog"
	"github.com/vk/gridrun/internal/task"
)

// KeepPolicy decides which task artifacts survive a run.
type KeepPolicy string

const (
	// KeepAll disables tracing entirely.
	KeepAll KeepPolicy = "all"
	// KeepSome retains tasks matching the configured keep patterns.
	KeepSome KeepPolicy = "some"
	// KeepNone reclaims everything that is no longer referenced.
	KeepNone KeepPolicy = "none"
)

// ParseKeepPolicy validates a policy name.
func ParseKeepPolicy(s string) (KeepPolicy, error) {
	switch p := KeepPolicy(strings.ToLower(s)); p {
	case KeepAll, KeepSome, KeepNone:
		return p, nil
	case "":
		return KeepSome, nil
	default:
		return "", fmt.Errorf("invalid keep policy %q: must be 'all', 'some' or 'none'", s)
	}
}

// TracerConfig is built once by the caller and handed to New.
type TracerConfig struct {
	// WorkDir is the root below which task directories are tracked.
	WorkDir string
	Keep    KeepPolicy
	// KeepPatterns are path.Match globs over task IDs, used with KeepSome.
	// A pattern without glob characters matches any ID containing it.
	KeepPatterns []string
}

// Enabled reports whether a tracer should be created at all.
func (c TracerConfig) Enabled() bool {
	return c.Keep != KeepAll
}

type color int

const (
	black color = iota + 1
	grey
	white
)

// Tracer is the tri-color reference registry over filesystem paths.
type Tracer struct {
	cfg     TracerConfig
	workdir string

	colors map[string]color
	// whites mirrors the white entries of colors.
	whites map[string]struct{}
	weak   map[string]struct{}
	// refs[p]: paths whose existence keeps p alive.
	refs map[string]map[string]struct{}
	// deps[p]: paths kept alive by p.
	deps map[string]map[string]struct{}

	completed map[string]struct{}
	// kept holds weak directories left in place because they were not
	// empty. Their ancestors must survive later collections too.
	kept map[string]struct{}
}

// New creates a tracer for cfg.
func New(cfg TracerConfig) (*Tracer, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("reference tracer requires a working directory")
	}
	for _, p := range cfg.KeepPatterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid keep pattern %q: %w", p, err)
		}
	}
	wd, err := resolve(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	return &Tracer{
		cfg:       cfg,
		workdir:   wd,
		colors:    make(map[string]color),
		whites:    make(map[string]struct{}),
		weak:      make(map[string]struct{}),
		refs:      make(map[string]map[string]struct{}),
		deps:      make(map[string]map[string]struct{}),
		completed: make(map[string]struct{}),
		kept:      make(map[string]struct{}),
	}, nil
}

func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

// within reports whether p lies strictly below the working directory.
func (t *Tracer) within(p string) bool {
	rel, err := filepath.Rel(t.workdir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (t *Tracer) tracked(p string) bool {
	c := t.colors[p]
	return c == black || c == grey
}

func (t *Tracer) setColor(p string, c color) {
	t.colors[p] = c
	if c == white {
		t.whites[p] = struct{}{}
	} else {
		delete(t.whites, p)
	}
}

func (t *Tracer) addPath(p string, c color) {
	if _, ok := t.colors[p]; !ok {
		t.setColor(p, c)
	}
}

func (t *Tracer) addRef(from, to string) {
	if from == to {
		return
	}
	if t.refs[from] == nil {
		t.refs[from] = make(map[string]struct{})
	}
	if t.deps[to] == nil {
		t.deps[to] = make(map[string]struct{})
	}
	t.refs[from][to] = struct{}{}
	t.deps[to][from] = struct{}{}

	if t.colors[from] == white {
		t.setColor(from, grey)
	}
}

func (t *Tracer) removeRef(from, to string) {
	delete(t.refs[from], to)
	delete(t.deps[to], from)

	if len(t.refs[from]) == 0 && t.colors[from] == grey {
		t.setColor(from, white)
	}
}

func (t *Tracer) resultPath(tk *task.Task) (string, bool) {
	rp := tk.ResultPath()
	if rp == "" {
		return "", false
	}
	p, err := resolve(rp)
	if err != nil || !t.within(p) {
		return "", false
	}
	return p, true
}

// AddNode registers a task's result path as black together with every
// ancestor directory up to the working directory. Tasks without a working
// directory, or whose directory lies outside it, are not tracked.
func (t *Tracer) AddNode(tk *task.Task) {
	rp, ok := t.resultPath(tk)
	if !ok {
		return
	}
	t.addPath(rp, black)

	taskDir := filepath.Dir(rp)
	child := rp
	for filepath.Dir(child) != t.workdir {
		parent := filepath.Dir(child)
		if child != rp && child != taskDir {
			t.weak[child] = struct{}{}
		}
		t.addPath(parent, white)
		t.addRef(parent, child)
		child = parent
	}
}

// SetPending keeps the task's inputs alive until it completes. Inputs are
// the task's declared input paths plus the result paths of its producers;
// only those currently tracked black or grey gain a reference.
func (t *Tracer) SetPending(ctx context.Context, tk *task.Task, producers []*task.Task) {
	to, ok := t.resultPath(tk)
	if !ok || len(t.deps[to]) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)

	candidates := make([]string, 0, len(tk.Inputs)+len(producers))
	candidates = append(candidates, tk.Inputs...)
	for _, p := range producers {
		if rp := p.ResultPath(); rp != "" {
			candidates = append(candidates, rp)
		}
	}
	for _, in := range candidates {
		from, err := resolve(in)
		if err != nil {
			continue
		}
		if t.tracked(from) {
			t.addRef(from, to)
		} else {
			logger.Debug("Task has untracked input.", "task", tk.ID, "input", in)
		}
	}
}

// SetComplete is called once a task has finished and its result file has
// been written. It drops the references added by SetPending; with unmark the
// result path leaves black (white when unreferenced, grey otherwise). The
// outputs recorded in the result file are then registered. Calling it again
// for the same task does nothing.
func (t *Tracer) SetComplete(ctx context.Context, tk *task.Task, unmark bool) {
	to, ok := t.resultPath(tk)
	if !ok || len(t.deps[to]) == 0 || t.colors[to] != black {
		return
	}
	if _, done := t.completed[to]; done {
		return
	}
	t.completed[to] = struct{}{}
	logger := ctxlog.FromContext(ctx)

	parent := filepath.Dir(to)
	for _, from := range sortedSet(t.deps[to]) {
		if from == parent {
			continue
		}
		t.removeRef(from, to)
	}

	if unmark {
		if len(t.refs[to]) == 0 {
			t.setColor(to, white)
			return
		}
		t.setColor(to, grey)
	}

	res, err := task.ReadResultFile(to)
	if err != nil {
		logger.Info("Task does not have a result file.", "task", tk.ID, "error", err)
		return
	}

	stack := append([]string(nil), res.Outputs...)
	for len(stack) > 0 {
		raw := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		out, err := resolve(raw)
		if err != nil {
			continue
		}
		found := t.ancestorsTracked(out)
		if len(found) == 0 {
			continue // external file
		}
		t.addPath(out, white)
		t.addRef(out, to)
		for _, anc := range found {
			t.addRef(anc, out)
		}

		if entries, err := os.ReadDir(out); err == nil {
			for _, e := range entries {
				stack = append(stack, filepath.Join(out, e.Name()))
			}
		}
	}
}

// ancestorsTracked returns p and those of its parents that are tracked black
// or grey.
func (t *Tracer) ancestorsTracked(p string) []string {
	var found []string
	for cur := p; ; cur = filepath.Dir(cur) {
		if t.tracked(cur) {
			found = append(found, cur)
		}
		if next := filepath.Dir(cur); next == cur {
			break
		}
	}
	return found
}

// ShouldUnmark decides whether a completed task's artifacts may be reclaimed
// once unreferenced.
func (t *Tracer) ShouldUnmark(tk *task.Task) bool {
	if tk.Keep {
		return false
	}
	if t.cfg.Keep == KeepSome && matchesAny(t.cfg.KeepPatterns, tk.ID) {
		return false
	}
	return true
}

func matchesAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			if strings.Contains(id, p) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// Collect pops every white path, dropping the references it held on its own
// dependencies. Those may turn white in turn and are collected in the same
// call. Paths are returned in rounds, each round sorted.
func (t *Tracer) Collect() []string {
	var out []string
	for len(t.whites) > 0 {
		round := sortedSet(t.whites)
		clear(t.whites)
		for _, p := range round {
			delete(t.colors, p)
		}
		for _, p := range round {
			for _, from := range sortedSet(t.deps[p]) {
				t.removeRef(from, p)
			}
			delete(t.deps, p)
			delete(t.refs, p)
		}
		out = append(out, round...)
	}
	return out
}

// CollectAndDelete collects reclaimable paths and removes them from disk,
// deepest first. Weak directories that are not empty are left in place.
// It returns the paths actually removed.
func (t *Tracer) CollectAndDelete(ctx context.Context) []string {
	paths := t.Collect()
	if len(paths) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	sort.SliceStable(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], string(filepath.Separator)), strings.Count(paths[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})

	var removed []string
	for _, p := range paths {
		if _, weak := t.weak[p]; weak && !isEmptyDir(p) {
			logger.Debug("Keeping non-empty weak directory.", "path", p)
			t.kept[p] = struct{}{}
			continue
		}
		// Removing an ancestor would take the kept directory with it.
		if t.holdsKept(p) {
			logger.Debug("Keeping directory above a non-empty weak directory.", "path", p)
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			logger.Warn("Failed to remove reclaimed path.", "path", p, "error", err)
			continue
		}
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		logger.Info("🧹 Task dependencies finished, removing paths.", "count", len(removed), "paths", removed)
	}
	return removed
}

// holdsKept reports whether dir contains a kept weak directory that still
// has entries. Kept directories that have since emptied are forgotten.
func (t *Tracer) holdsKept(dir string) bool {
	prefix := dir + string(filepath.Separator)
	held := false
	for k := range t.kept {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if isEmptyDir(k) {
			delete(t.kept, k)
			continue
		}
		held = true
	}
	return held
}

// isEmptyDir is false only for a directory with at least one entry.
func isEmptyDir(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return true
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.IsDir() {
		return true
	}
	names, _ := f.Readdirnames(1)
	return len(names) == 0
}

// Color reports the tracked color of p as "black", "grey", "white" or "".
func (t *Tracer) Color(p string) string {
	rp, err := resolve(p)
	if err != nil {
		return ""
	}
	switch t.colors[rp] {
	case black:
		return "black"
	case grey:
		return "grey"
	case white:
		return "white"
	}
	return ""
}

// IsWeak reports whether p is tracked as a weak path.
func (t *Tracer) IsWeak(p string) bool {
	rp, err := resolve(p)
	if err != nil {
		return false
	}
	_, ok := t.weak[rp]
	return ok
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

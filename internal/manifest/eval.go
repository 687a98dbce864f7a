package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

const (
	// DefaultMemGB is the memory reserved for a task that declares none.
	DefaultMemGB  = 0.25
	DefaultNProcs = 1
)

var knownAttributes = map[string]struct{}{
	"command":    {},
	"workdir":    {},
	"mem_gb":     {},
	"n_procs":    {},
	"inputs":     {},
	"outputs":    {},
	"depends_on": {},
	"run_inline": {},
	"keep":       {},
	"priority":   {},
	"env":        {},
}

var functions = map[string]function.Function{
	"concat":  stdlib.ConcatFunc,
	"format":  stdlib.FormatFunc,
	"join":    stdlib.JoinFunc,
	"lower":   stdlib.LowerFunc,
	"replace": stdlib.ReplaceFunc,
	"upper":   stdlib.UpperFunc,
}

// pending is a task block between the two evaluation passes.
type pending struct {
	attrs hcl.Attributes
	spec  *Spec
	ctx   *hcl.EvalContext
}

// evaluate turns task blocks into specs. Locations (workdir and outputs) are
// evaluated first for every block so that the remaining attributes can refer
// to the other tasks of their key.
func evaluate(workdir string, blocks []*taskBlock) (*Manifest, error) {
	if workdir == "" {
		return nil, errors.New("manifest evaluation requires a working directory")
	}
	root, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir %s: %w", workdir, err)
	}
	env := environment()

	byKey := make(map[string][]*pending)
	seen := make(map[string]hcl.Range)
	for _, b := range blocks {
		rng := b.Config.MissingItemRange()
		if err := checkLabel(b.Key); err != nil {
			return nil, fmt.Errorf("%s: task key: %w", rng, err)
		}
		if err := checkLabel(b.Name); err != nil {
			return nil, fmt.Errorf("%s: task name: %w", rng, err)
		}
		id := b.Key + "/" + b.Name
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s: duplicate task %q, first declared at %s", rng, id, prev)
		}
		seen[id] = rng

		attrs, diags := b.Config.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("task %q: %w", id, diags)
		}
		for name, attr := range attrs {
			if _, ok := knownAttributes[name]; !ok {
				return nil, fmt.Errorf("%s: unsupported argument %q in task %q", attr.NameRange, name, id)
			}
		}

		p := &pending{
			attrs: attrs,
			spec:  &Spec{Key: b.Key, Name: b.Name, MemGB: DefaultMemGB, NProcs: DefaultNProcs, rng: rng},
		}
		if err := p.evalLocation(root, env); err != nil {
			return nil, err
		}
		byKey[b.Key] = append(byKey[b.Key], p)
	}

	m := &Manifest{WorkDir: root}
	for _, group := range byKey {
		tasks := taskObjects(group)
		for _, p := range group {
			if err := p.evalRest(tasks); err != nil {
				return nil, err
			}
			m.Specs = append(m.Specs, p.spec)
		}
	}
	sort.Slice(m.Specs, func(i, j int) bool { return m.Specs[i].ID() < m.Specs[j].ID() })
	return m, nil
}

func checkLabel(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	if strings.Contains(s, "/") {
		return fmt.Errorf("%q must not contain '/'", s)
	}
	return nil
}

func (p *pending) evalLocation(root string, env cty.Value) error {
	s := p.spec
	p.ctx = &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"workdir": cty.StringVal(root),
			"key":     cty.StringVal(s.Key),
			"name":    cty.StringVal(s.Name),
			"env":     env,
		},
		Functions: functions,
	}

	s.WorkDir = filepath.Join(root, s.Key, s.Name)
	var dir string
	if ok, err := decodeAttr(p, "workdir", p.ctx, cty.String, &dir); err != nil {
		return err
	} else if ok {
		s.WorkDir = resolvePath(root, dir)
	}

	p.ctx = p.ctx.NewChild()
	p.ctx.Variables = map[string]cty.Value{"taskdir": cty.StringVal(s.WorkDir)}

	var outs []string
	if _, err := decodeAttr(p, "outputs", p.ctx, cty.List(cty.String), &outs); err != nil {
		return err
	}
	for _, o := range outs {
		s.Outputs = append(s.Outputs, resolvePath(s.WorkDir, o))
	}
	return nil
}

func (p *pending) evalRest(tasks cty.Value) error {
	s := p.spec
	ctx := p.ctx.NewChild()
	ctx.Variables = map[string]cty.Value{"task": tasks}

	if err := p.evalCommand(ctx); err != nil {
		return err
	}

	var ins []string
	d := &decoder{p: p, ctx: ctx}
	decodeInto(d, "mem_gb", cty.Number, &s.MemGB)
	decodeInto(d, "n_procs", cty.Number, &s.NProcs)
	decodeInto(d, "inputs", cty.List(cty.String), &ins)
	decodeInto(d, "depends_on", cty.List(cty.String), &s.DependsOn)
	decodeInto(d, "run_inline", cty.Bool, &s.RunInline)
	decodeInto(d, "keep", cty.Bool, &s.Keep)
	decodeInto(d, "priority", cty.Number, &s.Priority)
	decodeInto(d, "env", cty.Map(cty.String), &s.Env)
	if d.err != nil {
		return d.err
	}
	for _, in := range ins {
		s.Inputs = append(s.Inputs, resolvePath(s.WorkDir, in))
	}

	if s.MemGB < 0 {
		return fmt.Errorf("%s: task %q: mem_gb must not be negative", s.rng, s.ID())
	}
	if s.NProcs < 1 {
		return fmt.Errorf("%s: task %q: n_procs must be at least 1", s.rng, s.ID())
	}

	for name, attr := range p.attrs {
		if name == "workdir" || name == "outputs" {
			continue
		}
		s.refs = append(s.refs, references(attr.Expr, s.Name)...)
	}
	sort.Strings(s.refs)
	return nil
}

func (p *pending) evalCommand(ctx *hcl.EvalContext) error {
	s := p.spec
	v, ok, err := p.value("command", ctx, cty.DynamicPseudoType)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: task %q: missing required argument \"command\"", s.rng, s.ID())
	}
	if v.Type().Equals(cty.String) {
		s.Command = []string{"/bin/sh", "-c", v.AsString()}
		return nil
	}
	if _, err := decodeAttr(p, "command", ctx, cty.List(cty.String), &s.Command); err != nil {
		return err
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("%s: task %q: command must not be empty", s.rng, s.ID())
	}
	return nil
}

// value evaluates the named attribute and converts it to ty. It reports
// false for absent and null attributes.
func (p *pending) value(name string, ctx *hcl.EvalContext, ty cty.Type) (cty.Value, bool, error) {
	attr, ok := p.attrs[name]
	if !ok {
		return cty.NilVal, false, nil
	}
	id := p.spec.ID()
	v, diags := attr.Expr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, false, fmt.Errorf("task %q: %w", id, diags)
	}
	if v.IsNull() {
		return cty.NilVal, false, nil
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, false, fmt.Errorf("%s: task %q: %s is not known", attr.Range, id, name)
	}
	if !ty.Equals(cty.DynamicPseudoType) {
		cv, err := convert.Convert(v, ty)
		if err != nil {
			return cty.NilVal, false, fmt.Errorf("%s: task %q: invalid %s: %w", attr.Range, id, name, err)
		}
		v = cv
	}
	return v, true, nil
}

// decodeAttr evaluates the named attribute into dst.
func decodeAttr[T any](p *pending, name string, ctx *hcl.EvalContext, ty cty.Type, dst *T) (bool, error) {
	v, ok, err := p.value(name, ctx, ty)
	if err != nil || !ok {
		return false, err
	}
	if err := gocty.FromCtyValue(v, dst); err != nil {
		return false, fmt.Errorf("%s: task %q: invalid %s: %w", p.attrs[name].Range, p.spec.ID(), name, err)
	}
	return true, nil
}

// decoder evaluates a sequence of attributes, keeping the first error.
type decoder struct {
	p   *pending
	ctx *hcl.EvalContext
	err error
}

func decodeInto[T any](d *decoder, name string, ty cty.Type, dst *T) {
	if d.err != nil {
		return
	}
	_, d.err = decodeAttr(d.p, name, d.ctx, ty, dst)
}

// references returns the names of the tasks an expression refers to through
// `task.<name>`, excluding self.
func references(expr hcl.Expression, self string) []string {
	var names []string
	for _, tr := range expr.Variables() {
		if tr.RootName() != "task" || len(tr) < 2 {
			continue
		}
		attr, ok := tr[1].(hcl.TraverseAttr)
		if !ok || attr.Name == self {
			continue
		}
		names = append(names, attr.Name)
	}
	return names
}

// taskObjects exposes the locations of a key's tasks as `task.<name>`.
func taskObjects(group []*pending) cty.Value {
	objs := make(map[string]cty.Value, len(group))
	for _, p := range group {
		outs := cty.ListValEmpty(cty.String)
		if len(p.spec.Outputs) > 0 {
			vals := make([]cty.Value, 0, len(p.spec.Outputs))
			for _, o := range p.spec.Outputs {
				vals = append(vals, cty.StringVal(o))
			}
			outs = cty.ListVal(vals)
		}
		objs[p.spec.Name] = cty.ObjectVal(map[string]cty.Value{
			"outputs": outs,
			"workdir": cty.StringVal(p.spec.WorkDir),
		})
	}
	return cty.ObjectVal(objs)
}

func environment() cty.Value {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return cty.ObjectVal(vars)
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

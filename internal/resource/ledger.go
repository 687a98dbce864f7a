// Package resource tracks the memory and processor budget of a run and how
// much of it is reserved by tasks currently holding resources.
package resource

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/vk/gridrun/internal/task"
)

// Epsilon is the smallest amount of free memory, in GB, considered usable.
const Epsilon = 0.01

// ErrOverRelease signals a Release that does not match an earlier Reserve.
var ErrOverRelease = errors.New("release exceeds reservation")

// Budget is the total memory and processor capacity available to a run.
type Budget struct {
	MemGB float64
	Procs int
}

// Validate checks that the budget can admit at least one task.
func (b Budget) Validate() error {
	if b.MemGB <= 0 {
		return fmt.Errorf("memory budget must be positive, got %g GB", b.MemGB)
	}
	if b.Procs <= 0 {
		return fmt.Errorf("processor budget must be positive, got %d", b.Procs)
	}
	return nil
}

// Snapshot is a point-in-time copy of a ledger.
type Snapshot struct {
	TotalMemGB    float64 `json:"total_mem_gb"`
	TotalProcs    int     `json:"total_procs"`
	ReservedMemGB float64 `json:"reserved_mem_gb"`
	ReservedProcs int     `json:"reserved_procs"`
}

// FreeMemGB is the unreserved memory.
func (s Snapshot) FreeMemGB() float64 { return s.TotalMemGB - s.ReservedMemGB }

// FreeProcs is the number of unreserved processors.
func (s Snapshot) FreeProcs() int { return s.TotalProcs - s.ReservedProcs }

// Ledger is the budget plus current reservations. It is owned by a single
// goroutine and is not safe for concurrent use.
type Ledger struct {
	budget        Budget
	reservedMemGB float64
	reservedProcs int
}

// NewLedger creates an empty ledger over the given budget.
func NewLedger(b Budget) *Ledger {
	return &Ledger{budget: b}
}

// Budget returns the ledger's totals.
func (l *Ledger) Budget() Budget { return l.budget }

// Free returns the unreserved memory and processors.
func (l *Ledger) Free() (memGB float64, procs int) {
	return l.budget.MemGB - l.reservedMemGB, l.budget.Procs - l.reservedProcs
}

// Fits reports whether r can be reserved without exceeding the budget.
func (l *Ledger) Fits(r task.Resources) bool {
	mem, procs := l.Free()
	return r.MemGB <= mem+1e-9 && r.NProcs <= procs
}

// Exceeds reports whether r alone is larger than the whole budget.
func (l *Ledger) Exceeds(r task.Resources) bool {
	return r.MemGB > l.budget.MemGB || r.NProcs > l.budget.Procs
}

// Clamp limits r to the total budget.
func (l *Ledger) Clamp(r task.Resources) task.Resources {
	if r.MemGB > l.budget.MemGB {
		r.MemGB = l.budget.MemGB
	}
	if r.NProcs > l.budget.Procs {
		r.NProcs = l.budget.Procs
	}
	if r.NProcs < 1 {
		r.NProcs = 1
	}
	return r
}

// Reserve records r as held. It does not check Fits; sequential execution
// deliberately reserves past the budget for a single task.
func (l *Ledger) Reserve(r task.Resources) {
	l.reservedMemGB += r.MemGB
	l.reservedProcs += r.NProcs
}

// Release returns r to the pool.
func (l *Ledger) Release(r task.Resources) error {
	if r.MemGB > l.reservedMemGB+1e-9 || r.NProcs > l.reservedProcs {
		return fmt.Errorf("%w: releasing %g GB/%d procs with %g GB/%d reserved",
			ErrOverRelease, r.MemGB, r.NProcs, l.reservedMemGB, l.reservedProcs)
	}
	l.reservedMemGB -= r.MemGB
	l.reservedProcs -= r.NProcs
	if l.reservedMemGB < 1e-9 {
		l.reservedMemGB = 0
	}
	return nil
}

// Snapshot returns a copy of the current totals and reservations.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		TotalMemGB:    l.budget.MemGB,
		TotalProcs:    l.budget.Procs,
		ReservedMemGB: l.reservedMemGB,
		ReservedProcs: l.reservedProcs,
	}
}

// String renders the ledger for logs, e.g. "3.0 GB/5.0 GB, 2/4 procs reserved".
func (l *Ledger) String() string {
	return fmt.Sprintf("%s/%s, %d/%d procs reserved",
		FormatGB(l.reservedMemGB), FormatGB(l.budget.MemGB), l.reservedProcs, l.budget.Procs)
}

// FormatGB renders a GB amount as a human readable byte size.
func FormatGB(gb float64) string {
	if gb < 0 {
		return "-" + FormatGB(-gb)
	}
	return humanize.IBytes(uint64(gb * (1 << 30)))
}

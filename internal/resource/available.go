package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1 << 30

// MemoryReader reports the memory the operating system can hand out right
// now. It guards the scheduler against pressure the ledger cannot see.
type MemoryReader interface {
	AvailableGB(ctx context.Context) (float64, error)
}

// MemoryFunc adapts a function to MemoryReader.
type MemoryFunc func(ctx context.Context) (float64, error)

// AvailableGB implements MemoryReader.
func (f MemoryFunc) AvailableGB(ctx context.Context) (float64, error) { return f(ctx) }

// SystemMemory reads available memory from the host.
type SystemMemory struct{}

// AvailableGB implements MemoryReader.
func (SystemMemory) AvailableGB(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return float64(vm.Available) / bytesPerGB, nil
}

// DefaultBudget derives a budget from the host: 90% of total memory and all
// logical CPUs.
func DefaultBudget(ctx context.Context) (Budget, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Budget{}, fmt.Errorf("read virtual memory: %w", err)
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Budget{}, fmt.Errorf("count cpus: %w", err)
	}
	if n < 1 {
		n = 1
	}
	return Budget{MemGB: float64(vm.Total) / bytesPerGB * 0.9, Procs: n}, nil
}

//go:build linux

package manifest

import (
	"os"
	"syscall"
)

// peakMemGB is the maximum resident set size of a finished process. Linux
// reports it in KiB.
func peakMemGB(ps *os.ProcessState) float64 {
	if ps == nil {
		return 0
	}
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return float64(ru.Maxrss) / (1 << 20)
}

//go:build !linux

package workerpool

// setAffinity is a no-op where the platform has no thread affinity call.
func setAffinity([]int) error { return nil }

// AllowedCPUs is unknown on this platform and reports none.
func AllowedCPUs() ([]int, error) { return nil, nil }

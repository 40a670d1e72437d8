//go:build !linux

package sysinfo

// Load and memory figures come from the linux sysinfo syscall; other
// platforms report only the portable fields.
func fillPlatformStats(_ *Stats) {}

func totalMemoryGB() float64 { return 0 }

//go:build linux

package sysinfo

import "golang.org/x/sys/unix"

// loadScale converts kernel load averages (fixed point, 1<<16) to floats.
const loadScale = 1 << 16

func fillPlatformStats(s *Stats) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	s.TotalMemMB = uint64(info.Totalram) * unit / (1024 * 1024)
	s.FreeMemMB = uint64(info.Freeram) * unit / (1024 * 1024)
	s.Load = []float64{
		float64(info.Loads[0]) / loadScale,
		float64(info.Loads[1]) / loadScale,
		float64(info.Loads[2]) / loadScale,
	}
}

func totalMemoryGB() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return float64(uint64(info.Totalram)*unit) / (1024 * 1024 * 1024)
}

// Package sysinfo collects device system information for registration
// and for the periodic metrics stream.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/edgewire/edgewire/internal/protocol"
)

var (
	// Version is the agent version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/edgewire/edgewire/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the agent started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Collect gathers local system information for the registration hello.
func Collect() *protocol.SystemInfo {
	hostname, _ := os.Hostname()

	return &protocol.SystemInfo{
		Hostname:     hostname,
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Cores:        runtime.NumCPU(),
		MemoryGB:     totalMemoryGB(),
		AgentVersion: Version,
	}
}

// Stats is one sample of the periodic metrics stream.
type Stats struct {
	Timestamp     int64     `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Load          []float64 `json:"load,omitempty"`
	TotalMemMB    uint64    `json:"total_mem_mb,omitempty"`
	FreeMemMB     uint64    `json:"free_mem_mb,omitempty"`
	Goroutines    int       `json:"goroutines"`
	IPAddresses   []string  `json:"ip_addresses,omitempty"`
}

// Sample takes one metrics snapshot.
func Sample() *Stats {
	s := &Stats{
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: UptimeSeconds(),
		Goroutines:    runtime.NumGoroutine(),
		IPAddresses:   GetLocalIPs(),
	}
	fillPlatformStats(s)
	return s
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		if ipNet.IP.IsLoopback() {
			continue
		}

		// Only include IPv4 addresses (limit payload size)
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	// Limit to first 10 IPs to prevent payload bloat
	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the agent start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the agent uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the agent uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}

// Package hostmetrics reports on the host the assistant itself runs on.
package hostmetrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers for testing
var (
	hostInfo      = gohost.InfoWithContext
	cpuCounts     = gocpu.CountsWithContext
	loadAvg       = goload.AvgWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
)

// Usage is a used/total pair.
type Usage struct {
	TotalBytes  uint64
	UsedBytes   uint64
	UsedPercent float64
}

// Snapshot is a point-in-time self report.
type Snapshot struct {
	Hostname    string
	Platform    string
	Uptime      time.Duration
	CPUCount    int
	LoadAverage []float64
	Memory      Usage
	RootDisk    Usage
}

// Collect gathers a snapshot. Only the memory reading is mandatory; other
// readings are left empty when the platform does not provide them.
func Collect(ctx context.Context) (Snapshot, error) {
	collectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var snapshot Snapshot

	if info, err := hostInfo(collectCtx); err == nil && info != nil {
		snapshot.Hostname = info.Hostname
		snapshot.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		snapshot.Uptime = time.Duration(info.Uptime) * time.Second
	}

	if n, err := cpuCounts(collectCtx, true); err == nil {
		snapshot.CPUCount = n
	}

	if avg, err := loadAvg(collectCtx); err == nil && avg != nil {
		snapshot.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	memStats, err := virtualMemory(collectCtx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory stats: %w", err)
	}
	snapshot.Memory = Usage{
		TotalBytes:  memStats.Total,
		UsedBytes:   memStats.Used,
		UsedPercent: memStats.UsedPercent,
	}

	if du, err := diskUsage(collectCtx, "/"); err == nil && du != nil {
		snapshot.RootDisk = Usage{
			TotalBytes:  du.Total,
			UsedBytes:   du.Used,
			UsedPercent: du.UsedPercent,
		}
	}

	return snapshot, nil
}

// Format renders the snapshot as chat lines.
func (s Snapshot) Format() string {
	var b strings.Builder
	if s.Hostname != "" {
		fmt.Fprintf(&b, "Host: %s", s.Hostname)
		if s.Platform != "" {
			fmt.Fprintf(&b, " (%s)", s.Platform)
		}
		b.WriteString("\n")
	}
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "Uptime: %s\n", s.Uptime.Truncate(time.Minute))
	}
	if len(s.LoadAverage) == 3 {
		fmt.Fprintf(&b, "Load: %.2f %.2f %.2f", s.LoadAverage[0], s.LoadAverage[1], s.LoadAverage[2])
		if s.CPUCount > 0 {
			fmt.Fprintf(&b, " (%d CPUs)", s.CPUCount)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Memory: %s / %s (%.0f%%)\n", humanBytes(s.Memory.UsedBytes), humanBytes(s.Memory.TotalBytes), s.Memory.UsedPercent)
	if s.RootDisk.TotalBytes > 0 {
		fmt.Fprintf(&b, "Disk /: %s / %s (%.0f%%)\n", humanBytes(s.RootDisk.UsedBytes), humanBytes(s.RootDisk.TotalBytes), s.RootDisk.UsedPercent)
	}
	return strings.TrimRight(b.String(), "\n")
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

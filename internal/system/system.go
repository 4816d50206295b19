// Package system reads host facts for poll payloads and FETCH_INFO.
package system

import (
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/updatewatch/agent/internal/pkgmgr"
)

// Pseudo filesystems excluded from disk reporting.
var skipFSTypes = map[string]bool{
	"proc": true, "sysfs": true, "tmpfs": true, "devtmpfs": true,
	"devpts": true, "cgroup": true, "cgroup2": true, "overlay": true,
	"squashfs": true, "autofs": true, "debugfs": true, "tracefs": true,
	"ramfs": true, "bpf": true, "mqueue": true, "hugetlbfs": true,
	"fusectl": true, "securityfs": true, "pstore": true, "nsfs": true,
}

type CPUInfo struct {
	Model        string  `json:"model"`
	Cores        int     `json:"cores"`
	UsagePercent float64 `json:"usagePercent"`
}

type MemoryInfo struct {
	TotalBytes uint64  `json:"totalBytes"`
	UsedBytes  uint64  `json:"usedBytes"`
	Percent    float64 `json:"percent"`
}

type DiskInfo struct {
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fstype"`
	TotalBytes uint64  `json:"totalBytes"`
	UsedBytes  uint64  `json:"usedBytes"`
	Percent    float64 `json:"percent"`
}

type OSInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	PrettyName string `json:"prettyName"`
	Kernel     string `json:"kernel"`
}

// InfoSnapshot is the FETCH_INFO payload.
type InfoSnapshot struct {
	CollectedAt    string     `json:"collectedAt"`
	Hostname       string     `json:"hostname"`
	IP             string     `json:"ip"`
	OS             OSInfo     `json:"os"`
	CPU            CPUInfo    `json:"cpu"`
	Memory         MemoryInfo `json:"memory"`
	Disks          []DiskInfo `json:"disks"`
	UptimeSeconds  int64      `json:"uptimeSeconds"`
	RebootRequired bool       `json:"rebootRequired"`
	PackageManager string     `json:"packageManager"`
}

// Provider collects host facts through gopsutil and /proc.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Collect() (*InfoSnapshot, error) {
	snap := &InfoSnapshot{
		CollectedAt:    time.Now().UTC().Format(time.RFC3339),
		Hostname:       Hostname(),
		IP:             PrimaryIP(),
		UptimeSeconds:  UptimeSeconds(),
		RebootRequired: RebootRequired(),
		PackageManager: string(pkgmgr.Detect()),
	}

	if info, err := host.Info(); err == nil {
		snap.OS = OSInfo{
			Name:       info.Platform,
			Version:    info.PlatformVersion,
			PrettyName: strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
			Kernel:     info.KernelVersion,
		}
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		snap.CPU.Model = infos[0].ModelName
	}
	if counts, err := cpu.Counts(true); err == nil {
		snap.CPU.Cores = counts
	}
	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		snap.CPU.UsagePercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.Memory = MemoryInfo{
			TotalBytes: vm.Total,
			UsedBytes:  vm.Used,
			Percent:    vm.UsedPercent,
		}
	}

	if parts, err := disk.Partitions(false); err == nil {
		for _, part := range parts {
			if skipFSTypes[part.Fstype] {
				continue
			}
			usage, err := disk.Usage(part.Mountpoint)
			if err != nil {
				continue
			}
			snap.Disks = append(snap.Disks, DiskInfo{
				Mountpoint: part.Mountpoint,
				FSType:     part.Fstype,
				TotalBytes: usage.Total,
				UsedBytes:  usage.Used,
				Percent:    usage.UsedPercent,
			})
		}
	}

	return snap, nil
}

func Hostname() string {
	name, _ := os.Hostname()
	return name
}

// UptimeSeconds reads host uptime; 0 when unavailable.
func UptimeSeconds() int64 {
	uptime, err := host.Uptime()
	if err != nil {
		return 0
	}
	return int64(uptime)
}

// RebootRequired checks the Debian marker files, then needs-restarting on
// RHEL-family hosts.
func RebootRequired() bool {
	for _, marker := range []string{"/var/run/reboot-required", "/run/reboot-required"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	bin, err := exec.LookPath("needs-restarting")
	if err != nil {
		return false
	}
	cmd := exec.Command(bin, "-r")
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode() == 1
		}
	}
	return false
}

var srcPattern = regexp.MustCompile(`\bsrc\s+(\S+)`)

// PrimaryIP resolves the host's outbound address, preferring the routing
// table and falling back to hostname resolution.
func PrimaryIP() string {
	if out, err := exec.Command("ip", "route", "get", "1.1.1.1").Output(); err == nil {
		if m := srcPattern.FindStringSubmatch(string(out)); m != nil {
			return m[1]
		}
	}
	if out, err := exec.Command("hostname", "-I").Output(); err == nil {
		for _, ip := range strings.Fields(string(out)) {
			if !strings.HasPrefix(ip, "127.") {
				return ip
			}
		}
	}
	return ""
}

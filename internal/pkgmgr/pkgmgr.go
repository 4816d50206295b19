// Package pkgmgr selects the host's package manager and the ordered command
// sequence for one full update cycle.
package pkgmgr

import "os/exec"

type Manager string

const (
	Apt     Manager = "apt"
	Dnf     Manager = "dnf"
	Yum     Manager = "yum"
	Unknown Manager = "unknown"
)

// Detect probes for apt-get, dnf, then yum on PATH.
func Detect() Manager {
	if _, err := exec.LookPath("apt-get"); err == nil {
		return Apt
	}
	if _, err := exec.LookPath("dnf"); err == nil {
		return Dnf
	}
	if _, err := exec.LookPath("yum"); err == nil {
		return Yum
	}
	return Unknown
}

// UpdateCommands returns the refresh -> upgrade -> autoremove -> clean
// sequence for the detected manager, or nil when unsupported.
func UpdateCommands(m Manager) [][]string {
	switch m {
	case Apt:
		return [][]string{
			{"apt-get", "update"},
			{"apt-get", "full-upgrade", "-y"},
			{"apt-get", "autoremove", "-y"},
			{"apt-get", "autoclean", "-y"},
		}
	case Dnf, Yum:
		cmd := string(m)
		return [][]string{
			{cmd, "-y", "makecache"},
			{cmd, "-y", "upgrade"},
			{cmd, "-y", "autoremove"},
			{cmd, "-y", "clean", "all"},
		}
	default:
		return nil
	}
}

// Env returns extra environment entries for the manager's commands.
func Env(m Manager) []string {
	if m == Apt {
		return []string{"DEBIAN_FRONTEND=noninteractive"}
	}
	return nil
}

// Package systemd drives the agent's systemd units: the poller service,
// the scheduled update timer, and uninstall teardown.
package systemd

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	PollerUnit = "updatewatch-agent.service"
	RunUnit    = "updatewatch-run.service"
	TimerUnit  = "updatewatch-run.timer"

	binPath    = "/usr/local/bin/updatewatch-agent"
	installDir = "/opt/updatewatch-agent"
)

var timerOverrideDir = "/etc/systemd/system/" + TimerUnit + ".d"

// Supervisor shells out to systemctl. Failures are logged, not fatal; the
// agent keeps polling even when unit management is unavailable.
type Supervisor struct{}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

func (s *Supervisor) systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %v: %v (%s)", args, err, out)
	}
	return nil
}

// SetSchedule writes a timer override with the requested daily time and
// enables or disables the timer unit.
func (s *Supervisor) SetSchedule(enabled bool, dailyTime string) error {
	if err := os.MkdirAll(timerOverrideDir, 0o755); err != nil {
		return fmt.Errorf("create timer override dir: %w", err)
	}
	override := fmt.Sprintf("[Timer]\nOnCalendar=*-*-* %s:00\n", dailyTime)
	path := filepath.Join(timerOverrideDir, "override.conf")
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		return fmt.Errorf("write timer override: %w", err)
	}

	if err := s.systemctl("daemon-reload"); err != nil {
		log.Printf("schedule: %v", err)
	}
	if enabled {
		if err := s.systemctl("enable", "--now", TimerUnit); err != nil {
			return err
		}
		return s.systemctl("restart", TimerUnit)
	}
	return s.systemctl("disable", "--now", TimerUnit)
}

// Restart restarts the poller service. Used after commands that change the
// poll loop's own configuration.
func (s *Supervisor) Restart() error {
	return s.systemctl("restart", PollerUnit)
}

// Stop stops the poller service and the update timer.
func (s *Supervisor) Stop() error {
	err1 := s.systemctl("stop", PollerUnit)
	err2 := s.systemctl("stop", TimerUnit)
	if err1 != nil {
		return err1
	}
	return err2
}

// Disable disables both units without stopping a running poller.
func (s *Supervisor) Disable() error {
	err1 := s.systemctl("disable", PollerUnit)
	err2 := s.systemctl("disable", TimerUnit)
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Supervisor) removeUnits() {
	units := []string{
		"/etc/systemd/system/" + PollerUnit,
		"/etc/systemd/system/" + RunUnit,
		"/etc/systemd/system/" + TimerUnit,
	}
	for _, path := range units {
		os.Remove(path)
	}
	os.RemoveAll(timerOverrideDir)
	if err := s.systemctl("daemon-reload"); err != nil {
		log.Printf("uninstall: %v", err)
	}
}

// Uninstall removes the agent from the host. With stopRunning=true the
// teardown happens inline. With stopRunning=false the agent is mid-poll, so
// units are disabled now and file removal is scheduled to run after the
// process exits.
func (s *Supervisor) Uninstall(stopRunning bool) error {
	if stopRunning {
		if err := s.Stop(); err != nil {
			log.Printf("uninstall stop: %v", err)
		}
		if err := s.Disable(); err != nil {
			log.Printf("uninstall disable: %v", err)
		}
		s.removeUnits()
		os.Remove(binPath)
		return os.RemoveAll(installDir)
	}

	if err := s.Disable(); err != nil {
		log.Printf("uninstall disable: %v", err)
	}
	if err := s.systemctl("stop", TimerUnit); err != nil {
		log.Printf("uninstall stop timer: %v", err)
	}
	return s.scheduleSelfRemoval()
}

// scheduleSelfRemoval writes a teardown script and launches it detached so
// the removal happens after the poller has reported its result and exited.
func (s *Supervisor) scheduleSelfRemoval() error {
	script := `#!/bin/sh
set -e

systemctl stop ` + PollerUnit + ` || true
systemctl stop ` + TimerUnit + ` || true
systemctl disable ` + PollerUnit + ` || true
systemctl disable ` + TimerUnit + ` || true

rm -f /etc/systemd/system/` + PollerUnit + `
rm -f /etc/systemd/system/` + RunUnit + `
rm -f /etc/systemd/system/` + TimerUnit + `
rm -rf ` + timerOverrideDir + `

systemctl daemon-reload || true

rm -f ` + binPath + `
rm -rf ` + installDir + `

rm -f "$0"
`
	path := filepath.Join(os.TempDir(), "updatewatch-uninstall.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return fmt.Errorf("write uninstall script: %w", err)
	}

	if _, err := exec.LookPath("systemd-run"); err == nil {
		cmd := exec.Command("systemd-run", "--no-block", "/bin/sh", "-c", "sleep 2; "+path)
		if err := cmd.Run(); err == nil {
			return nil
		}
	}

	// Fallback: detached background shell.
	cmd := exec.Command("/bin/sh", "-c", fmt.Sprintf("nohup sh -c 'sleep 2; %s' >/dev/null 2>&1 &", path))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("schedule uninstall: %w", err)
	}
	return cmd.Process.Release()
}

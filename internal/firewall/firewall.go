// Package firewall reconciles the host firewall with the local web
// server's desired exposure. Exactly one implementation is detected at
// startup (ufw, firewalld, or iptables); with no firewall every port
// operation is a successful no-op.
//
// Tracked state invariant: the persisted openedPorts set contains exactly
// the ports this agent opened and has not yet closed. The external command
// and the persist step are not one transaction; a crash between them can
// leave the tracked set behind the real rules, which is why the controller
// reconciles tracked entries against live rules on construction.
package firewall

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/updatewatch/agent/internal/config"
)

type Type string

const (
	UFW       Type = "ufw"
	Firewalld Type = "firewalld"
	IPTables  Type = "iptables"
	None      Type = ""
)

type PortEntry struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

type state struct {
	OpenedPorts []PortEntry `json:"openedPorts"`
}

// Status is the document served at /api/firewall.
type Status struct {
	Type        string      `json:"firewallType"`
	Active      bool        `json:"active"`
	OpenedPorts []PortEntry `json:"openedPorts"`
}

// Runner executes external firewall commands. Production uses execRunner;
// tests substitute a fake.
type Runner interface {
	Run(name string, args ...string) (bool, string)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (bool, string) {
	if os.Geteuid() != 0 {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.Command(name, args...)
	done := make(chan struct{})
	var out []byte
	var err error
	go func() {
		out, err = cmd.CombinedOutput()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return false, "command timed out"
	}
	if err != nil {
		return false, strings.TrimSpace(string(out))
	}
	return true, strings.TrimSpace(string(out))
}

type Controller struct {
	statePath string
	runner    Runner
	fwType    Type

	mu    sync.Mutex
	state state
}

// NewController detects the active firewall, loads the tracked-port state,
// and reconciles it against live rules.
func NewController(statePath string) *Controller {
	return newController(statePath, execRunner{}, true)
}

// NewControllerWithRunner is the constructor used by tests; detection runs
// through the supplied runner and reconciliation is skipped.
func NewControllerWithRunner(statePath string, runner Runner) *Controller {
	return newController(statePath, runner, false)
}

func newController(statePath string, runner Runner, reconcile bool) *Controller {
	c := &Controller{statePath: statePath, runner: runner}
	c.fwType = c.detect()
	c.loadState()
	log.Printf("firewall: detected %q, %d tracked port(s)", c.fwType, len(c.state.OpenedPorts))
	if reconcile {
		c.reconcile()
	}
	return c
}

func (c *Controller) Type() Type { return c.fwType }

// detect probes ufw, then firewalld, then iptables; first match wins.
func (c *Controller) detect() Type {
	if ok, out := c.runner.Run("ufw", "status"); ok && strings.Contains(out, "Status: active") {
		return UFW
	}
	if ok, out := c.runner.Run("systemctl", "is-active", "firewalld"); ok && strings.TrimSpace(out) == "active" {
		return Firewalld
	}
	if ok, out := c.runner.Run("iptables", "-L", "-n"); ok {
		// More than the three default chain headers and their column rows
		// indicates custom rules.
		if len(strings.Split(strings.TrimSpace(out), "\n")) > 6 {
			return IPTables
		}
	}
	return None
}

func (c *Controller) loadState() {
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &c.state); err != nil {
		log.Printf("firewall: bad state file, starting empty: %v", err)
		c.state = state{}
	}
}

// saveState persists the tracked set. Called with c.mu held, after the
// external command has already succeeded.
func (c *Controller) saveState() error {
	return config.WriteJSONAtomic(c.statePath, c.state)
}

// reconcile drops tracked entries whose live rule has vanished, repairing
// drift left by a crash between rule change and persist.
func (c *Controller) reconcile() {
	if c.fwType == None {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.state.OpenedPorts[:0]
	for _, entry := range c.state.OpenedPorts {
		if c.ruleExists(entry.Port, entry.Protocol) {
			kept = append(kept, entry)
		} else {
			log.Printf("firewall: tracked port %d/%s has no live rule, dropping", entry.Port, entry.Protocol)
		}
	}
	if len(kept) != len(c.state.OpenedPorts) {
		c.state.OpenedPorts = kept
		if err := c.saveState(); err != nil {
			log.Printf("firewall: persist reconciled state: %v", err)
		}
	}
}

func (c *Controller) ruleExists(port int, protocol string) bool {
	spec := fmt.Sprintf("%d/%s", port, protocol)
	switch c.fwType {
	case UFW:
		ok, out := c.runner.Run("ufw", "status")
		return ok && strings.Contains(out, spec)
	case Firewalld:
		ok, out := c.runner.Run("firewall-cmd", "--list-ports")
		return ok && strings.Contains(out, spec)
	case IPTables:
		ok, _ := c.runner.Run("iptables", "-C", "INPUT", "-p", protocol, "--dport", fmt.Sprint(port), "-j", "ACCEPT")
		return ok
	}
	return false
}

// OpenPort opens port/protocol and records it in the tracked set. Opening
// an already-open port is not an error and leaves a single tracked entry.
func (c *Controller) OpenPort(port int, protocol string) error {
	if c.fwType == None {
		log.Printf("firewall: no firewall active, port %d open by default", port)
		return nil
	}

	var ok bool
	var msg string
	switch c.fwType {
	case UFW:
		ok, msg = c.runner.Run("ufw", "allow", fmt.Sprintf("%d/%s", port, protocol))
	case Firewalld:
		ok, msg = c.firewalldChange("--add-port", port, protocol)
	case IPTables:
		if c.ruleExists(port, protocol) {
			ok, msg = true, "rule already present"
		} else {
			ok, msg = c.runner.Run("iptables", "-I", "INPUT", "-p", protocol, "--dport", fmt.Sprint(port), "-j", "ACCEPT")
			if ok {
				c.persistIPTables()
			}
		}
	}
	if !ok {
		return fmt.Errorf("open port %d/%s via %s: %s", port, protocol, c.fwType, msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := PortEntry{Port: port, Protocol: protocol}
	for _, existing := range c.state.OpenedPorts {
		if existing == entry {
			return nil
		}
	}
	c.state.OpenedPorts = append(c.state.OpenedPorts, entry)
	if err := c.saveState(); err != nil {
		return fmt.Errorf("persist firewall state: %w", err)
	}
	log.Printf("firewall: opened %d/%s", port, protocol)
	return nil
}

// ClosePort removes the rule and the tracked entry. Closing an absent port
// is not an error.
func (c *Controller) ClosePort(port int, protocol string) error {
	if c.fwType == None {
		return nil
	}

	var ok bool
	var msg string
	switch c.fwType {
	case UFW:
		ok, msg = c.runner.Run("ufw", "delete", "allow", fmt.Sprintf("%d/%s", port, protocol))
	case Firewalld:
		ok, msg = c.firewalldChange("--remove-port", port, protocol)
	case IPTables:
		if !c.ruleExists(port, protocol) {
			ok, msg = true, "rule already absent"
		} else {
			ok, msg = c.runner.Run("iptables", "-D", "INPUT", "-p", protocol, "--dport", fmt.Sprint(port), "-j", "ACCEPT")
			if ok {
				c.persistIPTables()
			}
		}
	}
	if !ok {
		return fmt.Errorf("close port %d/%s via %s: %s", port, protocol, c.fwType, msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := PortEntry{Port: port, Protocol: protocol}
	for i, existing := range c.state.OpenedPorts {
		if existing == entry {
			c.state.OpenedPorts = append(c.state.OpenedPorts[:i], c.state.OpenedPorts[i+1:]...)
			if err := c.saveState(); err != nil {
				return fmt.Errorf("persist firewall state: %w", err)
			}
			break
		}
	}
	log.Printf("firewall: closed %d/%s", port, protocol)
	return nil
}

// UpdatePort switches exposure from old to new. The new port is opened
// first so there is no access gap; a failure closing the old port is
// logged as a warning and the operation still succeeds.
func (c *Controller) UpdatePort(oldPort, newPort int, protocol string) error {
	if oldPort == newPort {
		return nil
	}
	if err := c.OpenPort(newPort, protocol); err != nil {
		return fmt.Errorf("open new port: %w", err)
	}
	if err := c.ClosePort(oldPort, protocol); err != nil {
		log.Printf("firewall: old port %d not closed: %v", oldPort, err)
	}
	return nil
}

// CloseAllTrackedPorts closes every port this agent opened. Used during
// full teardown.
func (c *Controller) CloseAllTrackedPorts() {
	c.mu.Lock()
	tracked := make([]PortEntry, len(c.state.OpenedPorts))
	copy(tracked, c.state.OpenedPorts)
	c.mu.Unlock()

	for _, entry := range tracked {
		if err := c.ClosePort(entry.Port, entry.Protocol); err != nil {
			log.Printf("firewall: teardown close %d/%s: %v", entry.Port, entry.Protocol, err)
		}
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	ports := make([]PortEntry, len(c.state.OpenedPorts))
	copy(ports, c.state.OpenedPorts)
	return Status{
		Type:        string(c.fwType),
		Active:      c.fwType != None,
		OpenedPorts: ports,
	}
}

func (c *Controller) firewalldChange(op string, port int, protocol string) (bool, string) {
	ok, msg := c.runner.Run("firewall-cmd", "--permanent", op, fmt.Sprintf("%d/%s", port, protocol))
	if !ok {
		return false, msg
	}
	return c.runner.Run("firewall-cmd", "--reload")
}

// persistIPTables tries the distro-specific save mechanisms in order; if
// none succeeds the rules survive only until reboot.
func (c *Controller) persistIPTables() {
	saveCommands := [][]string{
		{"iptables-save", "-f", "/etc/iptables/rules.v4"},
		{"service", "iptables", "save"},
		{"netfilter-persistent", "save"},
	}
	for _, cmd := range saveCommands {
		if ok, _ := c.runner.Run(cmd[0], cmd[1:]...); ok {
			return
		}
	}
	log.Printf("firewall: iptables rules not persisted, a reboot will clear them")
}

// Package localweb serves the agent's optional self-hosted management
// interface and owns its lifecycle: the dashboard pushes desired state and
// the manager reconciles the running server and firewall exposure to it.
package localweb

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/pkg/models"
)

// AllowedPorts is the closed set of ports the interface may bind. Any
// other requested port is replaced with DefaultPort.
var AllowedPorts = []int{8080, 8090, 8180, 8190}

const DefaultPort = 8180

func portAllowed(port int) bool {
	for _, p := range AllowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// persistedState survives process restarts so an UPDATE_AGENT-triggered
// restart can bring the server back without a dashboard push.
type persistedState struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Firewall is the slice of the firewall controller the manager needs.
type Firewall interface {
	OpenPort(port int, protocol string) error
	ClosePort(port int, protocol string) error
	UpdatePort(oldPort, newPort int, protocol string) error
}

type Manager struct {
	statePath string
	fw        Firewall
	deps      Deps

	mu      sync.Mutex
	server  *Server
	enabled bool
	port    int
}

// NewManager loads the persisted desired state but does not start the
// server; the poller's first ApplyConfig (or RestoreFromState) does that.
func NewManager(statePath string, fw Firewall, deps Deps) *Manager {
	m := &Manager{statePath: statePath, fw: fw, deps: deps}
	data, err := os.ReadFile(statePath)
	if err == nil {
		var st persistedState
		if json.Unmarshal(data, &st) == nil {
			m.enabled = st.Enabled
			m.port = st.Port
		}
	}
	return m
}

// RestoreFromState restarts the server after a process restart when it was
// enabled before. The firewall port is already open from the original
// enable, so only the server is started.
func (m *Manager) RestoreFromState(ssl models.SSLConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.server != nil || m.port == 0 {
		return
	}
	log.Printf("localweb: restoring server on port %d", m.port)
	m.startLocked(m.port, ssl)
}

// ApplyConfig reconciles the server with the desired state. It is
// idempotent: applying the same config twice is a no-op.
func (m *Manager) ApplyConfig(desired models.LocalWebConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newPort := desired.Port
	if !portAllowed(newPort) {
		if desired.Enabled {
			log.Printf("localweb: port %d not in %v, using %d", newPort, AllowedPorts, DefaultPort)
		}
		newPort = DefaultPort
	}

	if !desired.Enabled {
		if m.enabled {
			m.stopLocked()
			m.closeFirewallLocked()
		}
		m.enabled = false
		return m.saveLocked()
	}

	switch {
	case m.enabled && m.port != newPort:
		// Port change: open the new port before closing the old one so
		// access never lapses.
		oldPort := m.port
		m.stopLocked()
		if err := m.fw.UpdatePort(oldPort, newPort, "tcp"); err != nil {
			log.Printf("localweb: firewall port change: %v", err)
		}
		m.port = newPort
		m.startLocked(newPort, desired.SSL)

	case m.enabled && m.port == newPort && m.server == nil:
		// Enabled but not running (crash or restart): bring the server
		// back without touching the firewall.
		log.Printf("localweb: server was enabled but not running, restarting on %d", newPort)
		m.startLocked(newPort, desired.SSL)

	case m.enabled && m.port == newPort:
		// Already running as desired.

	default:
		// Fresh enable.
		if err := m.fw.OpenPort(newPort, "tcp"); err != nil {
			log.Printf("localweb: firewall open: %v", err)
		}
		m.port = newPort
		m.startLocked(newPort, desired.SSL)
	}

	m.enabled = true
	return m.saveLocked()
}

func (m *Manager) startLocked(port int, ssl models.SSLConfig) {
	srv, err := startServer(port, ssl, m.deps, m)
	if err != nil {
		log.Printf("localweb: server start failed: %v", err)
		m.server = nil
		return
	}
	m.server = srv
}

func (m *Manager) stopLocked() {
	if m.server == nil {
		return
	}
	if err := m.server.Shutdown(); err != nil {
		log.Printf("localweb: server stop: %v", err)
	}
	m.server = nil
}

func (m *Manager) closeFirewallLocked() {
	if m.port == 0 {
		return
	}
	if err := m.fw.ClosePort(m.port, "tcp"); err != nil {
		log.Printf("localweb: firewall close: %v", err)
	}
	m.port = 0
}

func (m *Manager) saveLocked() error {
	err := config.WriteJSONAtomic(m.statePath, persistedState{Enabled: m.enabled, Port: m.port})
	if err != nil {
		return fmt.Errorf("persist local web state: %w", err)
	}
	return nil
}

// Stop shuts the server down and closes the firewall port. The firewall
// cleanup runs even when the server never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.closeFirewallLocked()
	m.enabled = false
	if err := m.saveLocked(); err != nil {
		log.Printf("localweb: %v", err)
	}
}

// Shutdown stops the server without changing the desired state or the
// firewall, for process exit. RestoreFromState brings it back on the next
// start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

// Addr returns the bound address of the running server, for tests and
// status reporting.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}

func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"enabled": m.enabled,
		"running": m.server != nil,
		"port":    m.port,
	}
}

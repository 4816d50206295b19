package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AgentConfig is the persisted agent configuration. It is owned exclusively
// by the agent process and rewritten atomically on every change.
type AgentConfig struct {
	DashboardURL        string          `json:"dashboardUrl"`
	AgentID             string          `json:"agentId"`
	DisplayName         string          `json:"displayName"`
	AgentAPIToken       string          `json:"agentApiToken"`
	Schedule            ScheduleConfig  `json:"schedule"`
	PollIntervalSeconds int             `json:"pollIntervalSeconds"`
	LocalWeb            *LocalWebConfig `json:"localWeb,omitempty"`
}

type ScheduleConfig struct {
	Enabled   bool   `json:"enabled"`
	DailyTime string `json:"dailyTime"`
}

type LocalWebConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
	SSL     struct {
		Enabled  bool   `json:"enabled"`
		CertPath string `json:"certPath,omitempty"`
		KeyPath  string `json:"keyPath,omitempty"`
	} `json:"ssl"`
}

// AgentState is the persisted runtime state, updated after every update
// cycle and every poll.
type AgentState struct {
	LastRunAt           string `json:"lastRunAt,omitempty"`
	LastStatus          string `json:"lastStatus,omitempty"`
	LastExitCode        *int   `json:"lastExitCode,omitempty"`
	LastDurationSeconds *int   `json:"lastDurationSeconds,omitempty"`
	LastPoll            string `json:"lastPoll,omitempty"`
	LastUpdate          string `json:"lastUpdate,omitempty"`
}

// Paths locates every file the agent persists. Defaults match the packaged
// install layout; UW_-prefixed environment variables override them.
type Paths struct {
	InstallDir string
	StateDir   string
	LogDir     string
}

func (p Paths) ConfigPath() string        { return filepath.Join(p.InstallDir, "config.json") }
func (p Paths) StatePath() string         { return filepath.Join(p.InstallDir, "state.json") }
func (p Paths) LockPath() string          { return filepath.Join(p.InstallDir, "run.lock") }
func (p Paths) VersionPath() string       { return filepath.Join(p.InstallDir, "VERSION") }
func (p Paths) FirewallStatePath() string { return filepath.Join(p.StateDir, "firewall_state.json") }
func (p Paths) LocalWebStatePath() string { return filepath.Join(p.StateDir, "local_web_state.json") }
func (p Paths) SecurityPath() string      { return filepath.Join(p.InstallDir, "security.json") }
func (p Paths) CertPinsPath() string      { return filepath.Join(p.InstallDir, "cert_pins.json") }

// DefaultPaths builds the path set from viper so packaging and tests can
// relocate the whole tree with UW_INSTALL_DIR / UW_STATE_DIR / UW_LOG_DIR.
func DefaultPaths() Paths {
	v := viper.New()
	v.SetEnvPrefix("UW")
	v.AutomaticEnv()
	v.SetDefault("install_dir", "/opt/updatewatch-agent")
	v.SetDefault("state_dir", "/var/lib/updatewatch-agent")

	install := v.GetString("install_dir")
	v.SetDefault("log_dir", filepath.Join(install, "logs"))

	return Paths{
		InstallDir: install,
		StateDir:   v.GetString("state_dir"),
		LogDir:     v.GetString("log_dir"),
	}
}

// Store reads and writes the persisted agent documents. Callers re-read
// per operation; nothing is cached between the poller and the web server.
type Store struct {
	Paths Paths
}

func NewStore(paths Paths) *Store {
	return &Store{Paths: paths}
}

// Load reads config.json and normalizes the schedule block.
func (s *Store) Load() (*AgentConfig, error) {
	data, err := os.ReadFile(s.Paths.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("missing config %s: %w", s.Paths.ConfigPath(), err)
	}
	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DashboardURL = strings.TrimRight(cfg.DashboardURL, "/")
	if cfg.Schedule.DailyTime == "" {
		cfg.Schedule.DailyTime = "03:00"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 60
	}
	return &cfg, nil
}

// Save persists config.json via write-temp-then-rename so a crash never
// yields a partially written file.
func (s *Store) Save(cfg *AgentConfig) error {
	if cfg.Schedule.DailyTime == "" {
		cfg.Schedule.DailyTime = "03:00"
	}
	return WriteJSONAtomic(s.Paths.ConfigPath(), cfg)
}

// ReadState returns the persisted state, or an empty state if the file is
// missing or corrupt.
func (s *Store) ReadState() AgentState {
	var st AgentState
	data, err := os.ReadFile(s.Paths.StatePath())
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return AgentState{}
	}
	return st
}

func (s *Store) WriteState(st AgentState) error {
	return WriteJSONAtomic(s.Paths.StatePath(), st)
}

// Version reads the VERSION marker of the current install.
func (s *Store) Version() string {
	data, err := os.ReadFile(s.Paths.VersionPath())
	if err != nil {
		return "0.0.0"
	}
	return strings.TrimSpace(string(data))
}

// NormalizeDashboardURL canonicalizes a user-supplied dashboard address:
// whitespace trimmed, scheme defaulted to https, trailing slashes removed.
func NormalizeDashboardURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty dashboard url")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse dashboard url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported dashboard url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("dashboard url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// WriteJSONAtomic marshals v and writes it to path through a temp file in
// the same directory, then renames it into place.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

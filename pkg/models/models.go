package models

// Command is a single remote instruction pushed by the dashboard.
// It is executed at most once per poll response.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Command types accepted by the dispatcher.
const (
	CmdRunNow          = "RUN_NOW"
	CmdSetSchedule     = "SET_SCHEDULE"
	CmdUpdateAgent     = "UPDATE_AGENT"
	CmdSetPollInterval = "SET_POLL_INTERVAL"
	CmdUninstall       = "UNINSTALL"
	CmdListLogs        = "LIST_LOGS"
	CmdFetchLog        = "FETCH_LOG"
	CmdFetchInfo       = "FETCH_INFO"
)

// CommandResult statuses.
const (
	StatusDone  = "DONE"
	StatusError = "ERROR"
)

// CommandResult is reported back to the dashboard keyed by command id.
type CommandResult struct {
	AgentID      string         `json:"agentId"`
	CommandID    string         `json:"commandId"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Schedule is the daily update schedule pushed via SET_SCHEDULE.
type Schedule struct {
	Enabled   bool   `json:"enabled"`
	DailyTime string `json:"dailyTime"`
}

// SSLConfig holds optional TLS material for the local web server.
type SSLConfig struct {
	Enabled  bool   `json:"enabled"`
	CertPath string `json:"certPath,omitempty"`
	KeyPath  string `json:"keyPath,omitempty"`
}

// LocalWebConfig is the desired state of the local management interface,
// pushed by the dashboard inside a poll response.
type LocalWebConfig struct {
	Enabled bool      `json:"enabled"`
	Port    int       `json:"port"`
	SSL     SSLConfig `json:"ssl"`
}

// PollRequest is the check-in payload sent to the dashboard.
type PollRequest struct {
	AgentID             string   `json:"agentId"`
	DisplayName         string   `json:"displayName"`
	Hostname            string   `json:"hostname"`
	IP                  string   `json:"ip"`
	AgentVersion        string   `json:"agentVersion"`
	LastSeenAt          string   `json:"lastSeenAt"`
	LastRunAt           string   `json:"lastRunAt,omitempty"`
	LastStatus          string   `json:"lastStatus,omitempty"`
	LastExitCode        *int     `json:"lastExitCode,omitempty"`
	LastDurationSeconds *int     `json:"lastDurationSeconds,omitempty"`
	Schedule            Schedule `json:"schedule"`
	UptimeSeconds       int64    `json:"uptimeSeconds"`
	RebootRequired      bool     `json:"rebootRequired"`
}

// PollResponse carries optional local web config and at most one command.
type PollResponse struct {
	LocalWeb *LocalWebConfig `json:"localWeb,omitempty"`
	Command  *Command        `json:"command,omitempty"`
}

// LogEntry describes one log file in a LIST_LOGS result.
type LogEntry struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"sizeBytes"`
	ModifiedAt string `json:"modifiedAt"`
}

// LogContent is the FETCH_LOG result payload.
type LogContent struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	Truncated bool   `json:"truncated"`
	Content   string `json:"content"`
}

// RunResult is the outcome of one package update cycle.
type RunResult struct {
	Status          string `json:"status"`
	ExitCode        int    `json:"exitCode"`
	DurationSeconds int    `json:"durationSeconds"`
	Message         string `json:"message,omitempty"`
}

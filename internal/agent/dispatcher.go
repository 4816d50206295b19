package agent

import (
	"fmt"
	"log"
	"strings"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/systemd"
	"github.com/updatewatch/agent/internal/updater"
	"github.com/updatewatch/agent/pkg/models"
)

// Outcome tells the poll loop what to do after a command result has been
// reported back to the dashboard.
type Outcome struct {
	// Restart means the poller process must be replaced (new binary or
	// changed poll configuration).
	Restart bool
	// Exit means the process must terminate without restarting, because
	// the agent is being removed from the host.
	Exit bool
}

// Dispatcher executes dashboard commands. Every command produces exactly
// one CommandResult; a dispatcher never panics the poll loop.
type Dispatcher struct {
	store      *config.Store
	logDir     *logs.Dir
	engine     *updater.Engine
	supervisor *systemd.Supervisor
	info       *system.Provider
}

func NewDispatcher(store *config.Store, logDir *logs.Dir, engine *updater.Engine, sup *systemd.Supervisor, info *system.Provider) *Dispatcher {
	return &Dispatcher{
		store:      store,
		logDir:     logDir,
		engine:     engine,
		supervisor: sup,
		info:       info,
	}
}

// Handle runs one command and returns its result plus the follow-up
// outcome. Panics inside a handler are converted to an ERROR result so one
// bad command cannot take the poll loop down.
func (d *Dispatcher) Handle(cmd models.Command, fetcher updater.BundleFetcher) (result models.CommandResult, outcome Outcome) {
	cfg, err := d.store.Load()
	agentID := ""
	if err == nil {
		agentID = cfg.AgentID
	}
	result = models.CommandResult{
		AgentID:   agentID,
		CommandID: cmd.ID,
		Status:    models.StatusDone,
		Result:    map[string]any{},
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("command %s (%s): panic: %v", cmd.ID, cmd.Type, r)
			result.Status = models.StatusError
			result.ErrorMessage = fmt.Sprintf("internal error: %v", r)
			outcome = Outcome{}
		}
	}()

	d.logDir.Append(fmt.Sprintf("command received: %s (%s)", cmd.Type, cmd.ID))

	switch cmd.Type {
	case models.CmdRunNow:
		d.runNow(&result)
	case models.CmdSetSchedule:
		d.setSchedule(cmd.Payload, &result)
	case models.CmdUpdateAgent:
		outcome = d.updateAgent(fetcher, &result)
	case models.CmdSetPollInterval:
		outcome = d.setPollInterval(cmd.Payload, &result)
	case models.CmdUninstall:
		outcome = d.uninstall(&result)
	case models.CmdListLogs:
		d.listLogs(&result)
	case models.CmdFetchLog:
		d.fetchLog(cmd.Payload, &result)
	case models.CmdFetchInfo:
		d.fetchInfo(&result)
	default:
		result.Status = models.StatusError
		result.ErrorMessage = fmt.Sprintf("unknown command type %q", cmd.Type)
	}
	return result, outcome
}

func (d *Dispatcher) runNow(result *models.CommandResult) {
	run, err := d.engine.RunUpdateCycle()
	result.Result = map[string]any{
		"status":          run.Status,
		"exitCode":        run.ExitCode,
		"durationSeconds": run.DurationSeconds,
	}
	if run.Status != "OK" {
		result.Status = models.StatusError
		if err != nil {
			result.ErrorMessage = err.Error()
		} else if run.Message != "" {
			result.ErrorMessage = run.Message
		} else {
			result.ErrorMessage = fmt.Sprintf("update failed with exit code %d", run.ExitCode)
		}
	}
}

func (d *Dispatcher) setSchedule(payload map[string]any, result *models.CommandResult) {
	enabled, _ := payload["enabled"].(bool)
	dailyTime, _ := payload["dailyTime"].(string)
	if dailyTime == "" {
		dailyTime = "03:00"
	}
	if !validDailyTime(dailyTime) {
		result.Status = models.StatusError
		result.ErrorMessage = fmt.Sprintf("invalid dailyTime %q", dailyTime)
		return
	}

	cfg, err := d.store.Load()
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}
	cfg.Schedule.Enabled = enabled
	cfg.Schedule.DailyTime = dailyTime
	if err := d.store.Save(cfg); err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}

	if err := d.supervisor.SetSchedule(enabled, dailyTime); err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}
	result.Result = map[string]any{"enabled": enabled, "dailyTime": dailyTime}
}

// validDailyTime accepts HH:MM with a 24-hour clock.
func validDailyTime(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return false
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return false
	}
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

func (d *Dispatcher) updateAgent(fetcher updater.BundleFetcher, result *models.CommandResult) Outcome {
	version, err := updater.UpdateAgent(fetcher, d.store.Paths.InstallDir)
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return Outcome{}
	}
	result.Result = map[string]any{"version": version}
	// The running binary belongs to the old install tree; the service must
	// be restarted after the result has been reported.
	return Outcome{Restart: true}
}

func (d *Dispatcher) setPollInterval(payload map[string]any, result *models.CommandResult) Outcome {
	seconds, ok := payload["pollIntervalSeconds"].(float64)
	if !ok || seconds <= 0 {
		result.Status = models.StatusError
		result.ErrorMessage = "pollIntervalSeconds must be a number > 0"
		return Outcome{}
	}

	cfg, err := d.store.Load()
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return Outcome{}
	}
	cfg.PollIntervalSeconds = int(seconds)
	if err := d.store.Save(cfg); err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return Outcome{}
	}
	result.Result = map[string]any{"pollIntervalSeconds": int(seconds)}
	// Restart so the new interval takes effect now instead of after the
	// current sleep finishes.
	return Outcome{Restart: true}
}

func (d *Dispatcher) uninstall(result *models.CommandResult) Outcome {
	// The poller is mid-poll, so file removal is deferred to a detached
	// teardown that runs after this process has reported and exited.
	if err := d.supervisor.Uninstall(false); err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return Outcome{}
	}
	result.Result = map[string]any{"uninstalled": true}
	return Outcome{Exit: true}
}

func (d *Dispatcher) listLogs(result *models.CommandResult) {
	entries, err := d.logDir.List()
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}
	result.Result = map[string]any{"logs": entries}
}

func (d *Dispatcher) fetchLog(payload map[string]any, result *models.CommandResult) {
	name, _ := payload["logName"].(string)
	if name == "" {
		result.Status = models.StatusError
		result.ErrorMessage = "missing logName"
		return
	}
	content, err := d.logDir.Read(name)
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}
	result.Result = map[string]any{
		"name":      content.Name,
		"sizeBytes": content.SizeBytes,
		"truncated": content.Truncated,
		"content":   content.Content,
	}
}

func (d *Dispatcher) fetchInfo(result *models.CommandResult) {
	snap, err := d.info.Collect()
	if err != nil {
		result.Status = models.StatusError
		result.ErrorMessage = err.Error()
		return
	}
	result.Result = map[string]any{"info": snap}
}

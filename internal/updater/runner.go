// Package updater drives OS package-update cycles and the agent's own
// self-update.
package updater

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gofrs/flock"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/pkgmgr"
	"github.com/updatewatch/agent/pkg/models"
)

// ErrAlreadyRunning is returned when another update cycle holds the run
// lock. Callers report it distinctly and do not retry.
var ErrAlreadyRunning = errors.New("update already running")

// CommandRunner executes one package-manager command, appending combined
// output to the open log file. Tests substitute a fake.
type CommandRunner func(argv []string, extraEnv []string, logFile *os.File) (int, error)

func execCommand(argv []string, extraEnv []string, logFile *os.File) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type Engine struct {
	store  *config.Store
	logDir *logs.Dir

	// Run executes package-manager commands; defaults to exec.
	Run CommandRunner
	// Commands overrides package-manager detection; nil means detect.
	Commands [][]string
	// ExtraEnv is appended to each command's environment.
	ExtraEnv []string
}

func NewEngine(store *config.Store, logDir *logs.Dir) *Engine {
	mgr := pkgmgr.Detect()
	return &Engine{
		store:    store,
		logDir:   logDir,
		Run:      execCommand,
		Commands: pkgmgr.UpdateCommands(mgr),
		ExtraEnv: pkgmgr.Env(mgr),
	}
}

// RunUpdateCycle executes one full package-update cycle under the
// exclusive run lock. If the lock is held the cycle fails fast with
// ErrAlreadyRunning instead of queuing. Final state is persisted on every
// outcome and the lock is always released.
func (e *Engine) RunUpdateCycle() (models.RunResult, error) {
	lock := flock.New(e.store.Paths.LockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return models.RunResult{
			Status:   models.StatusError,
			ExitCode: 1,
			Message:  ErrAlreadyRunning.Error(),
		}, ErrAlreadyRunning
	}
	defer lock.Unlock()

	start := time.Now()
	result := models.RunResult{Status: "OK"}

	logPath, err := e.logDir.CurrentPath()
	if err != nil {
		return e.finish(result, start, fmt.Errorf("prepare log: %w", err))
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return e.finish(result, start, fmt.Errorf("open log: %w", err))
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "\nSTART: %s\n", start.Format("2006-01-02 15:04:05"))

	var runErr error
	if len(e.Commands) == 0 {
		result.Status = models.StatusError
		result.ExitCode = 2
		result.Message = "unsupported package manager"
	} else {
		for _, argv := range e.Commands {
			fmt.Fprintf(logFile, "\n$ %v\n", argv)
			code, err := e.Run(argv, e.ExtraEnv, logFile)
			if err != nil {
				result.Status = models.StatusError
				result.ExitCode = -1
				result.Message = err.Error()
				runErr = err
				break
			}
			if code != 0 {
				result.Status = models.StatusError
				result.ExitCode = code
				break
			}
		}
	}

	result.DurationSeconds = int(time.Since(start).Seconds())
	fmt.Fprintf(logFile, "END: %s | status=%s | exit=%d | duration=%ds\n",
		time.Now().Format("2006-01-02 15:04:05"), result.Status, result.ExitCode, result.DurationSeconds)

	e.persistState(result)
	return result, runErr
}

func (e *Engine) finish(result models.RunResult, start time.Time, err error) (models.RunResult, error) {
	result.Status = models.StatusError
	result.ExitCode = 1
	result.Message = err.Error()
	result.DurationSeconds = int(time.Since(start).Seconds())
	e.persistState(result)
	return result, err
}

// persistState records the cycle outcome; lastUpdate advances only on
// success.
func (e *Engine) persistState(result models.RunResult) {
	state := e.store.ReadState()
	now := time.Now().UTC().Format(time.RFC3339)
	exitCode := result.ExitCode
	duration := result.DurationSeconds
	state.LastRunAt = now
	state.LastStatus = result.Status
	state.LastExitCode = &exitCode
	state.LastDurationSeconds = &duration
	if result.Status == "OK" {
		state.LastUpdate = now
	}
	if err := e.store.WriteState(state); err != nil {
		e.logDir.Append(fmt.Sprintf("persist run state: %v", err))
	}
}

package updater

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/pkg/models"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	tmp := t.TempDir()
	paths := config.Paths{
		InstallDir: tmp,
		StateDir:   tmp,
		LogDir:     filepath.Join(tmp, "logs"),
	}
	store := config.NewStore(paths)
	return &Engine{
		store:  store,
		logDir: logs.NewDir(paths.LogDir),
	}
}

func TestRunUpdateCycleSuccess(t *testing.T) {
	e := testEngine(t)
	var ran [][]string
	e.Commands = [][]string{{"pm", "refresh"}, {"pm", "upgrade"}}
	e.Run = func(argv []string, _ []string, logFile *os.File) (int, error) {
		ran = append(ran, argv)
		logFile.WriteString("ok\n")
		return 0, nil
	}

	result, err := e.RunUpdateCycle()
	if err != nil {
		t.Fatalf("RunUpdateCycle: %v", err)
	}
	if result.Status != "OK" || result.ExitCode != 0 {
		t.Fatalf("result %+v", result)
	}
	if len(ran) != 2 {
		t.Fatalf("ran %d commands, want 2", len(ran))
	}

	state := e.store.ReadState()
	if state.LastStatus != "OK" || state.LastUpdate == "" || state.LastRunAt == "" {
		t.Fatalf("persisted state %+v", state)
	}
	if state.LastExitCode == nil || *state.LastExitCode != 0 {
		t.Fatalf("lastExitCode %v", state.LastExitCode)
	}
}

func TestRunUpdateCycleStopsOnFirstFailure(t *testing.T) {
	e := testEngine(t)
	var ran [][]string
	e.Commands = [][]string{{"pm", "refresh"}, {"pm", "upgrade"}, {"pm", "autoremove"}}
	e.Run = func(argv []string, _ []string, _ *os.File) (int, error) {
		ran = append(ran, argv)
		if argv[1] == "upgrade" {
			return 100, nil
		}
		return 0, nil
	}

	result, err := e.RunUpdateCycle()
	if err != nil {
		t.Fatalf("RunUpdateCycle: %v", err)
	}
	if result.Status != models.StatusError || result.ExitCode != 100 {
		t.Fatalf("result %+v", result)
	}
	if len(ran) != 2 {
		t.Fatalf("ran %d commands, want 2 (stop at first failure)", len(ran))
	}

	state := e.store.ReadState()
	if state.LastStatus != models.StatusError {
		t.Fatalf("persisted status %q", state.LastStatus)
	}
	if state.LastUpdate != "" {
		t.Fatal("lastUpdate must not advance on failure")
	}
}

func TestRunUpdateCycleUnsupportedManager(t *testing.T) {
	e := testEngine(t)
	e.Commands = nil
	e.Run = func([]string, []string, *os.File) (int, error) {
		t.Fatal("no command should run")
		return 0, nil
	}

	result, err := e.RunUpdateCycle()
	if err != nil {
		t.Fatalf("RunUpdateCycle: %v", err)
	}
	if result.Status != models.StatusError || result.ExitCode != 2 {
		t.Fatalf("result %+v", result)
	}
}

func TestRunUpdateCycleMutualExclusion(t *testing.T) {
	e := testEngine(t)
	started := make(chan struct{})
	release := make(chan struct{})
	e.Commands = [][]string{{"pm", "upgrade"}}
	e.Run = func(_ []string, _ []string, _ *os.File) (int, error) {
		close(started)
		<-release
		return 0, nil
	}

	first := make(chan models.RunResult, 1)
	go func() {
		result, _ := e.RunUpdateCycle()
		first <- result
	}()
	<-started

	result, err := e.RunUpdateCycle()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("concurrent cycle: got %v, want ErrAlreadyRunning", err)
	}
	if result.Status != models.StatusError || result.ExitCode != 1 {
		t.Fatalf("concurrent result %+v", result)
	}

	close(release)
	if got := <-first; got.Status != "OK" {
		t.Fatalf("first cycle result %+v", got)
	}

	// Lock is free again after the first cycle completes.
	e.Run = func(_ []string, _ []string, _ *os.File) (int, error) { return 0, nil }
	if _, err := e.RunUpdateCycle(); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
}

func TestRunUpdateCycleWritesDatedLog(t *testing.T) {
	e := testEngine(t)
	e.Commands = [][]string{{"pm", "upgrade"}}
	e.Run = func(_ []string, _ []string, logFile *os.File) (int, error) {
		logFile.WriteString("upgraded 3 packages\n")
		return 0, nil
	}

	if _, err := e.RunUpdateCycle(); err != nil {
		t.Fatalf("RunUpdateCycle: %v", err)
	}

	path, err := e.logDir.CurrentPath()
	if err != nil {
		t.Fatalf("CurrentPath: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"START:", "upgraded 3 packages", "END:", "status=OK"} {
		if !strings.Contains(content, want) {
			t.Fatalf("log missing %q:\n%s", want, content)
		}
	}
}

package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/systemd"
	"github.com/updatewatch/agent/internal/updater"
	"github.com/updatewatch/agent/pkg/models"
)

func testDispatcher(t *testing.T) (*Dispatcher, *config.Store) {
	t.Helper()
	tmp := t.TempDir()
	paths := config.Paths{InstallDir: tmp, StateDir: tmp, LogDir: filepath.Join(tmp, "logs")}
	store := config.NewStore(paths)
	logDir := logs.NewDir(paths.LogDir)

	if err := store.Save(&config.AgentConfig{
		DashboardURL:        "https://dash.example.com",
		AgentID:             "a-1",
		AgentAPIToken:       "tok",
		PollIntervalSeconds: 60,
	}); err != nil {
		t.Fatal(err)
	}

	engine := updater.NewEngine(store, logDir)
	engine.Commands = [][]string{{"pm", "upgrade"}}
	engine.Run = func(_ []string, _ []string, _ *os.File) (int, error) { return 0, nil }

	return NewDispatcher(store, logDir, engine, systemd.NewSupervisor(), system.NewProvider()), store
}

type failingFetcher struct{}

func (failingFetcher) DownloadBundle(string) error {
	return errors.New("network down")
}

func TestHandleUnknownCommand(t *testing.T) {
	d, _ := testDispatcher(t)
	result, outcome := d.Handle(models.Command{ID: "c-1", Type: "SELF_DESTRUCT"}, nil)

	if result.Status != models.StatusError {
		t.Fatalf("status %q, want ERROR", result.Status)
	}
	if result.CommandID != "c-1" || result.AgentID != "a-1" {
		t.Fatalf("result identity %+v", result)
	}
	if outcome != (Outcome{}) {
		t.Fatalf("outcome %+v for unknown command", outcome)
	}
}

func TestHandleRunNow(t *testing.T) {
	d, store := testDispatcher(t)
	result, outcome := d.Handle(models.Command{ID: "c-2", Type: models.CmdRunNow}, nil)

	if result.Status != models.StatusDone {
		t.Fatalf("status %q: %s", result.Status, result.ErrorMessage)
	}
	if result.Result["status"] != "OK" {
		t.Fatalf("result %v", result.Result)
	}
	if outcome != (Outcome{}) {
		t.Fatalf("outcome %+v", outcome)
	}
	if store.ReadState().LastStatus != "OK" {
		t.Fatal("run state not persisted")
	}
}

func TestHandleSetPollInterval(t *testing.T) {
	d, store := testDispatcher(t)
	cmd := models.Command{
		ID:      "c-3",
		Type:    models.CmdSetPollInterval,
		Payload: map[string]any{"pollIntervalSeconds": float64(300)},
	}
	result, outcome := d.Handle(cmd, nil)
	if result.Status != models.StatusDone {
		t.Fatalf("status %q: %s", result.Status, result.ErrorMessage)
	}
	if !outcome.Restart {
		t.Fatal("interval change must request a poller restart")
	}

	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSeconds != 300 {
		t.Fatalf("pollIntervalSeconds = %d, want 300", cfg.PollIntervalSeconds)
	}
}

func TestHandleSetPollIntervalAcceptsAnyPositiveValue(t *testing.T) {
	d, store := testDispatcher(t)
	cmd := models.Command{
		ID:      "c-3b",
		Type:    models.CmdSetPollInterval,
		Payload: map[string]any{"pollIntervalSeconds": float64(5)},
	}
	result, _ := d.Handle(cmd, nil)
	if result.Status != models.StatusDone {
		t.Fatalf("status %q: %s", result.Status, result.ErrorMessage)
	}

	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSeconds != 5 {
		t.Fatalf("pollIntervalSeconds = %d, want 5", cfg.PollIntervalSeconds)
	}
}

func TestHandleSetPollIntervalRejectsBadValues(t *testing.T) {
	d, store := testDispatcher(t)
	for _, payload := range []map[string]any{
		nil,
		{"pollIntervalSeconds": "soon"},
		{"pollIntervalSeconds": float64(0)},
		{"pollIntervalSeconds": float64(-30)},
	} {
		result, outcome := d.Handle(models.Command{ID: "c", Type: models.CmdSetPollInterval, Payload: payload}, nil)
		if result.Status != models.StatusError {
			t.Errorf("payload %v accepted", payload)
		}
		if outcome.Restart {
			t.Errorf("payload %v requested a restart despite failing", payload)
		}
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollIntervalSeconds != 60 {
		t.Fatalf("config changed by rejected command: %d", cfg.PollIntervalSeconds)
	}
}

func TestHandleSetScheduleRejectsBadTime(t *testing.T) {
	d, _ := testDispatcher(t)
	cmd := models.Command{
		ID:      "c-4",
		Type:    models.CmdSetSchedule,
		Payload: map[string]any{"enabled": true, "dailyTime": "25:99"},
	}
	result, _ := d.Handle(cmd, nil)
	if result.Status != models.StatusError {
		t.Fatalf("invalid dailyTime accepted: %+v", result)
	}
}

func TestValidDailyTime(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"03:00", true},
		{"23:59", true},
		{"00:00", true},
		{"24:00", false},
		{"12:60", false},
		{"3:00", false},
		{"noon", false},
		{"", false},
		{"12:0a", false},
	}
	for _, tc := range cases {
		if got := validDailyTime(tc.in); got != tc.want {
			t.Errorf("validDailyTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestHandleUpdateAgentDownloadFailure(t *testing.T) {
	d, _ := testDispatcher(t)
	result, outcome := d.Handle(models.Command{ID: "c-5", Type: models.CmdUpdateAgent}, failingFetcher{})

	if result.Status != models.StatusError {
		t.Fatalf("status %q, want ERROR", result.Status)
	}
	if outcome.Restart {
		t.Fatal("failed update must not request a restart")
	}
}

func TestHandleListLogs(t *testing.T) {
	d, _ := testDispatcher(t)
	d.logDir.Append("hello")

	result, _ := d.Handle(models.Command{ID: "c-6", Type: models.CmdListLogs}, nil)
	if result.Status != models.StatusDone {
		t.Fatalf("status %q: %s", result.Status, result.ErrorMessage)
	}
	entries, ok := result.Result["logs"].([]models.LogEntry)
	if !ok || len(entries) != 1 {
		t.Fatalf("logs %v", result.Result["logs"])
	}
}

func TestHandleFetchLog(t *testing.T) {
	d, _ := testDispatcher(t)
	d.logDir.Append("fetch me")
	path, err := d.logDir.CurrentPath()
	if err != nil {
		t.Fatal(err)
	}

	result, _ := d.Handle(models.Command{
		ID:      "c-7",
		Type:    models.CmdFetchLog,
		Payload: map[string]any{"logName": filepath.Base(path)},
	}, nil)
	if result.Status != models.StatusDone {
		t.Fatalf("status %q: %s", result.Status, result.ErrorMessage)
	}
	content, _ := result.Result["content"].(string)
	if content == "" {
		t.Fatalf("result %v", result.Result)
	}

	missing, _ := d.Handle(models.Command{ID: "c-8", Type: models.CmdFetchLog}, nil)
	if missing.Status != models.StatusError {
		t.Fatal("FETCH_LOG without logName must fail")
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	d, _ := testDispatcher(t)
	d.engine = nil // forces a nil dereference inside the RUN_NOW handler

	result, outcome := d.Handle(models.Command{ID: "c-9", Type: models.CmdRunNow}, nil)
	if result.Status != models.StatusError {
		t.Fatalf("status %q, want ERROR after panic", result.Status)
	}
	if result.ErrorMessage == "" {
		t.Fatal("panic result has no error message")
	}
	if outcome != (Outcome{}) {
		t.Fatalf("outcome %+v after panic", outcome)
	}
}

package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/security"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/systemd"
	"github.com/updatewatch/agent/internal/updater"
	"github.com/updatewatch/agent/pkg/models"
)

// fakeDashboard is an httptest-backed dashboard that verifies request
// signatures and hands out at most one scripted command.
type fakeDashboard struct {
	t      *testing.T
	token  string
	signer *security.Signer

	mu          sync.Mutex
	polls       int
	skipHeaders []string
	lastPayload map[string]any
	command     *models.Command
	results     []models.CommandResult
}

func (f *fakeDashboard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/poll", f.poll)
	mux.HandleFunc("/api/agent/command-result", f.commandResult)
	return mux
}

func (f *fakeDashboard) verify(r *http.Request, payload any) {
	sig := security.Signature{
		Signature: r.Header.Get("X-Signature"),
		Timestamp: r.Header.Get("X-Timestamp"),
		Nonce:     r.Header.Get("X-Nonce"),
	}
	if sig.Signature == "" {
		f.t.Error("request not signed")
		return
	}
	if err := f.signer.Verify(payload, sig, f.token); err != nil {
		f.t.Errorf("signature verification: %v", err)
	}
}

func (f *fakeDashboard) poll(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		f.t.Errorf("decode poll payload: %v", err)
	}
	f.verify(r, payload)

	f.mu.Lock()
	f.polls++
	f.lastPayload = payload
	f.skipHeaders = append(f.skipHeaders, r.Header.Get("X-Skip-Command"))
	resp := models.PollResponse{}
	if r.Header.Get("X-Skip-Command") != "true" && f.command != nil {
		resp.Command = f.command
		f.command = nil
	}
	f.mu.Unlock()

	json.NewEncoder(w).Encode(resp)
}

func (f *fakeDashboard) commandResult(w http.ResponseWriter, r *http.Request) {
	var result models.CommandResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		f.t.Errorf("decode command result: %v", err)
	}
	f.verify(r, result)

	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func testPoller(t *testing.T) (*Poller, *config.Store, *fakeDashboard) {
	t.Helper()
	tmp := t.TempDir()
	paths := config.Paths{InstallDir: tmp, StateDir: tmp, LogDir: filepath.Join(tmp, "logs")}
	store := config.NewStore(paths)
	logDir := logs.NewDir(paths.LogDir)

	dash := &fakeDashboard{t: t, token: "tok", signer: security.NewSigner()}
	srv := httptest.NewServer(dash.handler())
	t.Cleanup(srv.Close)

	if err := store.Save(&config.AgentConfig{
		DashboardURL:        srv.URL,
		AgentID:             "a-1",
		DisplayName:         "web01",
		AgentAPIToken:       "tok",
		PollIntervalSeconds: 60,
	}); err != nil {
		t.Fatal(err)
	}

	engine := updater.NewEngine(store, logDir)
	engine.Commands = [][]string{{"pm", "upgrade"}}
	engine.Run = func(_ []string, _ []string, _ *os.File) (int, error) { return 0, nil }

	dispatcher := NewDispatcher(store, logDir, engine, systemd.NewSupervisor(), system.NewProvider())
	return NewPoller(store, logDir, dispatcher, systemd.NewSupervisor(), nil), store, dash
}

func TestPollOnceCheckIn(t *testing.T) {
	p, store, dash := testPoller(t)

	outcome, err := p.PollOnce(false)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if outcome != (Outcome{}) {
		t.Fatalf("outcome %+v with no command", outcome)
	}

	if dash.polls != 1 {
		t.Fatalf("polls = %d, want 1", dash.polls)
	}
	if dash.lastPayload["agentId"] != "a-1" || dash.lastPayload["displayName"] != "web01" {
		t.Fatalf("payload %v", dash.lastPayload)
	}
	if store.ReadState().LastPoll == "" {
		t.Fatal("lastPoll not persisted")
	}
}

func TestPollOnceExecutesCommandAndReports(t *testing.T) {
	p, _, dash := testPoller(t)
	dash.command = &models.Command{ID: "c-1", Type: models.CmdRunNow}

	if _, err := p.PollOnce(false); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if len(dash.results) != 1 {
		t.Fatalf("results = %d, want 1", len(dash.results))
	}
	result := dash.results[0]
	if result.CommandID != "c-1" || result.Status != models.StatusDone {
		t.Fatalf("result %+v", result)
	}
}

func TestPollOnceSkipCommand(t *testing.T) {
	p, _, dash := testPoller(t)
	dash.command = &models.Command{ID: "c-1", Type: models.CmdRunNow}

	if _, err := p.PollOnce(true); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if dash.skipHeaders[0] != "true" {
		t.Fatalf("skip header %q, want true", dash.skipHeaders[0])
	}
	if len(dash.results) != 0 {
		t.Fatal("skip poll must not consume the queued command")
	}

	// The command is still there for the service poller.
	if _, err := p.PollOnce(false); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(dash.results) != 1 {
		t.Fatalf("results = %d after normal poll, want 1", len(dash.results))
	}
}

func TestPollOnceMissingConfig(t *testing.T) {
	tmp := t.TempDir()
	paths := config.Paths{InstallDir: tmp, StateDir: tmp, LogDir: filepath.Join(tmp, "logs")}
	store := config.NewStore(paths)
	logDir := logs.NewDir(paths.LogDir)
	dispatcher := NewDispatcher(store, logDir, updater.NewEngine(store, logDir), systemd.NewSupervisor(), system.NewProvider())
	p := NewPoller(store, logDir, dispatcher, systemd.NewSupervisor(), nil)

	if _, err := p.PollOnce(false); err == nil {
		t.Fatal("PollOnce succeeded with no config")
	}
}

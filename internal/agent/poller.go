// Package agent runs the poll loop against the dashboard and dispatches
// the commands it returns.
package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/updatewatch/agent/internal/communicator"
	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/localweb"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/security"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/systemd"
	"github.com/updatewatch/agent/pkg/models"
)

// Poller is the long-running check-in loop. Configuration is re-read on
// every cycle so dashboard-pushed changes take effect without a restart.
type Poller struct {
	store      *config.Store
	logDir     *logs.Dir
	dispatcher *Dispatcher
	supervisor *systemd.Supervisor
	web        *localweb.Manager

	interval time.Duration
}

func NewPoller(store *config.Store, logDir *logs.Dir, dispatcher *Dispatcher, sup *systemd.Supervisor, web *localweb.Manager) *Poller {
	return &Poller{
		store:      store,
		logDir:     logDir,
		dispatcher: dispatcher,
		supervisor: sup,
		web:        web,
		interval:   60 * time.Second,
	}
}

// PollOnce performs one check-in: send the status payload, apply any local
// web config, execute at most one command, and report its result. With
// skipCommand the dashboard is told not to hand out a queued command, so a
// CLI-driven check-in never races the service poller.
func (p *Poller) PollOnce(skipCommand bool) (Outcome, error) {
	cfg, err := p.store.Load()
	if err != nil {
		return Outcome{}, err
	}
	p.interval = time.Duration(cfg.PollIntervalSeconds) * time.Second

	secCfg := security.LoadConfig(p.store.Paths.SecurityPath())
	pins := security.NewPinStore(p.store.Paths.CertPinsPath())
	client := communicator.New(cfg.DashboardURL, cfg.AgentID, cfg.AgentAPIToken, secCfg, pins)

	resp, err := client.Poll(p.buildPayload(cfg), skipCommand)
	if err != nil {
		return Outcome{}, fmt.Errorf("poll: %w", err)
	}

	state := p.store.ReadState()
	state.LastPoll = time.Now().UTC().Format(time.RFC3339)
	if err := p.store.WriteState(state); err != nil {
		log.Printf("poll: persist state: %v", err)
	}

	// Local web config is applied best effort; a bind or firewall failure
	// must not break the poll loop.
	if resp.LocalWeb != nil && p.web != nil {
		if err := p.web.ApplyConfig(*resp.LocalWeb); err != nil {
			log.Printf("poll: apply local web config: %v", err)
		}
	}

	if resp.Command == nil {
		return Outcome{}, nil
	}

	result, outcome := p.dispatcher.Handle(*resp.Command, client)
	if err := client.ReportResult(result); err != nil {
		log.Printf("poll: report result for %s: %v", resp.Command.ID, err)
		p.logDir.Append(fmt.Sprintf("report result %s failed: %v", resp.Command.ID, err))
	}
	return outcome, nil
}

func (p *Poller) buildPayload(cfg *config.AgentConfig) models.PollRequest {
	state := p.store.ReadState()
	return models.PollRequest{
		AgentID:             cfg.AgentID,
		DisplayName:         cfg.DisplayName,
		Hostname:            system.Hostname(),
		IP:                  system.PrimaryIP(),
		AgentVersion:        p.store.Version(),
		LastSeenAt:          time.Now().UTC().Format(time.RFC3339),
		LastRunAt:           state.LastRunAt,
		LastStatus:          state.LastStatus,
		LastExitCode:        state.LastExitCode,
		LastDurationSeconds: state.LastDurationSeconds,
		Schedule: models.Schedule{
			Enabled:   cfg.Schedule.Enabled,
			DailyTime: cfg.Schedule.DailyTime,
		},
		UptimeSeconds:  system.UptimeSeconds(),
		RebootRequired: system.RebootRequired(),
	}
}

// Run polls until the context is canceled, a command requests a restart, or
// the agent is uninstalled. Poll errors are logged and retried on the next
// interval; the loop itself never dies on them.
func (p *Poller) Run(ctx context.Context) error {
	p.restoreWeb()

	for {
		outcome, err := p.PollOnce(false)
		if err != nil {
			log.Printf("poll cycle: %v", err)
		}

		switch {
		case outcome.Exit:
			log.Printf("agent uninstalling, poll loop exiting")
			if p.web != nil {
				// Full teardown: the firewall port must not outlive the agent.
				p.web.Stop()
			}
			return nil
		case outcome.Restart:
			log.Printf("restarting poller service")
			if p.web != nil {
				p.web.Shutdown()
			}
			if err := p.supervisor.Restart(); err != nil {
				log.Printf("restart: %v", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			if p.web != nil {
				p.web.Shutdown()
			}
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// restoreWeb brings the local web server back after a process restart when
// it was enabled before.
func (p *Poller) restoreWeb() {
	if p.web == nil {
		return
	}
	var ssl models.SSLConfig
	if cfg, err := p.store.Load(); err == nil && cfg.LocalWeb != nil {
		ssl = models.SSLConfig{
			Enabled:  cfg.LocalWeb.SSL.Enabled,
			CertPath: cfg.LocalWeb.SSL.CertPath,
			KeyPath:  cfg.LocalWeb.SSL.KeyPath,
		}
	}
	p.web.RestoreFromState(ssl)
}

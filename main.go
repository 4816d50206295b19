package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/updatewatch/agent/internal/agent"
	"github.com/updatewatch/agent/internal/auth"
	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/firewall"
	"github.com/updatewatch/agent/internal/localweb"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/systemd"
	"github.com/updatewatch/agent/internal/updater"
)

type program struct {
	poller *agent.Poller
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.poller.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("poller: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	log.Println("stopping UpdateWatch Agent")
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
	}
	return nil
}

type wiring struct {
	store  *config.Store
	logDir *logs.Dir
	engine *updater.Engine
	fw     *firewall.Controller
	poller *agent.Poller
}

func buildAgent() *wiring {
	paths := config.DefaultPaths()
	store := config.NewStore(paths)
	logDir := logs.NewDir(paths.LogDir)
	sup := systemd.NewSupervisor()
	info := system.NewProvider()
	engine := updater.NewEngine(store, logDir)

	fw := firewall.NewController(paths.FirewallStatePath())
	web := localweb.NewManager(paths.LocalWebStatePath(), fw, localweb.Deps{
		Store:    store,
		LogDir:   logDir,
		Auth:     auth.NewProvider(nil),
		Sessions: auth.NewSessionStore(time.Hour),
		Info:     info,
		Firewall: fw,
		Runner:   engine,
	})

	dispatcher := agent.NewDispatcher(store, logDir, engine, sup, info)
	return &wiring{
		store:  store,
		logDir: logDir,
		engine: engine,
		fw:     fw,
		poller: agent.NewPoller(store, logDir, dispatcher, sup, web),
	}
}

func main() {
	svcConfig := &service.Config{
		Name:        "updatewatch-agent",
		DisplayName: "UpdateWatch Agent",
		Description: "UpdateWatch package update and monitoring agent",
	}

	w := buildAgent()
	prg := &program{poller: w.poller}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(os.Args) > 1 {
		switch cmd := os.Args[1]; cmd {
		case "install":
			if err := s.Install(); err != nil {
				log.Fatalf("install service: %v", err)
			}
			log.Println("service installed")
		case "uninstall":
			// Full inline teardown: service registration, tracked firewall
			// ports, units, binary, and install tree.
			if err := s.Uninstall(); err != nil {
				log.Printf("remove service registration: %v", err)
			}
			w.fw.CloseAllTrackedPorts()
			if err := systemd.NewSupervisor().Uninstall(true); err != nil {
				log.Fatalf("uninstall: %v", err)
			}
			log.Println("agent removed")
		case "start":
			if err := s.Start(); err != nil {
				log.Fatalf("start service: %v", err)
			}
			log.Println("service started")
		case "stop":
			if err := s.Stop(); err != nil {
				log.Fatalf("stop service: %v", err)
			}
			log.Println("service stopped")
		case "set-url":
			if len(os.Args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: updatewatch-agent set-url <dashboard-url>")
				os.Exit(2)
			}
			setDashboardURL(w.store, os.Args[2])
		case "run-update":
			runUpdate(w)
		case "poll-once":
			pollOnce(w)
		case "status":
			printStatus(w)
		case "version":
			fmt.Println(w.store.Version())
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
			fmt.Fprintln(os.Stderr, "usage: updatewatch-agent [install|uninstall|start|stop|set-url|run-update|poll-once|status|version]")
			os.Exit(2)
		}
		return
	}

	// Interactive runs stop cleanly on SIGINT/SIGTERM; under systemd the
	// service manager drives Start/Stop.
	if service.Interactive() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			prg.Stop(nil)
			os.Exit(0)
		}()
	}

	if err := s.Run(); err != nil {
		log.Fatal(err)
	}
}

// setDashboardURL rewrites the configured dashboard address through the
// normalization helper so hand-typed values land in canonical form.
func setDashboardURL(store *config.Store, raw string) {
	normalized, err := config.NormalizeDashboardURL(raw)
	if err != nil {
		log.Fatalf("set-url: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		log.Fatalf("set-url: %v", err)
	}
	cfg.DashboardURL = normalized
	if err := store.Save(cfg); err != nil {
		log.Fatalf("set-url: %v", err)
	}
	fmt.Printf("dashboard url set to %s\n", normalized)
}

// runUpdate executes one package update cycle inline. Used by the systemd
// run unit and for manual runs; the run lock keeps it from overlapping a
// dashboard-triggered cycle.
func runUpdate(w *wiring) {
	result, err := w.engine.RunUpdateCycle()
	if err == updater.ErrAlreadyRunning {
		fmt.Fprintln(os.Stderr, "another update cycle is already running")
		os.Exit(1)
	}
	fmt.Printf("status=%s exit=%d duration=%ds\n", result.Status, result.ExitCode, result.DurationSeconds)
	if result.Status != "OK" {
		os.Exit(1)
	}
}

// pollOnce performs a single check-in without consuming a queued command,
// so a manual poll never steals work from the running service.
func pollOnce(w *wiring) {
	if _, err := w.poller.PollOnce(true); err != nil {
		log.Fatalf("poll: %v", err)
	}
	fmt.Println("poll ok")
}

func printStatus(w *wiring) {
	state := w.store.ReadState()
	out := map[string]any{
		"version":        w.store.Version(),
		"hostname":       system.Hostname(),
		"ip":             system.PrimaryIP(),
		"lastPoll":       state.LastPoll,
		"lastRunAt":      state.LastRunAt,
		"lastStatus":     state.LastStatus,
		"lastUpdate":     state.LastUpdate,
		"rebootRequired": system.RebootRequired(),
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}

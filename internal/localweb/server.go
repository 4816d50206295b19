package localweb

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/updatewatch/agent/internal/auth"
	"github.com/updatewatch/agent/internal/config"
	"github.com/updatewatch/agent/internal/firewall"
	"github.com/updatewatch/agent/internal/logs"
	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/pkg/models"
)

// UpdateRunner triggers one package update cycle from the web UI.
type UpdateRunner interface {
	RunUpdateCycle() (models.RunResult, error)
}

// FirewallStatus exposes the firewall document for /api/firewall.
type FirewallStatus interface {
	Status() firewall.Status
}

// Deps are the collaborators every request handler needs, injected at
// construction instead of reached through globals.
type Deps struct {
	Store    *config.Store
	LogDir   *logs.Dir
	Auth     *auth.Provider
	Sessions *auth.SessionStore
	Info     *system.Provider
	Firewall FirewallStatus
	Runner   UpdateRunner
}

// Server is one running instance of the local web listener. A new instance
// is created per start; stop-and-restart never reuses one.
type Server struct {
	http *http.Server
	ln   net.Listener
	tls  bool
}

// startServer binds the port, optionally wraps the listener in TLS when
// certificate and key files both exist, and begins serving.
func startServer(port int, ssl models.SSLConfig, deps Deps, mgr *Manager) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	srv := &Server{ln: ln}

	if ssl.Enabled && ssl.CertPath != "" && ssl.KeyPath != "" {
		if _, err := os.Stat(ssl.CertPath); err == nil {
			if _, err := os.Stat(ssl.KeyPath); err == nil {
				cert, err := tls.LoadX509KeyPair(ssl.CertPath, ssl.KeyPath)
				if err != nil {
					ln.Close()
					return nil, fmt.Errorf("load tls keypair: %w", err)
				}
				srv.ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
				srv.tls = true
			}
		}
	}

	h := &handlers{deps: deps, mgr: mgr, secure: srv.tls}
	srv.http = &http.Server{
		Handler:           h.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.http.Serve(srv.ln); err != nil && err != http.ErrServerClosed {
			log.Printf("localweb: serve: %v", err)
		}
	}()

	scheme := "http"
	if srv.tls {
		scheme = "https"
	}
	log.Printf("localweb: serving %s://0.0.0.0:%d", scheme, port)
	return srv, nil
}

// Shutdown stops the listener and lets in-flight requests drain.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (h *handlers) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/login", h.loginPage)
	r.Post("/login", h.loginSubmit)
	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/", h.dashboard)
		r.Get("/api/status", h.apiStatus)
		r.Get("/api/info", h.apiInfo)
		r.Get("/api/logs", h.apiLogs)
		r.Get("/api/firewall", h.apiFirewall)
		r.Post("/api/run-update", h.apiRunUpdate)
		r.Get("/logout", h.logout)
	})

	return r
}

package localweb

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/updatewatch/agent/internal/system"
	"github.com/updatewatch/agent/internal/updater"
)

type contextKey string

const userKey contextKey = "localweb.user"

type handlers struct {
	deps   Deps
	mgr    *Manager
	secure bool
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sessionToken pulls the token from the Authorization header, then the
// session cookie.
func sessionToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}

// requireSession gates the authenticated routes. Unauthenticated GETs are
// redirected to the login form; anything else gets a 401 JSON error.
func (h *handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := h.deps.Sessions.Validate(sessionToken(r))
		if !ok {
			if r.Method == http.MethodGet {
				http.Redirect(w, r, "/login", http.StatusFound)
			} else {
				h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, username)))
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) loginPage(w http.ResponseWriter, r *http.Request) {
	renderLogin(w, r.URL.Query().Get("error"))
}

func (h *handlers) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/login?error="+url.QueryEscape("Invalid form"), http.StatusFound)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		http.Redirect(w, r, "/login?error="+url.QueryEscape("Credentials required"), http.StatusFound)
		return
	}

	if err := h.deps.Auth.Authenticate(username, password); err != nil {
		log.Printf("localweb: login failed for %q", username)
		http.Redirect(w, r, "/login?error="+url.QueryEscape("Invalid credentials"), http.StatusFound)
		return
	}

	token, err := h.deps.Sessions.Create(username)
	if err != nil {
		http.Redirect(w, r, "/login?error="+url.QueryEscape("Session error"), http.StatusFound)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
	log.Printf("localweb: login for %q", username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		h.deps.Sessions.Destroy(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	username, _ := r.Context().Value(userKey).(string)
	state := h.deps.Store.ReadState()
	renderDashboard(w, dashboardData{
		Username:       username,
		Hostname:       system.Hostname(),
		IP:             system.PrimaryIP(),
		Version:        h.deps.Store.Version(),
		LastPoll:       state.LastPoll,
		LastRunAt:      state.LastRunAt,
		LastStatus:     state.LastStatus,
		LastUpdate:     state.LastUpdate,
		RebootRequired: system.RebootRequired(),
	})
}

// apiStatus reads config and state fresh on every request; the poller may
// have rewritten them since the last hit.
func (h *handlers) apiStatus(w http.ResponseWriter, _ *http.Request) {
	state := h.deps.Store.ReadState()
	doc := map[string]any{
		"status":         "online",
		"hostname":       system.Hostname(),
		"ip":             system.PrimaryIP(),
		"version":        h.deps.Store.Version(),
		"lastPoll":       state.LastPoll,
		"lastUpdate":     state.LastUpdate,
		"rebootRequired": system.RebootRequired(),
	}
	if h.mgr != nil {
		doc["localWeb"] = h.mgr.Status()
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) apiInfo(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.deps.Info.Collect()
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) apiLogs(w http.ResponseWriter, _ *http.Request) {
	lines, err := h.deps.LogDir.Tail(100)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (h *handlers) apiFirewall(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Firewall == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}
	status := h.deps.Firewall.Status()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"available":    true,
		"firewallType": status.Type,
		"active":       status.Active,
		"openedPorts":  status.OpenedPorts,
	})
}

func (h *handlers) apiRunUpdate(w http.ResponseWriter, _ *http.Request) {
	result, err := h.deps.Runner.RunUpdateCycle()
	if errors.Is(err, updater.ErrAlreadyRunning) {
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  result.Status == "OK",
		"status":   result.Status,
		"exitCode": result.ExitCode,
		"duration": result.DurationSeconds,
		"message":  result.Message,
	})
}

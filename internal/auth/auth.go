// Package auth authenticates local web logins against the host's own user
// database, through PAM when available and the shadow file otherwise.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/msteinert/pam/v2"
)

// ErrAuthFailed is the only error surfaced to callers for credential or
// backend failures, so a client can never learn which stage rejected it.
var ErrAuthFailed = errors.New("authentication failed")

// Backend is one way of checking a password against the system.
type Backend interface {
	Name() string
	Authenticate(username, password string) error
}

// Provider validates usernames, enforces the group allow-list, and
// delegates to the first backend that accepts the credentials.
type Provider struct {
	backends      []Backend
	allowedGroups []string
}

// NewProvider probes backend availability once; the probe result is fixed
// for the life of the provider. An empty allow-list means any system user
// may log in.
func NewProvider(allowedGroups []string) *Provider {
	p := &Provider{allowedGroups: allowedGroups}

	if _, err := os.Stat("/etc/pam.d"); err == nil {
		p.backends = append(p.backends, &pamBackend{
			services: []string{"login", "system-auth", "sshd", "su"},
		})
		log.Printf("auth: PAM backend available")
	}
	if _, err := os.Stat("/etc/shadow"); err == nil {
		p.backends = append(p.backends, &shadowBackend{path: "/etc/shadow"})
		log.Printf("auth: shadow backend available")
	}
	if len(p.backends) == 0 {
		log.Printf("auth: no authentication backend available")
	}
	return p
}

// NewProviderWithBackends is used by tests.
func NewProviderWithBackends(allowedGroups []string, backends ...Backend) *Provider {
	return &Provider{backends: backends, allowedGroups: allowedGroups}
}

// ValidUsername accepts alphanumeric names, with underscore and hyphen
// ignored for the check. Everything else is rejected before any lookup.
func ValidUsername(username string) bool {
	if username == "" {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Authenticate runs the full chain: format check, system-user existence,
// group allow-list, then each backend in order. Every failure path returns
// ErrAuthFailed.
func (p *Provider) Authenticate(username, password string) error {
	if !ValidUsername(username) || password == "" {
		return ErrAuthFailed
	}

	u, err := user.Lookup(username)
	if err != nil {
		log.Printf("auth: login attempt for unknown user %q", username)
		return ErrAuthFailed
	}

	if len(p.allowedGroups) > 0 && !p.userInGroups(u) {
		log.Printf("auth: user %q not in allowed groups", username)
		return ErrAuthFailed
	}

	for _, backend := range p.backends {
		if err := backend.Authenticate(username, password); err == nil {
			log.Printf("auth: %s authentication succeeded for %q", backend.Name(), username)
			return nil
		}
	}

	log.Printf("auth: authentication failed for %q", username)
	return ErrAuthFailed
}

func (p *Provider) userInGroups(u *user.User) bool {
	ids, err := u.GroupIds()
	if err != nil {
		return false
	}
	names := make(map[string]bool, len(ids))
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			continue
		}
		names[g.Name] = true
	}
	for _, allowed := range p.allowedGroups {
		if names[allowed] {
			return true
		}
	}
	return false
}

type pamBackend struct {
	services []string
}

func (b *pamBackend) Name() string { return "pam" }

func (b *pamBackend) Authenticate(username, password string) error {
	var lastErr error
	for _, service := range b.services {
		tx, err := pam.StartFunc(service, username, func(style pam.Style, _ string) (string, error) {
			switch style {
			case pam.PromptEchoOff:
				return password, nil
			case pam.PromptEchoOn:
				return username, nil
			}
			return "", fmt.Errorf("unsupported pam prompt style %d", style)
		})
		if err != nil {
			lastErr = err
			continue
		}
		err = tx.Authenticate(0)
		tx.End()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no pam service accepted the credentials")
	}
	return lastErr
}

type shadowBackend struct {
	path string
}

func (b *shadowBackend) Name() string { return "shadow" }

func (b *shadowBackend) Authenticate(username, password string) error {
	hash, err := b.lookupHash(username)
	if err != nil {
		return err
	}
	if strings.HasPrefix(hash, "!") || strings.HasPrefix(hash, "*") {
		return errors.New("account disabled")
	}
	crypter := crypt.NewFromHash(hash)
	if crypter == nil {
		return errors.New("unsupported password hash")
	}
	return crypter.Verify(hash, []byte(password))
}

func (b *shadowBackend) lookupHash(username string) (string, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return "", fmt.Errorf("read shadow file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 2 && fields[0] == username {
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan shadow file: %w", err)
	}
	return "", fmt.Errorf("no shadow entry for %q", username)
}

package auth

import (
	"errors"
	"os/user"
	"testing"
)

func TestValidUsername(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"root", true},
		{"deploy-user", true},
		{"svc_account", true},
		{"User123", true},
		{"", false},
		{"bad name", false},
		{"semi;colon", false},
		{"dot.ted", false},
		{"../etc", false},
		{"tab\tname", false},
	}
	for _, tc := range cases {
		if got := ValidUsername(tc.name); got != tc.want {
			t.Errorf("ValidUsername(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type fakeBackend struct {
	password string
	calls    int
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Authenticate(_, password string) error {
	b.calls++
	if password == b.password {
		return nil
	}
	return errors.New("bad password")
}

// existingUser picks a user known to the host so Authenticate gets past the
// system-user lookup.
func existingUser(t *testing.T) string {
	t.Helper()
	if _, err := user.Lookup("root"); err == nil {
		return "root"
	}
	u, err := user.Current()
	if err != nil || !ValidUsername(u.Username) {
		t.Skip("no suitable system user for auth tests")
	}
	return u.Username
}

func TestAuthenticateBackendChain(t *testing.T) {
	username := existingUser(t)
	rejecting := &fakeBackend{password: "never-matches-1"}
	accepting := &fakeBackend{password: "s3cret"}
	p := NewProviderWithBackends(nil, rejecting, accepting)

	if err := p.Authenticate(username, "s3cret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if rejecting.calls != 1 || accepting.calls != 1 {
		t.Fatalf("backend calls = %d/%d, want 1/1", rejecting.calls, accepting.calls)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	username := existingUser(t)
	backend := &fakeBackend{password: "s3cret"}
	p := NewProviderWithBackends(nil, backend)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", username, "nope"},
		{"empty password", username, ""},
		{"invalid username", "bad name", "s3cret"},
		{"unknown user", "nosuchuser-xyzq", "s3cret"},
	}
	for _, tc := range cases {
		if err := p.Authenticate(tc.username, tc.password); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("%s: got %v, want ErrAuthFailed", tc.name, err)
		}
	}
}

func TestAuthenticateNoBackends(t *testing.T) {
	p := NewProviderWithBackends(nil)
	if err := p.Authenticate(existingUser(t), "anything"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticateGroupAllowList(t *testing.T) {
	username := existingUser(t)
	backend := &fakeBackend{password: "s3cret"}
	p := NewProviderWithBackends([]string{"no-such-group-xyzq"}, backend)

	if err := p.Authenticate(username, "s3cret"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed for user outside allow-list", err)
	}
	if backend.calls != 0 {
		t.Fatalf("backend consulted for disallowed user")
	}
}

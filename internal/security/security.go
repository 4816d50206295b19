// Package security implements request signing with replay protection and
// optional certificate pinning for the dashboard connection.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/updatewatch/agent/internal/config"
)

// DefaultMaxAge is the replay window: requests older than this are rejected
// even with a valid signature.
const DefaultMaxAge = 5 * time.Minute

var (
	ErrBadSignature = errors.New("signature mismatch")
	ErrStale        = errors.New("timestamp outside allowed window")
)

// Config controls transport security. Missing security.json falls back to
// these defaults; allowSelfSigned defaults on so fresh installs can talk to
// dashboards with self-signed certificates.
type Config struct {
	VerifyTLS       bool `json:"verifyTls"`
	AllowSelfSigned bool `json:"allowSelfSigned"`
	SignRequests    bool `json:"signRequests"`
}

func DefaultConfig() Config {
	return Config{VerifyTLS: true, AllowSelfSigned: true, SignRequests: true}
}

// LoadConfig reads security.json, returning defaults when the file is
// missing or unreadable.
func LoadConfig(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig()
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig()
	}
	return cfg
}

func SaveConfig(path string, cfg Config) error {
	return config.WriteJSONAtomic(path, cfg)
}

// Signature is the signed envelope attached to outgoing requests as the
// X-Signature / X-Timestamp / X-Nonce headers.
type Signature struct {
	Signature string
	Timestamp string
	Nonce     string
}

// Signer produces and verifies HMAC-SHA256 request signatures.
type Signer struct {
	MaxAge time.Duration
}

func NewSigner() *Signer {
	return &Signer{MaxAge: DefaultMaxAge}
}

// canonicalize renders the payload with stable key ordering and no
// extraneous whitespace so both sides compute the HMAC over identical bytes.
// encoding/json sorts map keys, so a marshal round-trip is sufficient.
func canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return json.Marshal(generic)
}

// Sign computes HMAC-SHA256 over "timestamp.nonce.canonicalPayload" keyed
// by the shared secret.
func (s *Signer) Sign(payload any, secretKey string) (Signature, error) {
	return s.sign(payload, secretKey, uuid.NewString(), strconv.FormatInt(time.Now().Unix(), 10))
}

func (s *Signer) sign(payload any, secretKey, nonce, timestamp string) (Signature, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return Signature{}, err
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	fmt.Fprintf(mac, "%s.%s.%s", timestamp, nonce, canonical)
	return Signature{
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Timestamp: timestamp,
		Nonce:     nonce,
	}, nil
}

// Verify recomputes the signature and compares in constant time, rejecting
// requests whose timestamp falls outside the replay window.
func (s *Signer) Verify(payload any, sig Signature, secretKey string) error {
	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrStale, sig.Timestamp)
	}
	age := time.Since(time.Unix(ts, 0))
	if age > s.maxAge() || age < -s.maxAge() {
		return ErrStale
	}

	expected, err := s.sign(payload, secretKey, sig.Nonce, sig.Timestamp)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected.Signature), []byte(sig.Signature)) != 1 {
		return ErrBadSignature
	}
	return nil
}

func (s *Signer) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return s.MaxAge
}

// PinStore holds pinned certificate fingerprints per hostname. A hostname
// with no pin accepts any validly signed certificate; a pinned hostname
// requires an exact SHA-256 fingerprint match.
type PinStore struct {
	path string

	mu   sync.Mutex
	pins map[string]string
}

func NewPinStore(path string) *PinStore {
	ps := &PinStore{path: path, pins: map[string]string{}}
	data, err := os.ReadFile(path)
	if err == nil {
		var pins map[string]string
		if json.Unmarshal(data, &pins) == nil {
			ps.pins = pins
		}
	}
	return ps
}

func (ps *PinStore) Pin(hostname, fingerprint string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pins[hostname] = strings.ToLower(fingerprint)
	return config.WriteJSONAtomic(ps.path, ps.pins)
}

func (ps *PinStore) Get(hostname string) (string, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	pin, ok := ps.pins[hostname]
	return pin, ok
}

// VerifyCert checks a presented certificate against the stored pin.
func (ps *PinStore) VerifyCert(hostname string, cert *x509.Certificate) bool {
	pin, ok := ps.Get(hostname)
	if !ok {
		return true
	}
	sum := sha256.Sum256(cert.Raw)
	fingerprint := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(fingerprint), []byte(strings.ToLower(pin))) == 1
}

// VerifyPeer is a crypto/tls VerifyPeerCertificate hook bound to a hostname.
func (ps *PinStore) VerifyPeer(hostname string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate presented")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		if !ps.VerifyCert(hostname, cert) {
			return fmt.Errorf("certificate for %s does not match pinned fingerprint", hostname)
		}
		return nil
	}
}

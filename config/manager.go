package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/poller"
	"github.com/ahmed-com/telemetry-agent/state"
)

// ErrUnknownPoller is returned for a poller that was never registered
var ErrUnknownPoller = errors.New("unknown poller")

const base64Prefix = "base64:"

var _ poller.Manager = (*Manager)(nil)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLookupEnv replaces the environment lookup used to resolve $VAR secrets
func WithLookupEnv(fn func(string) (string, bool)) ManagerOption {
	return func(m *Manager) {
		m.lookupEnv = fn
	}
}

// Manager serves the declared targets to the pollers and persists their state
// through a state backend
type Manager struct {
	mu        sync.Mutex
	targets   map[string]telemetry.Target
	decrypted map[string]*telemetry.Target

	backend   state.Backend
	lookupEnv func(string) (string, bool)
}

// NewManager creates a manager. A nil backend disables persistence.
func NewManager(backend state.Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		targets:   make(map[string]telemetry.Target),
		decrypted: make(map[string]*telemetry.Target),
		backend:   backend,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register declares the target of a poller, replacing a previous one
func (m *Manager) Register(pollerID string, target telemetry.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.targets[pollerID] = cloneTarget(target)
	delete(m.decrypted, pollerID)
}

// Unregister forgets a poller target
func (m *Manager) Unregister(pollerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.targets, pollerID)
	delete(m.decrypted, pollerID)
}

// GetConfig returns a copy of the poller target. With decrypt set, secret
// references are resolved; failures are reported as *telemetry.ConfigError.
func (m *Manager) GetConfig(ctx context.Context, pollerID string, decrypt bool) (*telemetry.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.targets[pollerID]
	if !ok {
		return nil, &telemetry.ConfigError{PollerID: pollerID, Err: ErrUnknownPoller}
	}
	target := cloneTarget(raw)
	if !decrypt {
		return &target, nil
	}

	var err error
	if target.Passphrase, err = m.resolve(target.Passphrase); err != nil {
		return nil, &telemetry.ConfigError{PollerID: pollerID, Err: fmt.Errorf("target passphrase: %w", err)}
	}
	if d := target.Diagnostics; d != nil {
		if d.Passphrase, err = m.resolve(d.Passphrase); err != nil {
			return nil, &telemetry.ConfigError{PollerID: pollerID, Err: fmt.Errorf("diagnostics passphrase: %w", err)}
		}
	}

	m.decrypted[pollerID] = &target
	out := cloneTarget(target)
	return &out, nil
}

// CleanupConfig drops the decrypted copy kept for the poller
func (m *Manager) CleanupConfig(ctx context.Context, pollerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.decrypted[pollerID]; ok {
		t.Passphrase = ""
		if t.Diagnostics != nil {
			t.Diagnostics.Passphrase = ""
		}
		delete(m.decrypted, pollerID)
	}
}

// Decrypted reports whether a decrypted target is currently held for the poller
func (m *Manager) Decrypted(pollerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.decrypted[pollerID]
	return ok
}

// GetStorage loads the persisted state of a poller
func (m *Manager) GetStorage(ctx context.Context, pollerID string) (*telemetry.PollerState, error) {
	if m.backend == nil {
		return nil, nil
	}
	return m.backend.GetStorage(ctx, pollerID)
}

// SaveStorage persists the state of a poller
func (m *Manager) SaveStorage(ctx context.Context, pollerID string, st *telemetry.PollerState) error {
	if m.backend == nil {
		return nil
	}
	return m.backend.SaveStorage(ctx, pollerID, st)
}

func (m *Manager) resolve(secret string) (string, error) {
	return ResolveSecret(secret, m.lookupEnv)
}

// ResolveSecret resolves a secret reference. "$NAME" and "${NAME}" read an
// environment variable, "base64:" values are decoded, anything else is returned as is.
func ResolveSecret(secret string, lookupEnv func(string) (string, bool)) (string, error) {
	switch {
	case strings.HasPrefix(secret, "${") && strings.HasSuffix(secret, "}"):
		return lookup(secret[2:len(secret)-1], lookupEnv)
	case strings.HasPrefix(secret, "$") && len(secret) > 1:
		return lookup(secret[1:], lookupEnv)
	case strings.HasPrefix(secret, base64Prefix):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, base64Prefix))
		if err != nil {
			return "", fmt.Errorf("invalid base64 secret: %w", err)
		}
		return string(decoded), nil
	default:
		return secret, nil
	}
}

func lookup(name string, lookupEnv func(string) (string, bool)) (string, error) {
	if name == "" {
		return "", errors.New("empty environment variable reference")
	}
	value, ok := lookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}

func cloneTarget(t telemetry.Target) telemetry.Target {
	if t.Diagnostics != nil {
		d := *t.Diagnostics
		t.Diagnostics = &d
	}
	return t
}

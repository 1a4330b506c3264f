// Package manager routes sandbox operations to the right provider.
//
// The manager holds no per-session state: the session row's
// (provider, provider_id) pair is the only record of where a sandbox
// lives, so a relay restart loses nothing.
package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/sandbox"
)

// Manager dispatches sandbox calls by provider name.
type Manager struct {
	providers map[string]sandbox.Provider
	log       *slog.Logger
}

// New creates a manager over the given providers.
func New(log *slog.Logger, providers ...sandbox.Provider) *Manager {
	m := &Manager{
		providers: make(map[string]sandbox.Provider, len(providers)),
		log:       log,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// Provider returns the named provider.
func (m *Manager) Provider(name string) (sandbox.Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("no sandbox provider %q", name)
	}
	return p, nil
}

// handleFor extracts the sandbox handle recorded on a session.
func (m *Manager) handleFor(sess *model.Session) (sandbox.Provider, sandbox.Handle, error) {
	if !sess.HasSandbox() {
		return nil, sandbox.Handle{}, fmt.Errorf("session %s has no sandbox", sess.ID)
	}
	p, err := m.Provider(sess.Provider)
	if err != nil {
		return nil, sandbox.Handle{}, err
	}
	return p, sandbox.Handle{Provider: sess.Provider, ID: sess.ProviderID}, nil
}

// Create provisions a stopped sandbox with the named provider.
func (m *Manager) Create(ctx context.Context, providerName string, cfg sandbox.CreateConfig) (sandbox.Handle, error) {
	p, err := m.Provider(providerName)
	if err != nil {
		return sandbox.Handle{}, err
	}
	h, err := p.Create(ctx, cfg)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("creating sandbox: %w", err)
	}
	m.log.Info("sandbox created", "session_id", cfg.SessionID, "provider", providerName, "sandbox_id", h.ID)
	return h, nil
}

// Attach claims the stdio of the session's sandbox.
func (m *Manager) Attach(ctx context.Context, sess *model.Session) (*sandbox.Streams, error) {
	p, h, err := m.handleFor(sess)
	if err != nil {
		return nil, err
	}
	return p.Attach(ctx, h)
}

// Resume starts the session's sandbox.
func (m *Manager) Resume(ctx context.Context, sess *model.Session, envOverrides map[string]string) error {
	p, h, err := m.handleFor(sess)
	if err != nil {
		return err
	}
	if _, err := p.Resume(ctx, h, envOverrides); err != nil {
		return fmt.Errorf("resuming sandbox: %w", err)
	}
	m.log.Info("sandbox resumed", "session_id", sess.ID, "provider", h.Provider, "sandbox_id", h.ID)
	return nil
}

// Pause stops the session's sandbox, keeping its state.
func (m *Manager) Pause(ctx context.Context, sess *model.Session) error {
	p, h, err := m.handleFor(sess)
	if err != nil {
		return err
	}
	if err := p.Pause(ctx, h); err != nil {
		return fmt.Errorf("pausing sandbox: %w", err)
	}
	m.log.Info("sandbox paused", "session_id", sess.ID, "provider", h.Provider, "sandbox_id", h.ID)
	return nil
}

// Terminate destroys the session's sandbox.
func (m *Manager) Terminate(ctx context.Context, sess *model.Session) error {
	p, h, err := m.handleFor(sess)
	if err != nil {
		return err
	}
	if err := p.Terminate(ctx, h); err != nil {
		return fmt.Errorf("terminating sandbox: %w", err)
	}
	m.log.Info("sandbox terminated", "session_id", sess.ID, "provider", h.Provider, "sandbox_id", h.ID)
	return nil
}

// Status reports the phase of the session's sandbox.
func (m *Manager) Status(ctx context.Context, sess *model.Session) (sandbox.Status, error) {
	p, h, err := m.handleFor(sess)
	if err != nil {
		return sandbox.Status{Phase: sandbox.PhaseUnknown}, err
	}
	return p.Status(ctx, h)
}

// Package sandbox defines the provider capability contract for isolated
// agent execution environments.
//
// A sandbox is created in a stopped state, started by resume, and
// addressed through an opaque per-provider handle. Streams carry
// line-delimited JSON in both directions: commands in on stdin, events
// out on stdout. Secrets flow only through create/resume env maps; they
// are never journaled or logged.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Provider names accepted by SANDBOX_PROVIDER.
const (
	ProviderMock       = "mock"
	ProviderDocker     = "docker"
	ProviderCloudflare = "cloudflare"
)

var (
	// ErrNotFound means the provider has no sandbox for the handle.
	ErrNotFound = errors.New("sandbox: not found")
	// ErrNotRunning means the operation requires a running sandbox.
	ErrNotRunning = errors.New("sandbox: not running")
	// ErrAlreadyAttached means the sandbox stdio is already claimed.
	ErrAlreadyAttached = errors.New("sandbox: already attached")
	// ErrRestoreFailed means a resume could not restore backed-up state.
	ErrRestoreFailed = errors.New("sandbox: restore failed")
)

// TransientError wraps provider failures that are worth one retry
// (timeouts, 5xx from the remote worker, transient container errors).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Handle identifies a sandbox. ID is opaque outside its provider.
type Handle struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// Phase is the coarse sandbox lifecycle phase.
type Phase string

const (
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
	PhaseStopped Phase = "stopped"
	PhaseUnknown Phase = "unknown"
)

// Status reports the sandbox phase and whether a state backup exists.
type Status struct {
	Phase     Phase `json:"phase"`
	HasBackup bool  `json:"has_backup"`
}

// CreateConfig configures a new sandbox.
type CreateConfig struct {
	SessionID    string
	Image        string
	RepoCloneURL string
	Branch       string
	WorkPath     string
	ResourceTier string

	// Env carries secrets and provider credentials. Never logged.
	Env map[string]string

	// WorkerURL overrides the remote provider's default worker origin
	// for this sandbox. Empty means the provider default.
	WorkerURL string
}

// Streams is the framed stdio pair of an attached sandbox. Each Write to
// Stdin must be exactly one JSON line; Stdout yields line-oriented JSON.
// Detach releases the attachment without stopping the sandbox.
type Streams struct {
	Stdin  io.Writer
	Stdout io.ReadCloser
	Detach func()
}

// Provider is the capability contract implemented by each sandbox variant.
type Provider interface {
	// Name returns the provider name (mock, docker, cloudflare).
	Name() string
	// Create provisions a stopped sandbox and returns its handle.
	Create(ctx context.Context, cfg CreateConfig) (Handle, error)
	// Attach claims the sandbox stdio. The sandbox must be running.
	Attach(ctx context.Context, h Handle) (*Streams, error)
	// Pause stops the agent and snapshots sandbox state.
	Pause(ctx context.Context, h Handle) error
	// Resume starts (or restarts) the sandbox, restoring any backup.
	// envOverrides are merged over the create-time env.
	Resume(ctx context.Context, h Handle, envOverrides map[string]string) (Handle, error)
	// Terminate destroys the sandbox and its state.
	Terminate(ctx context.Context, h Handle) error
	// Status reports the sandbox phase.
	Status(ctx context.Context, h Handle) (Status, error)
}

// WriteSecretManifest writes env vars as a read-only secret directory:
// one file per value plus a manifest.tsv of ENV_NAME\tFILENAME lines.
// The TSV form permits arbitrary env names without shell interpolation
// in the sandbox startup script.
func WriteSecretManifest(dir string, env map[string]string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secret dir: %w", err)
	}

	var manifest strings.Builder
	i := 0
	for name, value := range env {
		if strings.ContainsAny(name, "\t\n") {
			return fmt.Errorf("invalid env name %q", name)
		}
		filename := fmt.Sprintf("secret-%d", i)
		i++
		if err := os.WriteFile(filepath.Join(dir, filename), []byte(value), 0o600); err != nil {
			return fmt.Errorf("writing secret file: %w", err)
		}
		fmt.Fprintf(&manifest, "%s\t%s\n", name, filename)
	}

	if err := os.WriteFile(filepath.Join(dir, "manifest.tsv"), []byte(manifest.String()), 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Package model defines the core domain types shared across all relay packages.
// It has zero dependencies on other relay packages.
package model

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	// StatusCreating means the session row exists and sandbox provisioning
	// is in flight.
	StatusCreating Status = "creating"
	// StatusActive means the sandbox is running and the agent process is up.
	StatusActive Status = "active"
	// StatusIdle means the sandbox is paused (backed up) and can be resumed.
	StatusIdle Status = "idle"
	// StatusArchived means the session is logically closed; events are retained.
	StatusArchived Status = "archived"
	// StatusError means provisioning or the sandbox failed; the reason is
	// persisted on the session.
	StatusError Status = "error"
)

// Mode represents the session interaction mode.
type Mode string

const (
	// ModeChat is a free-form conversation without a working tree.
	ModeChat Mode = "chat"
	// ModeCode binds the session to a repository checkout.
	ModeCode Mode = "code"
)

// Session is a persistent conversation bound to at most one sandbox.
type Session struct {
	ID     string `json:"id"`
	Mode   Mode   `json:"mode"`
	Status Status `json:"status"`

	// RepoID references repos.id ("owner/name"). Required for code mode.
	RepoID   string `json:"repo_id,omitempty"`
	WorkPath string `json:"work_path,omitempty"`
	Branch   string `json:"branch,omitempty"`

	// EnvironmentID references the environment template the sandbox was
	// provisioned from. Its worker URL and secret apply on every resume.
	EnvironmentID string `json:"environment_id,omitempty"`

	// Provider/ProviderID identify the sandbox once allocated. ProviderID is
	// non-empty iff status is active, idle, or error-with-sandbox.
	Provider   string `json:"provider,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	ModelProvider string `json:"model_provider,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// HasSandbox reports whether a sandbox is bound to the session.
func (s *Session) HasSandbox() bool {
	return s.ProviderID != ""
}

// Event is one append-only journal record. Seq is per-session, monotonic,
// starting at 1 with no gaps. Payload is opaque JSON from the agent (or a
// journaled client command such as prompt).
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Repo holds GitHub repository metadata synced by the git provider.
type Repo struct {
	ID            string `json:"id"` // "owner/name"
	FullName      string `json:"full_name"`
	Owner         string `json:"owner"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Description   string `json:"description,omitempty"`
}

// Environment is a named sandbox template.
type Environment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SandboxType  string `json:"sandbox_type"` // mock, docker, cloudflare
	Image        string `json:"image,omitempty"`
	WorkerURL    string `json:"worker_url,omitempty"`
	SecretID     string `json:"secret_id,omitempty"`
	ResourceTier string `json:"resource_tier,omitempty"`
	IsDefault    bool   `json:"is_default"`
}

// SecretKind classifies what a secret is for.
type SecretKind string

const (
	SecretAIProvider      SecretKind = "aiProvider"
	SecretEnvVar          SecretKind = "envVar"
	SecretSandboxProvider SecretKind = "sandboxProvider"
)

// Secret is an encrypted-at-rest value. Ciphertext is AAD-bound to the
// secret id; plaintext is never returned over REST, only injected into
// sandboxes at create/resume.
type Secret struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       SecretKind `json:"kind"`
	KeyVersion int        `json:"key_version"`
	Ciphertext []byte     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Setting is a global key → JSON option.
type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

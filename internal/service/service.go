// Package service implements the session lifecycle state machine.
//
// States: creating, active, idle, archived, error. The service owns
// every write to a session's status; the bridge and scheduler act only
// through it. All transitions for one session run under that session's
// lock, never holding two session locks at once.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pi-agent/relay/internal/manager"
	"github.com/pi-agent/relay/journal"
	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/sandbox"
	"github.com/pi-agent/relay/secret"
	"github.com/pi-agent/relay/store"
)

var (
	// ErrInvalidState means the operation is not allowed from the
	// session's current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidInput means the request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrActivateTimeout means the sandbox did not come up in time; the
	// session is left as-is.
	ErrActivateTimeout = errors.New("activation timed out")
)

// DefaultActivateTimeout bounds how long Activate blocks.
const DefaultActivateTimeout = 30 * time.Second

// Notifier receives terminal session transitions. Implementations must
// not block.
type Notifier interface {
	SessionArchived(sess *model.Session)
	SessionErrored(sess *model.Session, reason string)
}

// Service drives session lifecycle over the store, journal, and
// sandbox manager.
type Service struct {
	store    store.Store
	journal  *journal.Journal
	manager  *manager.Manager
	box      *secret.Box
	notifier Notifier
	log      *slog.Logger

	// DefaultProvider is the provider for sessions without an
	// environment override.
	DefaultProvider string
	// SandboxImage is the container image for local sandboxes.
	SandboxImage string
	// ActivateTimeout bounds Activate; zero means DefaultActivateTimeout.
	ActivateTimeout time.Duration

	locks sessionLocks
}

// New creates a session service.
func New(st store.Store, j *journal.Journal, m *manager.Manager, box *secret.Box, log *slog.Logger) *Service {
	return &Service{
		store:           st,
		journal:         j,
		manager:         m,
		box:             box,
		log:             log,
		DefaultProvider: sandbox.ProviderMock,
	}
}

// SetNotifier installs an optional terminal-transition notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// CreateParams are the accepted inputs of Create.
type CreateParams struct {
	Mode          model.Mode `json:"mode"`
	RepoID        string     `json:"repo_id"`
	WorkPath      string     `json:"work_path"`
	Branch        string     `json:"branch"`
	EnvironmentID string     `json:"environment_id"`
	ModelProvider string     `json:"model_provider"`
	ModelID       string     `json:"model_id"`
	SystemPrompt  string     `json:"system_prompt"`
}

// Create inserts the session row in creating status and provisions the
// sandbox in the background. The returned session reflects the row at
// insert time; callers observe the creating → idle / error transition
// by polling or activating.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Session, error) {
	switch p.Mode {
	case model.ModeChat:
	case model.ModeCode:
		if p.RepoID == "" {
			return nil, fmt.Errorf("%w: code mode requires a repo", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, p.Mode)
	}

	var repo *model.Repo
	if p.RepoID != "" {
		r, err := s.store.GetRepo(p.RepoID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown repo %q", ErrInvalidInput, p.RepoID)
			}
			return nil, err
		}
		repo = r
	}

	env, err := s.resolveEnvironment(p.EnvironmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:             uuid.New().String(),
		Mode:           p.Mode,
		Status:         model.StatusCreating,
		RepoID:         p.RepoID,
		WorkPath:       p.WorkPath,
		Branch:         p.Branch,
		EnvironmentID:  environmentID(env),
		ModelProvider:  p.ModelProvider,
		ModelID:        p.ModelID,
		SystemPrompt:   p.SystemPrompt,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.log.Info("session created", "session_id", sess.ID, "mode", sess.Mode)

	go s.provision(sess.ID, env, repo)

	out := *sess
	return &out, nil
}

// provision allocates the sandbox for a freshly created session and
// records the outcome (creating → idle, or creating → error).
func (s *Service) provision(sessionID string, env *model.Environment, repo *model.Repo) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return // deleted before provisioning finished
	}
	if sess.Status != model.StatusCreating {
		return
	}

	cfg := sandbox.CreateConfig{
		SessionID:    sessionID,
		WorkPath:     sess.WorkPath,
		Branch:       sess.Branch,
		Image:        s.SandboxImage,
		ResourceTier: "small",
	}
	providerName := s.DefaultProvider
	if env != nil {
		providerName = env.SandboxType
		if env.Image != "" {
			cfg.Image = env.Image
		}
		if env.ResourceTier != "" {
			cfg.ResourceTier = env.ResourceTier
		}
		cfg.WorkerURL = env.WorkerURL
	}
	if repo != nil {
		cfg.RepoCloneURL = repo.CloneURL
		if cfg.Branch == "" {
			cfg.Branch = repo.DefaultBranch
		}
	}
	secretEnv, err := s.secretEnv()
	if err != nil {
		s.failLocked(sess, fmt.Sprintf("resolving secrets: %v", err))
		return
	}
	if env != nil && env.SecretID != "" {
		if err := s.addEnvironmentSecret(secretEnv, env.SecretID); err != nil {
			s.failLocked(sess, fmt.Sprintf("resolving secrets: %v", err))
			return
		}
	}
	cfg.Env = secretEnv

	h, err := s.withRetry(func() (sandbox.Handle, error) {
		return s.manager.Create(ctx, providerName, cfg)
	})
	if err != nil {
		s.failLocked(sess, fmt.Sprintf("provisioning sandbox: %v", err))
		return
	}

	sess.Provider = h.Provider
	sess.ProviderID = h.ID
	sess.Status = model.StatusIdle
	if err := s.store.UpdateSession(sess); err != nil {
		s.log.Error("recording provisioned sandbox", "session_id", sessionID, "error", err)
	}
}

// Get returns a session.
func (s *Service) Get(id string) (*model.Session, error) {
	return s.store.GetSession(id)
}

// List returns all sessions.
func (s *Service) List() ([]*model.Session, error) {
	return s.store.ListSessions()
}

// ActivateResult is the successful outcome of Activate.
type ActivateResult struct {
	Session *model.Session `json:"session"`
	LastSeq int64          `json:"last_seq"`
}

// Activate ensures the session's sandbox is running and returns the
// journal checkpoint clients use as their replay cursor. It blocks
// through provisioning and sandbox start, bounded by ActivateTimeout.
// Activating an already active session is idempotent.
func (s *Service) Activate(ctx context.Context, id string) (*ActivateResult, error) {
	timeout := s.ActivateTimeout
	if timeout == 0 {
		timeout = DefaultActivateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Wait out in-flight provisioning without holding the lock.
	sess, err := s.awaitProvisioned(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	sess, err = s.store.GetSession(id)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case model.StatusActive:
		// Idempotent: sandbox already up.
	case model.StatusIdle:
		secretEnv, err := s.secretEnv()
		if err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
		if sess.EnvironmentID != "" {
			env, err := s.store.GetEnvironment(sess.EnvironmentID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Environment deleted since creation; resume with the
				// global secrets only.
			case err != nil:
				return nil, err
			case env.SecretID != "":
				if err := s.addEnvironmentSecret(secretEnv, env.SecretID); err != nil {
					return nil, fmt.Errorf("resolving secrets: %w", err)
				}
			}
		}
		if err := s.resumeWithRetry(ctx, sess, secretEnv); err != nil {
			s.failLocked(sess, fmt.Sprintf("starting sandbox: %v", err))
			return nil, err
		}
		sess.Status = model.StatusActive
		sess.LastActivityAt = time.Now().UTC()
		if err := s.store.UpdateSession(sess); err != nil {
			return nil, fmt.Errorf("recording activation: %w", err)
		}
		s.log.Info("session activated", "session_id", id)
	default:
		return nil, fmt.Errorf("%w: cannot activate session in status %s", ErrInvalidState, sess.Status)
	}

	lastSeq, err := s.journal.GetMaxSeq(id)
	if err != nil {
		return nil, err
	}
	return &ActivateResult{Session: sess, LastSeq: lastSeq}, nil
}

// awaitProvisioned polls while the session is still creating. On
// context expiry the session is left in creating for the provisioner
// to finish on its own.
func (s *Service) awaitProvisioned(ctx context.Context, id string) (*model.Session, error) {
	for {
		sess, err := s.store.GetSession(id)
		if err != nil {
			return nil, err
		}
		if sess.Status != model.StatusCreating {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrActivateTimeout
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Touch advances lastActivityAt. It never moves the timestamp backward
// and never changes status.
func (s *Service) Touch(id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if now.Before(sess.LastActivityAt) {
		return nil
	}
	sess.LastActivityAt = now
	return s.store.UpdateSession(sess)
}

// Pause transitions active → idle, pausing the sandbox. Pausing an
// idle session is a no-op.
func (s *Service) Pause(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case model.StatusIdle:
		return nil
	case model.StatusActive:
	default:
		return fmt.Errorf("%w: cannot pause session in status %s", ErrInvalidState, sess.Status)
	}

	if err := s.manager.Pause(ctx, sess); err != nil {
		return fmt.Errorf("pausing sandbox: %w", err)
	}
	sess.Status = model.StatusIdle
	if err := s.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("recording pause: %w", err)
	}
	s.log.Info("session paused", "session_id", id)
	return nil
}

// Archive logically closes the session: the sandbox is terminated,
// the journal is retained. Archiving is idempotent.
func (s *Service) Archive(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status == model.StatusArchived {
		return nil
	}

	if sess.HasSandbox() {
		if err := s.manager.Terminate(ctx, sess); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			s.log.Warn("terminating sandbox during archive", "session_id", id, "error", err)
		}
		sess.Provider = ""
		sess.ProviderID = ""
	}
	sess.Status = model.StatusArchived
	if err := s.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("recording archive: %w", err)
	}
	s.log.Info("session archived", "session_id", id)
	if s.notifier != nil {
		s.notifier.SessionArchived(sess)
	}
	return nil
}

// Delete hard-removes the session: sandbox terminated, row removed,
// events cascade-deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.HasSandbox() {
		// Best-effort cleanup; a lost sandbox must not block deletion.
		if err := s.manager.Terminate(ctx, sess); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			s.log.Warn("terminating sandbox during delete", "session_id", id, "error", err)
		}
	}
	if err := s.store.DeleteSession(id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.log.Info("session deleted", "session_id", id)
	return nil
}

// MarkError records a fatal failure on the session.
func (s *Service) MarkError(id, reason string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.GetSession(id)
	if err != nil {
		return err
	}
	s.failLocked(sess, reason)
	return nil
}

// failLocked transitions a session to error. Caller holds the lock.
func (s *Service) failLocked(sess *model.Session, reason string) {
	sess.Status = model.StatusError
	sess.Error = reason
	if err := s.store.UpdateSession(sess); err != nil {
		s.log.Error("recording session error", "session_id", sess.ID, "error", err)
	}
	s.log.Error("session failed", "session_id", sess.ID, "reason", reason)
	if s.notifier != nil {
		s.notifier.SessionErrored(sess, reason)
	}
}

// resumeWithRetry resumes the sandbox, retrying once on a transient
// provider failure.
func (s *Service) resumeWithRetry(ctx context.Context, sess *model.Session, env map[string]string) error {
	err := s.manager.Resume(ctx, sess, env)
	if err != nil && sandbox.IsTransient(err) {
		s.log.Warn("transient resume failure, retrying", "session_id", sess.ID, "error", err)
		err = s.manager.Resume(ctx, sess, env)
	}
	return err
}

// withRetry runs a provider call, retrying once on a transient failure.
func (s *Service) withRetry(fn func() (sandbox.Handle, error)) (sandbox.Handle, error) {
	h, err := fn()
	if err != nil && sandbox.IsTransient(err) {
		s.log.Warn("transient provider failure, retrying", "error", err)
		h, err = fn()
	}
	return h, err
}

// resolveEnvironment returns the requested environment, the default
// one, or nil when none is configured.
func (s *Service) resolveEnvironment(id string) (*model.Environment, error) {
	if id != "" {
		env, err := s.store.GetEnvironment(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown environment %q", ErrInvalidInput, id)
			}
			return nil, err
		}
		return env, nil
	}
	env, err := s.store.GetDefaultEnvironment()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return env, nil
}

// secretEnv decrypts all aiProvider and envVar secrets into an env map
// for sandbox injection. Values never touch the journal or logs.
func (s *Service) secretEnv() (map[string]string, error) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, sec := range secrets {
		switch sec.Kind {
		case model.SecretAIProvider, model.SecretEnvVar:
		default:
			continue
		}
		plaintext, err := s.box.DecryptValue(sec)
		if err != nil {
			return nil, fmt.Errorf("decrypting secret %s: %w", sec.ID, err)
		}
		env[sec.Name] = string(plaintext)
	}
	return env, nil
}

// addEnvironmentSecret decrypts an environment-scoped secret into the
// env map. Unlike secretEnv it accepts any kind, sandboxProvider
// included; those secrets reach only sandboxes whose environment names
// them.
func (s *Service) addEnvironmentSecret(env map[string]string, secretID string) error {
	sec, err := s.store.GetSecret(secretID)
	if err != nil {
		return fmt.Errorf("environment secret %s: %w", secretID, err)
	}
	plaintext, err := s.box.DecryptValue(sec)
	if err != nil {
		return fmt.Errorf("decrypting environment secret %s: %w", secretID, err)
	}
	env[sec.Name] = string(plaintext)
	return nil
}

func environmentID(env *model.Environment) string {
	if env == nil {
		return ""
	}
	return env.ID
}

// sessionLocks is a keyed mutex: one lock per session id.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *sessionLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

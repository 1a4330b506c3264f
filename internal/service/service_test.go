package service

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pi-agent/relay/internal/manager"
	"github.com/pi-agent/relay/journal"
	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/sandbox"
	"github.com/pi-agent/relay/sandbox/mock"
	"github.com/pi-agent/relay/secret"
	"github.com/pi-agent/relay/store"
	"github.com/pi-agent/relay/store/sqlite"
)

type testRig struct {
	svc   *Service
	store store.Store
	jour  *journal.Journal
	mock  *mock.Provider
	box   *secret.Box
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	key := make([]byte, secret.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	box, err := secret.NewBox(key, 1)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockProv := mock.New()
	mgr := manager.New(log, mockProv)
	jour := journal.New(st)

	svc := New(st, jour, mgr, box, log)
	svc.ActivateTimeout = 5 * time.Second

	return &testRig{svc: svc, store: st, jour: jour, mock: mockProv, box: box}
}

// waitStatus polls until the session reaches the wanted status.
func waitStatus(t *testing.T, rig *testRig, id string, want model.Status) *model.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := rig.store.GetSession(id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	sess, _ := rig.store.GetSession(id)
	t.Fatalf("session %s never reached %s (stuck at %s, error %q)", id, want, sess.Status, sess.Error)
	return nil
}

func TestCreateProvisionsToIdle(t *testing.T) {
	rig := newTestRig(t)

	sess, err := rig.svc.Create(context.Background(), CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != model.StatusCreating {
		t.Fatalf("expected creating at insert, got %s", sess.Status)
	}

	got := waitStatus(t, rig, sess.ID, model.StatusIdle)
	if !got.HasSandbox() || got.Provider != sandbox.ProviderMock {
		t.Fatalf("expected mock sandbox binding, got %+v", got)
	}
}

func TestCreateCodeModeRequiresRepo(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.svc.Create(context.Background(), CreateParams{Mode: model.ModeCode})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateProvisionFailureGoesToError(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.CreateErr = errors.New("image pull failed")

	sess, err := rig.svc.Create(context.Background(), CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := waitStatus(t, rig, sess.ID, model.StatusError)
	if got.Error == "" {
		t.Fatalf("expected persisted failure reason")
	}
	if got.HasSandbox() {
		t.Fatalf("failed provisioning must not bind a sandbox")
	}
}

func TestCreateRetriesTransientFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.CreateErr = &sandbox.TransientError{Err: errors.New("worker 503")}

	sess, err := rig.svc.Create(context.Background(), CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStatus(t, rig, sess.ID, model.StatusIdle)
}

func TestActivateContractAndIdempotence(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Activate blocks through provisioning; no need to wait for idle.
	res, err := rig.svc.Activate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Session.Status != model.StatusActive {
		t.Fatalf("expected active, got %s", res.Session.Status)
	}
	maxSeq, err := rig.jour.GetMaxSeq(sess.ID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if res.LastSeq != maxSeq {
		t.Fatalf("activate returned lastSeq %d, journal has %d", res.LastSeq, maxSeq)
	}

	again, err := rig.svc.Activate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if again.LastSeq != res.LastSeq {
		t.Fatalf("idempotent activate changed lastSeq: %d != %d", again.LastSeq, res.LastSeq)
	}
}

func TestPauseAndReactivate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rig.svc.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Journal some traffic, then pause.
	for i := 0; i < 3; i++ {
		if _, err := rig.jour.Append(sess.ID, "msg", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := rig.svc.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got := waitStatus(t, rig, sess.ID, model.StatusIdle)

	st, err := rig.mock.Status(ctx, sandbox.Handle{Provider: got.Provider, ID: got.ProviderID})
	if err != nil {
		t.Fatalf("sandbox status: %v", err)
	}
	if st.Phase != sandbox.PhasePaused || !st.HasBackup {
		t.Fatalf("expected paused sandbox with backup, got %+v", st)
	}

	// Pausing an idle session is a no-op.
	if err := rig.svc.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("idempotent pause: %v", err)
	}

	res, err := rig.svc.Activate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if res.LastSeq != 3 {
		t.Fatalf("reactivation checkpoint should survive pause, got %d", res.LastSeq)
	}
}

func TestArchiveTerminatesSandboxKeepsEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rig.svc.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := rig.jour.Append(sess.ID, "msg", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	bound, err := rig.store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	providerID := bound.ProviderID

	if err := rig.svc.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := rig.store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusArchived || got.HasSandbox() {
		t.Fatalf("expected archived without sandbox, got %+v", got)
	}
	if _, err := rig.mock.Status(ctx, sandbox.Handle{ID: providerID}); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("sandbox should be terminated, got %v", err)
	}
	maxSeq, err := rig.jour.GetMaxSeq(sess.ID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if maxSeq != 1 {
		t.Fatalf("archive must retain events, maxSeq %d", maxSeq)
	}

	// Idempotent, and terminal: no pause or activate afterwards.
	if err := rig.svc.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if _, err := rig.svc.Activate(ctx, sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("activating archived session should fail, got %v", err)
	}
}

func TestDeleteRemovesSessionAndEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rig.svc.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := rig.jour.Append(sess.ID, "msg", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := rig.svc.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := rig.store.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	maxSeq, err := rig.jour.GetMaxSeq(sess.ID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if maxSeq != 0 {
		t.Fatalf("events must cascade on delete, maxSeq %d", maxSeq)
	}
}

func TestSecretsInjectedAtCreate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ct, version, err := rig.box.EncryptValue("sec-1", []byte("sk-live"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := rig.store.CreateSecret(&model.Secret{
		ID:         "sec-1",
		Name:       "ANTHROPIC_API_KEY",
		Kind:       model.SecretAIProvider,
		KeyVersion: version,
		Ciphertext: ct,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create secret: %v", err)
	}

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := waitStatus(t, rig, sess.ID, model.StatusIdle)

	env := rig.mock.EnvFor(got.ProviderID)
	if env["ANTHROPIC_API_KEY"] != "sk-live" {
		t.Fatalf("secret not injected into sandbox env: %v", env)
	}
}

// createSecret seals a plaintext value and stores it under the given id.
func createSecret(t *testing.T, rig *testRig, id, name string, kind model.SecretKind, value string) {
	t.Helper()
	ct, version, err := rig.box.EncryptValue(id, []byte(value))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := rig.store.CreateSecret(&model.Secret{
		ID:         id,
		Name:       name,
		Kind:       kind,
		KeyVersion: version,
		Ciphertext: ct,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create secret: %v", err)
	}
}

func TestEnvironmentSecretInjectedAtCreateAndResume(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	createSecret(t, rig, "sec-cf", "CF_API_TOKEN", model.SecretSandboxProvider, "token-v1")
	if err := rig.store.UpsertEnvironment(&model.Environment{
		ID:          "env-cf",
		Name:        "Worker",
		SandboxType: "mock",
		SecretID:    "sec-cf",
	}); err != nil {
		t.Fatalf("upsert environment: %v", err)
	}

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat, EnvironmentID: "env-cf"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := waitStatus(t, rig, sess.ID, model.StatusIdle)
	if got.EnvironmentID != "env-cf" {
		t.Fatalf("environment binding not persisted: %+v", got)
	}
	if env := rig.mock.EnvFor(got.ProviderID); env["CF_API_TOKEN"] != "token-v1" {
		t.Fatalf("environment secret not injected at create: %v", env)
	}

	// A rotated secret value reaches the sandbox on the next resume.
	if err := rig.store.DeleteSecret("sec-cf"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	createSecret(t, rig, "sec-cf", "CF_API_TOKEN", model.SecretSandboxProvider, "token-v2")

	if _, err := rig.svc.Activate(ctx, sess.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if env := rig.mock.EnvFor(got.ProviderID); env["CF_API_TOKEN"] != "token-v2" {
		t.Fatalf("environment secret not injected at resume: %v", env)
	}
}

func TestEnvironmentWorkerURLReachesProvider(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.store.UpsertEnvironment(&model.Environment{
		ID:          "env-remote",
		Name:        "Remote",
		SandboxType: "mock",
		WorkerURL:   "https://worker2.example.com",
	}); err != nil {
		t.Fatalf("upsert environment: %v", err)
	}

	sess, err := rig.svc.Create(ctx, CreateParams{Mode: model.ModeChat, EnvironmentID: "env-remote"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := waitStatus(t, rig, sess.ID, model.StatusIdle)

	if rig.mock.WorkerURLFor(got.ProviderID) != "https://worker2.example.com" {
		t.Fatalf("environment worker URL did not reach the provider")
	}
}

package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestSession(t *testing.T, s *Store, id string) *model.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &model.Session{
		ID:             id,
		Mode:           model.ModeChat,
		Status:         model.StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)

	sess := newTestSession(t, s, "abc12345")

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != sess.ID || got.Status != model.StatusCreating || got.Mode != model.ModeChat {
		t.Fatalf("unexpected session: %+v", got)
	}

	got.Status = model.StatusIdle
	got.Provider = "mock"
	got.ProviderID = "mock-1"
	if err := s.UpdateSession(got); err != nil {
		t.Fatalf("update session: %v", err)
	}

	got2, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get updated session: %v", err)
	}
	if got2.Status != model.StatusIdle || got2.ProviderID != "mock-1" {
		t.Fatalf("update not persisted: %+v", got2)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestAppendEventSeq(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "evt12345")

	for i := 1; i <= 3; i++ {
		seq, err := s.AppendEvent(sess.ID, "msg", json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}

	max, err := s.MaxSeq(sess.ID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if max != 3 {
		t.Fatalf("expected max seq 3, got %d", max)
	}

	events, err := s.EventsAfter(sess.ID, 1, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAppendEventConcurrent(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "conc1234")

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			if _, err := s.AppendEvent(sess.ID, "msg", payload); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	events, err := s.EventsAfter(sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}

	// Seqs must be exactly {1..n} and payload indices exactly {0..n-1}.
	seenIdx := make(map[int]bool, n)
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap in seqs at position %d: %d", i, e.Seq)
		}
		var p struct {
			I int `json:"i"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if seenIdx[p.I] {
			t.Fatalf("duplicate payload index %d", p.I)
		}
		seenIdx[p.I] = true
	}
	if len(seenIdx) != n {
		t.Fatalf("expected %d distinct payload indices, got %d", n, len(seenIdx))
	}
}

func TestDeleteSessionCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "casc1234")

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(sess.ID, "msg", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	events, err := s.EventsAfter(sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected cascade delete, got %d events", len(events))
	}
	max, err := s.MaxSeq(sess.ID)
	if err != nil {
		t.Fatalf("max seq: %v", err)
	}
	if max != 0 {
		t.Fatalf("expected max seq 0 after delete, got %d", max)
	}
}

func TestRecentEvents(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s, "rec12345")

	for i := 0; i < 10; i++ {
		if _, err := s.AppendEvent(sess.ID, "msg", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.RecentEvents(sess.ID, 3)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 8 || events[2].Seq != 10 {
		t.Fatalf("unexpected recent events: %+v", events)
	}
}

func TestPruneOnlyTerminalSessions(t *testing.T) {
	s := newTestStore(t)

	active := newTestSession(t, s, "act12345")
	active.Status = model.StatusActive
	if err := s.UpdateSession(active); err != nil {
		t.Fatalf("update: %v", err)
	}
	archived := newTestSession(t, s, "arc12345")
	archived.Status = model.StatusArchived
	if err := s.UpdateSession(archived); err != nil {
		t.Fatalf("update: %v", err)
	}

	for _, id := range []string{active.ID, archived.ID} {
		if _, err := s.AppendEvent(id, "msg", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := s.PruneEventsOlderThan(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned event, got %d", n)
	}

	if max, _ := s.MaxSeq(active.ID); max != 1 {
		t.Fatalf("active session events pruned")
	}
	if max, _ := s.MaxSeq(archived.ID); max != 0 {
		t.Fatalf("archived session events not pruned")
	}
}

func TestRepoUpsert(t *testing.T) {
	s := newTestStore(t)

	r := &model.Repo{
		ID:            "octocat/hello",
		FullName:      "octocat/hello",
		Owner:         "octocat",
		DefaultBranch: "main",
		CloneURL:      "https://github.com/octocat/hello.git",
	}
	if err := s.UpsertRepo(r); err != nil {
		t.Fatalf("upsert repo: %v", err)
	}
	r.DefaultBranch = "trunk"
	if err := s.UpsertRepo(r); err != nil {
		t.Fatalf("upsert repo again: %v", err)
	}

	got, err := s.GetRepo(r.ID)
	if err != nil {
		t.Fatalf("get repo: %v", err)
	}
	if got.DefaultBranch != "trunk" {
		t.Fatalf("upsert did not update: %+v", got)
	}

	repos, err := s.ListRepos()
	if err != nil {
		t.Fatalf("list repos: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("expected 1 repo, got %d", len(repos))
	}
}

func TestEnvironmentDefaultIsExclusive(t *testing.T) {
	s := newTestStore(t)

	a := &model.Environment{ID: "env-a", Name: "a", SandboxType: "mock", IsDefault: true}
	b := &model.Environment{ID: "env-b", Name: "b", SandboxType: "docker", IsDefault: true}
	if err := s.UpsertEnvironment(a); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.UpsertEnvironment(b); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	def, err := s.GetDefaultEnvironment()
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != "env-b" {
		t.Fatalf("expected env-b as default, got %s", def.ID)
	}

	gotA, err := s.GetEnvironment("env-a")
	if err != nil {
		t.Fatalf("get env-a: %v", err)
	}
	if gotA.IsDefault {
		t.Fatalf("env-a should have lost the default flag")
	}
}

func TestSecretRoundtrip(t *testing.T) {
	s := newTestStore(t)

	sec := &model.Secret{
		ID:         "sec-1",
		Name:       "ANTHROPIC_API_KEY",
		Kind:       model.SecretAIProvider,
		KeyVersion: 1,
		Ciphertext: []byte{0x01, 0x02, 0x03},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.CreateSecret(sec); err != nil {
		t.Fatalf("create secret: %v", err)
	}

	got, err := s.GetSecret("sec-1")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got.Name != sec.Name || got.Kind != sec.Kind || len(got.Ciphertext) != 3 {
		t.Fatalf("unexpected secret: %+v", got)
	}

	if err := s.DeleteSecret("sec-1"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	if _, err := s.GetSecret("sec-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSetting("models"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting("models", json.RawMessage(`["a","b"]`)); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if err := s.SetSetting("models", json.RawMessage(`["c"]`)); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	v, err := s.GetSetting("models")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if string(v) != `["c"]` {
		t.Fatalf("unexpected setting value: %s", v)
	}
}

package docker

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pi-agent/relay/sandbox"
)

func TestSecretManifestRoundtrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	env := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test",
		"GIT_TOKEN":         "ghp_x",
	}
	if err := sandbox.WriteSecretManifest(dir, env); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	got, err := readSecretManifest(dir)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !reflect.DeepEqual(got, env) {
		t.Fatalf("roundtrip mismatch: %v != %v", got, env)
	}
}

func TestReadSecretManifestMissingDir(t *testing.T) {
	got, err := readSecretManifest(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should be empty, got error %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty env, got %v", got)
	}
}

func TestMergeSecrets(t *testing.T) {
	p := New(t.TempDir())
	if err := sandbox.WriteSecretManifest(p.secretDir("s1"), map[string]string{"A": "1", "B": "2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.mergeSecrets("s1", map[string]string{"B": "20", "C": "3"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := readSecretManifest(p.secretDir("s1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := map[string]string{"A": "1", "B": "20", "C": "3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merged env mismatch: %v != %v", got, want)
	}
}

func TestRunMetaRoundtrip(t *testing.T) {
	dir := t.TempDir()
	meta := runMeta{
		Image:        "ghcr.io/pi-agent/sandbox:latest",
		RepoCloneURL: "https://github.com/pi-agent/relay.git",
		Branch:       "main",
		WorkPath:     "services/api",
		ResourceTier: "medium",
	}
	if err := meta.save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadRunMeta(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != meta {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, meta)
	}
}

func TestTierFlags(t *testing.T) {
	if got := tierFlags("large"); got[1] != "8g" {
		t.Fatalf("large tier: %v", got)
	}
	if got := tierFlags(""); got[1] != "2g" {
		t.Fatalf("default tier: %v", got)
	}
}

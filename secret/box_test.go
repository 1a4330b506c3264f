package secret

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/pi-agent/relay/model"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	b, err := NewBox(key, 1)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return b
}

func TestSealOpenRoundtrip(t *testing.T) {
	b := newTestBox(t)

	plaintext := []byte(`{"ANTHROPIC_API_KEY":"sk-test"}`)
	ct, version, err := b.EncryptValue("sec-1", plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected key version 1, got %d", version)
	}
	if bytes.Contains(ct, []byte("sk-test")) {
		t.Fatalf("ciphertext contains plaintext")
	}

	sec := &model.Secret{ID: "sec-1", KeyVersion: version, Ciphertext: ct}
	got, err := b.DecryptValue(sec)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: %s", got)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	b := newTestBox(t)

	ct, version, err := b.EncryptValue("sec-1", []byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Same ciphertext presented under a different secret id must fail.
	sec := &model.Secret{ID: "sec-2", KeyVersion: version, Ciphertext: ct}
	if _, err := b.DecryptValue(sec); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	b := newTestBox(t)

	ct, _, err := b.EncryptValue("sec-1", []byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff

	if _, err := b.Open(ct, "relay:secret:sec-1:v1"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestVersionMismatch(t *testing.T) {
	b := newTestBox(t)

	ct, _, err := b.EncryptValue("sec-1", []byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sec := &model.Secret{ID: "sec-1", KeyVersion: 2, Ciphertext: ct}
	if _, err := b.DecryptValue(sec); err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestNewBoxValidatesKey(t *testing.T) {
	if _, err := NewBox(make([]byte, 16), 1); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewBox(make([]byte, KeySize), 0); err == nil {
		t.Fatalf("expected error for version 0")
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := KeyFromBase64("c2hvcnQ="); err == nil {
		t.Fatalf("expected length error")
	}
}

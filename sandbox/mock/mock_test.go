package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/pi-agent/relay/sandbox"
)

func newRunningSandbox(t *testing.T, p *Provider) sandbox.Handle {
	t.Helper()
	ctx := context.Background()

	h, err := p.Create(ctx, sandbox.CreateConfig{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.Resume(ctx, h, nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	return h
}

func TestCreateIsStopped(t *testing.T) {
	p := New()
	ctx := context.Background()

	h, err := p.Create(ctx, sandbox.CreateConfig{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := p.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != sandbox.PhasePaused {
		t.Fatalf("new sandbox should be paused, got %s", st.Phase)
	}
	if _, err := p.Attach(ctx, h); !errors.Is(err, sandbox.ErrNotRunning) {
		t.Fatalf("attach before resume should fail with ErrNotRunning, got %v", err)
	}
}

func TestPromptEchoesAgentEvents(t *testing.T) {
	p := New()
	ctx := context.Background()
	h := newRunningSandbox(t, p)

	streams, err := p.Attach(ctx, h)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := fmt.Fprintln(streams.Stdin, `{"type":"prompt","message":"hi"}`); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	scanner := bufio.NewScanner(streams.Stdout)
	want := []string{"agent_start", "message_update", "agent_end"}
	for _, wantType := range want {
		if !scanner.Scan() {
			t.Fatalf("stdout closed before %s: %v", wantType, scanner.Err())
		}
		var ev struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		if ev.Type != wantType {
			t.Fatalf("expected %s, got %s", wantType, ev.Type)
		}
		if ev.Type == "message_update" && ev.Message != "hi" {
			t.Fatalf("expected echoed message, got %q", ev.Message)
		}
	}
}

func TestAttachIsExclusive(t *testing.T) {
	p := New()
	ctx := context.Background()
	h := newRunningSandbox(t, p)

	streams, err := p.Attach(ctx, h)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := p.Attach(ctx, h); !errors.Is(err, sandbox.ErrAlreadyAttached) {
		t.Fatalf("second attach should fail, got %v", err)
	}

	streams.Detach()
	if _, err := p.Attach(ctx, h); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	p := New()
	ctx := context.Background()
	h := newRunningSandbox(t, p)

	if err := p.Pause(ctx, h); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st, err := p.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != sandbox.PhasePaused || !st.HasBackup {
		t.Fatalf("expected paused with backup, got %+v", st)
	}

	if _, err := p.Resume(ctx, h, map[string]string{"EXTRA": "1"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st, err = p.Status(ctx, h)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != sandbox.PhaseRunning {
		t.Fatalf("expected running after resume, got %s", st.Phase)
	}
}

func TestTerminateForgetsSandbox(t *testing.T) {
	p := New()
	ctx := context.Background()
	h := newRunningSandbox(t, p)

	if err := p.Terminate(ctx, h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := p.Status(ctx, h); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("status after terminate should be ErrNotFound, got %v", err)
	}
	if err := p.Terminate(ctx, h); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("double terminate should be ErrNotFound, got %v", err)
	}
}

func TestCreateErrInjection(t *testing.T) {
	p := New()
	p.CreateErr = &sandbox.TransientError{Err: errors.New("boom")}

	_, err := p.Create(context.Background(), sandbox.CreateConfig{SessionID: "sess1"})
	if !sandbox.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// Error is consumed after one failure.
	if _, err := p.Create(context.Background(), sandbox.CreateConfig{SessionID: "sess1"}); err != nil {
		t.Fatalf("second create: %v", err)
	}
}

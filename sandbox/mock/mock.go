// Package mock implements an in-process sandbox provider backed by pipe
// pairs and a fake agent that echoes commands as events. It is the test
// provider and the default when no container runtime is configured.
package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pi-agent/relay/sandbox"
)

// Provider implements sandbox.Provider in memory.
type Provider struct {
	mu        sync.Mutex
	instances map[string]*instance

	// CreateErr, when set, fails the next Create call. Tests use it to
	// drive the provision-failure path.
	CreateErr error
	// ResumeErr, when set, fails the next Resume call.
	ResumeErr error
	// AttachDelay stalls Attach. Tests use it to widen the window
	// between hub creation and stream availability.
	AttachDelay time.Duration
}

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{instances: make(map[string]*instance)}
}

// Name returns "mock".
func (p *Provider) Name() string { return sandbox.ProviderMock }

type instance struct {
	mu        sync.Mutex
	phase     sandbox.Phase
	hasBackup bool
	attached  bool
	env       map[string]string
	workerURL string

	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

// Create provisions a stopped sandbox.
func (p *Provider) Create(ctx context.Context, cfg sandbox.CreateConfig) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateErr != nil {
		err := p.CreateErr
		p.CreateErr = nil
		return sandbox.Handle{}, err
	}

	id := "mock-" + uuid.New().String()[:8]
	p.instances[id] = &instance{
		phase:     sandbox.PhasePaused,
		env:       cloneEnv(cfg.Env),
		workerURL: cfg.WorkerURL,
	}
	return sandbox.Handle{Provider: sandbox.ProviderMock, ID: id}, nil
}

// Resume starts the fake agent on fresh pipes.
func (p *Provider) Resume(ctx context.Context, h sandbox.Handle, envOverrides map[string]string) (sandbox.Handle, error) {
	p.mu.Lock()
	if p.ResumeErr != nil {
		err := p.ResumeErr
		p.ResumeErr = nil
		p.mu.Unlock()
		return sandbox.Handle{}, err
	}
	inst, ok := p.instances[h.ID]
	p.mu.Unlock()
	if !ok {
		return sandbox.Handle{}, sandbox.ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.phase == sandbox.PhaseRunning {
		return h, nil
	}

	for k, v := range envOverrides {
		inst.env[k] = v
	}

	agentIn, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	inst.stdinW = stdinW
	inst.stdoutR = stdoutR
	inst.stdoutW = stdoutW
	inst.phase = sandbox.PhaseRunning
	inst.attached = false

	go echoAgent(agentIn, stdoutW)

	return h, nil
}

// Attach claims the running sandbox's stdio.
func (p *Provider) Attach(ctx context.Context, h sandbox.Handle) (*sandbox.Streams, error) {
	p.mu.Lock()
	delay := p.AttachDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	inst, err := p.get(h)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.phase != sandbox.PhaseRunning {
		return nil, sandbox.ErrNotRunning
	}
	if inst.attached {
		return nil, sandbox.ErrAlreadyAttached
	}
	inst.attached = true

	return &sandbox.Streams{
		Stdin:  inst.stdinW,
		Stdout: inst.stdoutR,
		Detach: func() {
			inst.mu.Lock()
			inst.attached = false
			inst.mu.Unlock()
		},
	}, nil
}

// Pause stops the agent and marks a backup.
func (p *Provider) Pause(ctx context.Context, h sandbox.Handle) error {
	inst, err := p.get(h)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.phase != sandbox.PhaseRunning {
		return nil
	}
	inst.closeStreamsLocked()
	inst.phase = sandbox.PhasePaused
	inst.hasBackup = true
	return nil
}

// Terminate destroys the sandbox.
func (p *Provider) Terminate(ctx context.Context, h sandbox.Handle) error {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	delete(p.instances, h.ID)
	p.mu.Unlock()
	if !ok {
		return sandbox.ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.closeStreamsLocked()
	inst.phase = sandbox.PhaseStopped
	return nil
}

// Status reports the sandbox phase.
func (p *Provider) Status(ctx context.Context, h sandbox.Handle) (sandbox.Status, error) {
	inst, err := p.get(h)
	if err != nil {
		return sandbox.Status{Phase: sandbox.PhaseUnknown}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return sandbox.Status{Phase: inst.phase, HasBackup: inst.hasBackup}, nil
}

// EnvFor returns a copy of the env currently bound to a sandbox. Test
// hook for verifying secret injection.
func (p *Provider) EnvFor(id string) map[string]string {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return cloneEnv(inst.env)
}

// WorkerURLFor returns the worker URL the sandbox was created with.
// Test hook.
func (p *Provider) WorkerURLFor(id string) string {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return ""
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.workerURL
}

func (p *Provider) get(h sandbox.Handle) (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[h.ID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return inst, nil
}

func (inst *instance) closeStreamsLocked() {
	if inst.stdinW != nil {
		_ = inst.stdinW.Close()
	}
	if inst.stdoutW != nil {
		_ = inst.stdoutW.Close()
	}
	inst.attached = false
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// echoAgent is the fake agent: it reads JSON-line commands and emits the
// event shapes a real agent would. Non-JSON lines are ignored, matching
// the stdio protocol.
func echoAgent(in io.Reader, out *io.PipeWriter) {
	defer out.Close()

	enc := json.NewEncoder(out)
	emit := func(v any) bool {
		return enc.Encode(v) == nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	for scanner.Scan() {
		var cmd map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		var cmdType string
		if raw, ok := cmd["type"]; ok {
			_ = json.Unmarshal(raw, &cmdType)
		}

		switch cmdType {
		case "prompt":
			var message string
			if raw, ok := cmd["message"]; ok {
				_ = json.Unmarshal(raw, &message)
			}
			ok := emit(map[string]any{"type": "agent_start"}) &&
				emit(map[string]any{"type": "message_update", "message": message}) &&
				emit(map[string]any{"type": "agent_end"})
			if !ok {
				return
			}
		case "get_state":
			if !emit(map[string]any{"type": "state", "status": "ready"}) {
				return
			}
		case "abort":
			if !emit(map[string]any{"type": "agent_end", "reason": "aborted"}) {
				return
			}
		case "set_model":
			if !emit(map[string]any{"type": "model_changed", "model": cmd["model"]}) {
				return
			}
		default:
			if !emit(map[string]any{"type": "echo", "command": fmt.Sprintf("%s", cmdType)}) {
				return
			}
		}
	}
}

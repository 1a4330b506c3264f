// Package remote implements sandbox.Provider against a remote sandbox
// worker (the Cloudflare deployment target). Lifecycle operations go
// over HTTPS; stdio attaches over a single websocket per sandbox.
//
// Requests carry a short-lived HS256 bearer token minted per call, so a
// leaked token is useful for minutes, not forever.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/pi-agent/relay/sandbox"
)

const (
	tokenTTL       = 5 * time.Minute
	requestTimeout = 30 * time.Second
)

// Config configures the remote provider.
type Config struct {
	// BaseURL is the worker origin, e.g. "https://sandbox.example.com".
	BaseURL string
	// SigningKey is the HS256 shared secret for request tokens.
	SigningKey []byte
	// StrictRestore fails Resume when the worker cannot restore a
	// backup instead of falling back to a fresh sandbox.
	StrictRestore bool
}

// Provider implements sandbox.Provider over a worker HTTP API.
type Provider struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
}

// New creates a remote provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("remote: signing key required")
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Name returns "cloudflare".
func (p *Provider) Name() string { return sandbox.ProviderCloudflare }

// mintToken signs a short-lived bearer token scoped to one sandbox.
func (p *Provider) mintToken(sandboxID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "relay",
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
		"sub": sandboxID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("remote: signing token: %w", err)
	}
	return signed, nil
}

type createRequest struct {
	SessionID    string            `json:"session_id"`
	Image        string            `json:"image"`
	RepoCloneURL string            `json:"repo_clone_url,omitempty"`
	Branch       string            `json:"branch,omitempty"`
	WorkPath     string            `json:"work_path,omitempty"`
	ResourceTier string            `json:"resource_tier,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

type resumeRequest struct {
	Env            map[string]string `json:"env,omitempty"`
	WaitForRestore bool              `json:"wait_for_restore"`
}

type resumeResponse struct {
	Restored     bool   `json:"restored"`
	RestoreError string `json:"restore_error,omitempty"`
	HadBackup    bool   `json:"had_backup"`
}

type statusResponse struct {
	Phase     string `json:"phase"`
	HasBackup bool   `json:"has_backup"`
}

// Create provisions a stopped sandbox on the worker. The sandbox id is
// relay-chosen, derived from the session id, so the worker endpoint is
// idempotent per session.
func (p *Provider) Create(ctx context.Context, cfg sandbox.CreateConfig) (sandbox.Handle, error) {
	id := "sb-" + cfg.SessionID
	base := p.cfg.BaseURL
	handleID := id
	if cfg.WorkerURL != "" {
		base = cfg.WorkerURL
		handleID = cfg.WorkerURL + "|" + id
	}

	req := createRequest{
		SessionID:    cfg.SessionID,
		Image:        cfg.Image,
		RepoCloneURL: cfg.RepoCloneURL,
		Branch:       cfg.Branch,
		WorkPath:     cfg.WorkPath,
		ResourceTier: cfg.ResourceTier,
		Env:          cfg.Env,
	}
	if err := p.call(ctx, base, http.MethodPost, "/api/sandboxes/"+id, id, req, nil); err != nil {
		return sandbox.Handle{}, err
	}
	return sandbox.Handle{Provider: sandbox.ProviderCloudflare, ID: handleID}, nil
}

// resolve splits a handle into its worker origin and sandbox id. Handle
// ids are "<sandboxID>", or "<workerURL>|<sandboxID>" when the sandbox
// was created against an environment-specific worker. Persisting the
// origin inside the id keeps the provider stateless across restarts.
func (p *Provider) resolve(h sandbox.Handle) (base, id string) {
	if i := strings.LastIndex(h.ID, "|"); i >= 0 {
		return h.ID[:i], h.ID[i+1:]
	}
	return p.cfg.BaseURL, h.ID
}

// Resume starts the sandbox, restoring its backup when one exists. With
// StrictRestore unset, a failed restore falls back to a fresh start.
func (p *Provider) Resume(ctx context.Context, h sandbox.Handle, envOverrides map[string]string) (sandbox.Handle, error) {
	base, id := p.resolve(h)
	req := resumeRequest{Env: envOverrides, WaitForRestore: true}
	var resp resumeResponse
	if err := p.call(ctx, base, http.MethodPost, "/api/sandboxes/"+id+"/resume", id, req, &resp); err != nil {
		return sandbox.Handle{}, err
	}
	if resp.HadBackup && !resp.Restored {
		if p.cfg.StrictRestore {
			return sandbox.Handle{}, fmt.Errorf("%w: %s", sandbox.ErrRestoreFailed, resp.RestoreError)
		}
		// Fresh start accepted; the journal still has the history.
	}
	return h, nil
}

// Attach dials the sandbox stdio websocket. Text messages map one to
// one onto JSON lines in both directions.
func (p *Provider) Attach(ctx context.Context, h sandbox.Handle) (*sandbox.Streams, error) {
	base, id := p.resolve(h)
	token, err := p.mintToken(id)
	if err != nil {
		return nil, err
	}

	wsURL := websocketURL(base) + "/ws/sandboxes/" + id
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := p.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, sandbox.ErrNotFound
			case http.StatusConflict:
				return nil, sandbox.ErrAlreadyAttached
			case http.StatusPreconditionFailed:
				return nil, sandbox.ErrNotRunning
			}
		}
		return nil, &sandbox.TransientError{Err: fmt.Errorf("remote: dialing stdio: %w", err)}
	}

	stdoutR, stdoutW := io.Pipe()
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				_ = stdoutW.CloseWithError(err)
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			if _, err := stdoutW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()

	return &sandbox.Streams{
		Stdin:  &wsLineWriter{conn: conn},
		Stdout: stdoutR,
		Detach: func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		},
	}, nil
}

// Pause stops the agent and snapshots state on the worker.
func (p *Provider) Pause(ctx context.Context, h sandbox.Handle) error {
	base, id := p.resolve(h)
	return p.call(ctx, base, http.MethodPost, "/api/sandboxes/"+id+"/pause", id, nil, nil)
}

// Terminate destroys the sandbox and its backup.
func (p *Provider) Terminate(ctx context.Context, h sandbox.Handle) error {
	base, id := p.resolve(h)
	return p.call(ctx, base, http.MethodDelete, "/api/sandboxes/"+id, id, nil, nil)
}

// Status reports the worker-side sandbox phase.
func (p *Provider) Status(ctx context.Context, h sandbox.Handle) (sandbox.Status, error) {
	base, id := p.resolve(h)
	var resp statusResponse
	if err := p.call(ctx, base, http.MethodGet, "/api/sandboxes/"+id+"/status", id, nil, &resp); err != nil {
		return sandbox.Status{Phase: sandbox.PhaseUnknown}, err
	}
	phase := sandbox.Phase(resp.Phase)
	switch phase {
	case sandbox.PhaseRunning, sandbox.PhasePaused, sandbox.PhaseStopped:
	default:
		phase = sandbox.PhaseUnknown
	}
	return sandbox.Status{Phase: phase, HasBackup: resp.HasBackup}, nil
}

// call performs one authenticated JSON request against a worker origin.
func (p *Provider) call(ctx context.Context, base, method, path, sandboxID string, body, out any) error {
	token, err := p.mintToken(sandboxID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("remote: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &sandbox.TransientError{Err: fmt.Errorf("remote: %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return sandbox.ErrNotFound
	case resp.StatusCode == http.StatusPreconditionFailed:
		return sandbox.ErrNotRunning
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &sandbox.TransientError{
			Err: fmt.Errorf("remote: %s %s: worker returned %d: %s", method, path, resp.StatusCode, msg),
		}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote: %s %s: worker returned %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decoding response: %w", err)
		}
	}
	return nil
}

// websocketURL rewrites an http(s) origin to its ws(s) equivalent.
func websocketURL(base string) string {
	switch {
	case len(base) > 5 && base[:5] == "https":
		return "wss" + base[5:]
	case len(base) > 4 && base[:4] == "http":
		return "ws" + base[4:]
	default:
		return base
	}
}

// wsLineWriter frames each Write as one websocket text message. The
// caller already serializes writes per session.
type wsLineWriter struct {
	conn *websocket.Conn
}

func (w *wsLineWriter) Write(data []byte) (int, error) {
	msg := bytes.TrimRight(data, "\n")
	if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Package docker implements sandbox.Provider using Docker containers
// driven through the docker CLI.
//
// Each session owns a host directory tree under the relay data dir:
//
//	sessions/<id>/workspace  bind-mounted at /workspace
//	sessions/<id>/agent      bind-mounted at /agent (agent state)
//	pi-secrets-<id>/         bind-mounted read-only at /run/pi-secrets
//
// The container itself runs `sleep infinity`; the agent process is
// started per attachment with `docker exec -i`, so workspace and agent
// state survive detach, pause, and resume.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pi-agent/relay/sandbox"
)

const defaultAgentCommand = "pi-agent --stdio"

// Provider implements sandbox.Provider with the docker CLI.
type Provider struct {
	dockerBin string
	dataDir   string

	// AgentCommand is the command exec'd inside the container on attach.
	// Defaults to the pi agent in stdio mode.
	AgentCommand string
}

// New creates a Docker provider rooted at dataDir.
func New(dataDir string) *Provider {
	return &Provider{
		dockerBin:    findDocker(),
		dataDir:      dataDir,
		AgentCommand: defaultAgentCommand,
	}
}

// Name returns "docker".
func (p *Provider) Name() string { return sandbox.ProviderDocker }

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if path, err := exec.LookPath("docker"); err == nil {
		return path
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (p *Provider) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, p.dockerBin, args...)
}

func containerName(sessionID string) string {
	return "relay-" + sessionID
}

func (p *Provider) sessionDir(sessionID string) string {
	return filepath.Join(p.dataDir, "sessions", sessionID)
}

func (p *Provider) secretDir(sessionID string) string {
	return filepath.Join(p.dataDir, "pi-secrets-"+sessionID)
}

// Create provisions the host directories and secret manifest. No
// container is started; the sandbox is born paused.
func (p *Provider) Create(ctx context.Context, cfg sandbox.CreateConfig) (sandbox.Handle, error) {
	sessDir := p.sessionDir(cfg.SessionID)
	for _, sub := range []string{"workspace", "agent"} {
		if err := os.MkdirAll(filepath.Join(sessDir, sub), 0o755); err != nil {
			return sandbox.Handle{}, fmt.Errorf("creating session dir: %w", err)
		}
	}
	if err := sandbox.WriteSecretManifest(p.secretDir(cfg.SessionID), cfg.Env); err != nil {
		return sandbox.Handle{}, err
	}

	// Record the run config so Resume can start the container without
	// any in-memory state.
	meta := runMeta{
		Image:        cfg.Image,
		RepoCloneURL: cfg.RepoCloneURL,
		Branch:       cfg.Branch,
		WorkPath:     cfg.WorkPath,
		ResourceTier: cfg.ResourceTier,
	}
	if err := meta.save(sessDir); err != nil {
		return sandbox.Handle{}, err
	}

	return sandbox.Handle{Provider: sandbox.ProviderDocker, ID: cfg.SessionID}, nil
}

// Resume starts the session container, creating it if this is the first
// resume or the container was removed. envOverrides are merged into the
// secret manifest before start.
func (p *Provider) Resume(ctx context.Context, h sandbox.Handle, envOverrides map[string]string) (sandbox.Handle, error) {
	sessDir := p.sessionDir(h.ID)
	if _, err := os.Stat(sessDir); err != nil {
		return sandbox.Handle{}, sandbox.ErrNotFound
	}

	if len(envOverrides) > 0 {
		if err := p.mergeSecrets(h.ID, envOverrides); err != nil {
			return sandbox.Handle{}, err
		}
	}

	name := containerName(h.ID)
	switch p.containerState(ctx, name) {
	case "running":
		return h, nil
	case "exited", "created", "paused":
		if output, err := p.docker(ctx, "start", name).CombinedOutput(); err != nil {
			return sandbox.Handle{}, &sandbox.TransientError{
				Err: fmt.Errorf("starting container: %w\noutput: %s", err, output),
			}
		}
		return h, nil
	}

	meta, err := loadRunMeta(sessDir)
	if err != nil {
		return sandbox.Handle{}, err
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "relay.session=" + h.ID,
		"-v", filepath.Join(sessDir, "workspace") + ":/workspace",
		"-v", filepath.Join(sessDir, "agent") + ":/agent",
		"-v", p.secretDir(h.ID) + ":/run/pi-secrets:ro",
		"-w", "/workspace",
		"-e", "PI_SESSION_ID=" + h.ID,
	}
	if meta.RepoCloneURL != "" {
		args = append(args, "-e", "PI_REPO_URL="+meta.RepoCloneURL)
	}
	if meta.Branch != "" {
		args = append(args, "-e", "PI_BRANCH="+meta.Branch)
	}
	if meta.WorkPath != "" {
		args = append(args, "-e", "PI_WORK_PATH="+meta.WorkPath)
	}
	args = append(args, tierFlags(meta.ResourceTier)...)
	args = append(args, meta.Image, "sleep", "infinity")

	if output, err := p.docker(ctx, args...).CombinedOutput(); err != nil {
		return sandbox.Handle{}, &sandbox.TransientError{
			Err: fmt.Errorf("running container: %w\noutput: %s", err, output),
		}
	}
	return h, nil
}

// tierFlags maps a resource tier to docker resource limits.
func tierFlags(tier string) []string {
	switch tier {
	case "large":
		return []string{"--memory", "8g", "--cpus", "4"}
	case "medium":
		return []string{"--memory", "4g", "--cpus", "2"}
	default:
		return []string{"--memory", "2g", "--cpus", "1"}
	}
}

// Attach execs the agent inside the running container and wires its
// stdio. Detach kills the exec process; the container keeps running.
func (p *Provider) Attach(ctx context.Context, h sandbox.Handle) (*sandbox.Streams, error) {
	name := containerName(h.ID)
	if p.containerState(ctx, name) != "running" {
		return nil, sandbox.ErrNotRunning
	}

	agentCmd := p.AgentCommand
	if agentCmd == "" {
		agentCmd = defaultAgentCommand
	}
	args := append([]string{"exec", "-i", name}, strings.Fields(agentCmd)...)
	cmd := p.docker(context.Background(), args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent exec: %w", err)
	}

	return &sandbox.Streams{
		Stdin:  stdin,
		Stdout: stdout,
		Detach: func() {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		},
	}, nil
}

// Pause stops the container. Workspace and agent state stay on the host
// bind mounts, so a paused sandbox always has a backup.
func (p *Provider) Pause(ctx context.Context, h sandbox.Handle) error {
	name := containerName(h.ID)
	switch p.containerState(ctx, name) {
	case "":
		if _, err := os.Stat(p.sessionDir(h.ID)); err != nil {
			return sandbox.ErrNotFound
		}
		return nil
	case "running":
		if output, err := p.docker(ctx, "stop", name).CombinedOutput(); err != nil {
			return fmt.Errorf("stopping container: %w\noutput: %s", err, output)
		}
	}
	return nil
}

// Terminate removes the container, the session directories, and the
// secret manifest.
func (p *Provider) Terminate(ctx context.Context, h sandbox.Handle) error {
	if _, err := os.Stat(p.sessionDir(h.ID)); err != nil {
		return sandbox.ErrNotFound
	}

	name := containerName(h.ID)
	_ = p.docker(ctx, "kill", name).Run()
	_ = p.docker(ctx, "rm", "-f", name).Run()

	if err := os.RemoveAll(p.secretDir(h.ID)); err != nil {
		return fmt.Errorf("removing secrets: %w", err)
	}
	if err := os.RemoveAll(p.sessionDir(h.ID)); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	return nil
}

// Status inspects the container. A provisioned session without a
// running container reports paused.
func (p *Provider) Status(ctx context.Context, h sandbox.Handle) (sandbox.Status, error) {
	if _, err := os.Stat(p.sessionDir(h.ID)); err != nil {
		return sandbox.Status{Phase: sandbox.PhaseUnknown}, sandbox.ErrNotFound
	}

	hasBackup := dirHasEntries(filepath.Join(p.sessionDir(h.ID), "workspace"))
	if p.containerState(ctx, containerName(h.ID)) == "running" {
		return sandbox.Status{Phase: sandbox.PhaseRunning, HasBackup: hasBackup}, nil
	}
	return sandbox.Status{Phase: sandbox.PhasePaused, HasBackup: hasBackup}, nil
}

// containerState returns the docker state string, or "" if the
// container does not exist.
func (p *Provider) containerState(ctx context.Context, name string) string {
	output, err := p.docker(ctx, "inspect", "-f", "{{.State.Status}}", name).CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// mergeSecrets rewrites the secret manifest with overrides applied over
// the existing values.
func (p *Provider) mergeSecrets(sessionID string, overrides map[string]string) error {
	dir := p.secretDir(sessionID)
	env, err := readSecretManifest(dir)
	if err != nil {
		return err
	}
	for k, v := range overrides {
		env[k] = v
	}
	return sandbox.WriteSecretManifest(dir, env)
}

// readSecretManifest loads a WriteSecretManifest directory back into an
// env map. A missing directory yields an empty map.
func readSecretManifest(dir string) (map[string]string, error) {
	env := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.tsv"))
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		name, filename, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}
		value, err := os.ReadFile(filepath.Join(dir, filename))
		if err != nil {
			return nil, fmt.Errorf("reading secret %s: %w", name, err)
		}
		env[name] = string(value)
	}
	return env, nil
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// runMeta is the create-time run configuration, persisted in the
// session directory so Resume needs no in-memory state.
type runMeta struct {
	Image        string `json:"image"`
	RepoCloneURL string `json:"repo_clone_url"`
	Branch       string `json:"branch"`
	WorkPath     string `json:"work_path"`
	ResourceTier string `json:"resource_tier"`
}

func metaPath(sessDir string) string {
	return filepath.Join(sessDir, "run.json")
}

func (m runMeta) save(sessDir string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding run meta: %w", err)
	}
	if err := os.WriteFile(metaPath(sessDir), data, 0o600); err != nil {
		return fmt.Errorf("writing run meta: %w", err)
	}
	return nil
}

func loadRunMeta(sessDir string) (runMeta, error) {
	var m runMeta
	data, err := os.ReadFile(metaPath(sessDir))
	if err != nil {
		return m, fmt.Errorf("reading run meta: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding run meta: %w", err)
	}
	return m, nil
}

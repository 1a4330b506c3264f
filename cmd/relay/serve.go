package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/pi-agent/relay/gitprovider"
	"github.com/pi-agent/relay/gitprovider/github"
	"github.com/pi-agent/relay/internal/bridge"
	"github.com/pi-agent/relay/internal/config"
	"github.com/pi-agent/relay/internal/manager"
	"github.com/pi-agent/relay/internal/notify"
	"github.com/pi-agent/relay/internal/scheduler"
	"github.com/pi-agent/relay/internal/server"
	"github.com/pi-agent/relay/internal/service"
	"github.com/pi-agent/relay/journal"
	"github.com/pi-agent/relay/sandbox"
	"github.com/pi-agent/relay/sandbox/docker"
	"github.com/pi-agent/relay/sandbox/mock"
	"github.com/pi-agent/relay/sandbox/remote"
	"github.com/pi-agent/relay/secret"
	"github.com/pi-agent/relay/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("port", "p", "", "listen port (overrides RELAY_PORT)")
	serveCmd.Flags().String("host", "", "listen host (overrides RELAY_HOST)")
	serveCmd.Flags().String("data-dir", "", "data directory (overrides RELAY_DATA_DIR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Flags override env vars; Load reads them back out.
	for flag, env := range map[string]string{
		"port":     "RELAY_PORT",
		"host":     "RELAY_HOST",
		"data-dir": "RELAY_DATA_DIR",
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	if err := cfg.Validate(); err != nil {
		return &configError{err}
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting relay", "version", version, "addr", cfg.Addr(), "provider", cfg.SandboxProvider)

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	box, err := secret.NewBox(cfg.EncryptionKey, cfg.EncryptionKeyVersion)
	if err != nil {
		return &configError{err}
	}

	providers := []sandbox.Provider{mock.New(), docker.New(cfg.DataDir)}
	if cfg.RemoteBaseURL != "" {
		rp, err := remote.New(remote.Config{
			BaseURL:       cfg.RemoteBaseURL,
			SigningKey:    cfg.RemoteSigningKey,
			StrictRestore: cfg.RemoteStrictRestore,
		})
		if err != nil {
			return &configError{err}
		}
		providers = append(providers, rp)
	}
	mgr := manager.New(log, providers...)

	jour := journal.New(st)
	svc := service.New(st, jour, mgr, box, log)
	svc.DefaultProvider = cfg.SandboxProvider
	svc.SandboxImage = cfg.SandboxImage
	if cfg.SlackWebhookURL != "" {
		svc.SetNotifier(notify.NewSlack(cfg.SlackWebhookURL, log))
	}

	if cfg.EnvironmentsFile != "" {
		envs, err := config.LoadEnvironments(cfg.EnvironmentsFile)
		if err != nil {
			return &configError{err}
		}
		for i := range envs {
			if err := st.UpsertEnvironment(&envs[i]); err != nil {
				return fmt.Errorf("seeding environment %q: %w", envs[i].ID, err)
			}
		}
		log.Info("seeded environments", "count", len(envs))
	}

	var git gitprovider.Provider
	if cfg.GitHubToken != "" {
		git = github.New(cfg.GitHubToken)
	}

	reg := bridge.NewRegistry()
	br := bridge.New(reg, st, jour, mgr, svc, log)

	sched := scheduler.New(svc, st, reg, log)
	sched.IdleTimeout = cfg.IdleTimeout
	go sched.Run(cmd.Context())

	srv := server.New(cfg.Addr(), st, jour, svc, br, reg, box, git, log)
	return srv.Start(cmd.Context())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	w := os.Stderr
	if isatty.IsTerminal(w.Fd()) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

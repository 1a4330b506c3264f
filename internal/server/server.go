// Package server provides the relay HTTP API: REST resources over
// sessions, repos, environments, secrets, and settings, plus the
// WebSocket bridge mount. Every REST response uses the
// {data, error} envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pi-agent/relay/gitprovider"
	"github.com/pi-agent/relay/internal/bridge"
	"github.com/pi-agent/relay/internal/service"
	"github.com/pi-agent/relay/journal"
	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/secret"
	"github.com/pi-agent/relay/store"
)

// Server is the relay HTTP server.
type Server struct {
	addr     string
	store    store.Store
	journal  *journal.Journal
	svc      *service.Service
	bridge   *bridge.Bridge
	registry *bridge.Registry
	box      *secret.Box
	git      gitprovider.Provider // nil when GITHUB_TOKEN is absent
	log      *slog.Logger
	router   chi.Router
}

// New creates a server over the given collaborators.
func New(addr string, st store.Store, j *journal.Journal, svc *service.Service, b *bridge.Bridge, reg *bridge.Registry, box *secret.Box, git gitprovider.Provider, log *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		store:    st,
		journal:  j,
		svc:      svc,
		bridge:   b,
		registry: reg,
		box:      box,
		git:      git,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler (exported for tests).
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("relay listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/activate", s.handleActivateSession)
		r.Post("/{id}/archive", s.handleArchiveSession)
		r.Get("/{id}/events", s.handleSessionEvents)
		r.Get("/{id}/history", s.handleSessionHistory)
	})

	r.Route("/repos", func(r chi.Router) {
		r.Get("/", s.handleListRepos)
		r.Post("/sync", s.handleSyncRepos)
	})

	r.Route("/environments", func(r chi.Router) {
		r.Get("/", s.handleListEnvironments)
		r.Post("/", s.handlePutEnvironment)
		r.Put("/{id}", s.handlePutEnvironment)
		r.Delete("/{id}", s.handleDeleteEnvironment)
	})

	r.Route("/secrets", func(r chi.Router) {
		r.Get("/", s.handleListSecrets)
		r.Post("/", s.handleCreateSecret)
		r.Delete("/{id}", s.handleDeleteSecret)
	})

	r.Get("/models", s.handleListModels)
	r.Get("/settings/{key}", s.handleGetSetting)
	r.Put("/settings/{key}", s.handlePutSetting)

	r.Get("/ws/sessions/{id}", s.bridge.HandleWS)

	return r
}

// --- Envelope helpers ---

type envelope struct {
	Data  any     `json:"data"`
	Error *string `json:"error"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &msg})
}

// writeServiceErr maps domain errors onto HTTP statuses.
func (s *Server) writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrActivateTimeout):
		writeErr(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var params service.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.svc.Create(r.Context(), params)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.List()
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Detach(id)
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Detach(id)
	if err := s.svc.Archive(r.Context(), id); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	sess, err := s.svc.Get(id)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

type eventsResponse struct {
	Events  []*model.Event `json:"events"`
	LastSeq int64          `json:"lastSeq"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Get(id); err != nil {
		s.writeServiceErr(w, err)
		return
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.journal.GetAfterSeq(id, afterSeq, limit)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	lastSeq, err := s.journal.GetMaxSeq(id)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeData(w, http.StatusOK, eventsResponse{Events: events, LastSeq: lastSeq})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Get(id); err != nil {
		s.writeServiceErr(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = journal.DefaultReplayLimit
	}
	events, err := s.journal.GetRecent(id, limit)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	lastSeq, err := s.journal.GetMaxSeq(id)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeData(w, http.StatusOK, eventsResponse{Events: events, LastSeq: lastSeq})
}

// --- Repos ---

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos()
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, repos)
}

func (s *Server) handleSyncRepos(w http.ResponseWriter, r *http.Request) {
	if s.git == nil {
		writeErr(w, http.StatusServiceUnavailable, "GITHUB_TOKEN is not configured")
		return
	}
	repos, err := s.git.ListRepos(r.Context())
	if err != nil {
		s.log.Error("syncing repos", "error", err)
		writeErr(w, http.StatusBadGateway, "repository sync failed")
		return
	}
	for i := range repos {
		if err := s.store.UpsertRepo(&repos[i]); err != nil {
			s.writeServiceErr(w, err)
			return
		}
	}
	s.log.Info("repos synced", "count", len(repos))
	writeData(w, http.StatusOK, map[string]int{"synced": len(repos)})
}

// --- Environments ---

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvironments()
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, envs)
}

func (s *Server) handlePutEnvironment(w http.ResponseWriter, r *http.Request) {
	var env model.Environment
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		env.ID = id
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Name == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	switch env.SandboxType {
	case "mock", "docker", "cloudflare":
	default:
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown sandbox_type %q", env.SandboxType))
		return
	}
	if err := s.store.UpsertEnvironment(&env); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteEnvironment(id); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// --- Secrets ---

type createSecretRequest struct {
	Name  string           `json:"name"`
	Kind  model.SecretKind `json:"kind"`
	Value string           `json:"value"`
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	// model.Secret never serializes ciphertext; this is metadata only.
	writeData(w, http.StatusOK, secrets)
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Value == "" {
		writeErr(w, http.StatusBadRequest, "name and value are required")
		return
	}
	switch req.Kind {
	case model.SecretAIProvider, model.SecretEnvVar, model.SecretSandboxProvider:
	default:
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown secret kind %q", req.Kind))
		return
	}

	id := uuid.New().String()
	ct, version, err := s.box.EncryptValue(id, []byte(req.Value))
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	sec := &model.Secret{
		ID:         id,
		Name:       req.Name,
		Kind:       req.Kind,
		KeyVersion: version,
		Ciphertext: ct,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateSecret(sec); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, sec)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSecret(id); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// --- Models & settings ---

// defaultModels is served when no "models" setting overrides it.
var defaultModels = []map[string]string{
	{"provider": "anthropic", "id": "claude-sonnet-4-5"},
	{"provider": "anthropic", "id": "claude-opus-4-5"},
	{"provider": "openai", "id": "gpt-5.2"},
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	value, err := s.store.GetSetting("models")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeData(w, http.StatusOK, defaultModels)
			return
		}
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, json.RawMessage(value))
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	value, err := s.store.GetSetting(chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, json.RawMessage(value))
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeErr(w, http.StatusBadRequest, "value must be valid JSON")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.store.SetSetting(key, value); err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"key": key})
}

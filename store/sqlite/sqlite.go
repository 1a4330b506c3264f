// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/store"
)

// Store manages relay persistence in a single SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; funnel everything through one
	// connection so concurrent AppendEvent calls queue instead of failing
	// with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	// Cascade event deletes with their session.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			mode             TEXT NOT NULL DEFAULT 'chat',
			status           TEXT NOT NULL DEFAULT 'creating',
			repo_id          TEXT NOT NULL DEFAULT '',
			work_path        TEXT NOT NULL DEFAULT '',
			branch           TEXT NOT NULL DEFAULT '',
			environment_id   TEXT NOT NULL DEFAULT '',
			provider         TEXT NOT NULL DEFAULT '',
			provider_id      TEXT NOT NULL DEFAULT '',
			model_provider   TEXT NOT NULL DEFAULT '',
			model_id         TEXT NOT NULL DEFAULT '',
			system_prompt    TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			UNIQUE (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_seq
			ON events(session_id, seq);

		CREATE TABLE IF NOT EXISTS repos (
			id             TEXT PRIMARY KEY,
			full_name      TEXT NOT NULL,
			owner          TEXT NOT NULL,
			private        INTEGER NOT NULL DEFAULT 0,
			default_branch TEXT NOT NULL DEFAULT 'main',
			clone_url      TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS environments (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			sandbox_type  TEXT NOT NULL,
			image         TEXT NOT NULL DEFAULT '',
			worker_url    TEXT NOT NULL DEFAULT '',
			secret_id     TEXT NOT NULL DEFAULT '',
			resource_tier TEXT NOT NULL DEFAULT '',
			is_default    INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			kind        TEXT NOT NULL,
			key_version INTEGER NOT NULL DEFAULT 1,
			ciphertext  BLOB NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Time encoding ---

// All timestamps are stored as ISO-8601 UTC strings.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Sessions ---

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	if sess.Mode == "" {
		sess.Mode = model.ModeChat
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, mode, status, repo_id, work_path, branch,
			environment_id, provider, provider_id, model_provider, model_id,
			system_prompt, error, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Status, sess.RepoID, sess.WorkPath, sess.Branch,
		sess.EnvironmentID, sess.Provider, sess.ProviderID, sess.ModelProvider,
		sess.ModelID, sess.SystemPrompt, sess.Error,
		encodeTime(sess.CreatedAt), encodeTime(sess.LastActivityAt),
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(sessionSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session. LastActivityAt is
// written as-is; callers maintain its monotonicity.
func (s *Store) UpdateSession(sess *model.Session) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET
			mode = ?, status = ?, repo_id = ?, work_path = ?, branch = ?,
			environment_id = ?, provider = ?, provider_id = ?, model_provider = ?,
			model_id = ?, system_prompt = ?, error = ?, last_activity_at = ?
		 WHERE id = ?`,
		sess.Mode, sess.Status, sess.RepoID, sess.WorkPath, sess.Branch,
		sess.EnvironmentID, sess.Provider, sess.ProviderID, sess.ModelProvider,
		sess.ModelID, sess.SystemPrompt, sess.Error, encodeTime(sess.LastActivityAt),
		sess.ID,
	)
	if err != nil {
		return err
	}
	return noRowsIsNotFound(res)
}

// DeleteSession removes a session; its events cascade-delete.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return noRowsIsNotFound(res)
}

const sessionSelect = `SELECT id, mode, status, repo_id, work_path, branch,
	environment_id, provider, provider_id, model_provider, model_id,
	system_prompt, error, created_at, last_activity_at FROM sessions`

// --- Events ---

// AppendEvent computes the next per-session seq and inserts atomically.
// The UNIQUE(session_id, seq) constraint makes a lost race a hard error
// rather than a silent duplicate.
func (s *Store) AppendEvent(sessionID, eventType string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("computing seq: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO events (session_id, seq, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, eventType, string(payload), encodeTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// EventsAfter returns events with seq > afterSeq in ascending seq order.
func (s *Store) EventsAfter(sessionID string, afterSeq int64, limit int) ([]*model.Event, error) {
	q := `SELECT id, session_id, seq, type, payload, created_at
	      FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns the last n events in ascending order.
func (s *Store) RecentEvents(sessionID string, n int) ([]*model.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, type, payload, created_at FROM (
			SELECT id, session_id, seq, type, payload, created_at
			FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MaxSeq returns the highest seq for a session, or 0 if it has no events.
func (s *Store) MaxSeq(sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	return seq, err
}

// DeleteEvents removes all events for a session.
func (s *Store) DeleteEvents(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE session_id = ?`, sessionID)
	return err
}

// PruneEventsOlderThan deletes events older than cutoff for sessions in
// {archived, error} only.
func (s *Store) PruneEventsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM events WHERE created_at < ?
		 AND session_id IN (SELECT id FROM sessions WHERE status IN ('archived', 'error'))`,
		encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Repos ---

// UpsertRepo inserts or replaces repository metadata.
func (s *Store) UpsertRepo(r *model.Repo) error {
	_, err := s.db.Exec(
		`INSERT INTO repos (id, full_name, owner, private, default_branch, clone_url, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name, owner = excluded.owner,
			private = excluded.private, default_branch = excluded.default_branch,
			clone_url = excluded.clone_url, description = excluded.description`,
		r.ID, r.FullName, r.Owner, boolToInt(r.Private), r.DefaultBranch,
		r.CloneURL, r.Description,
	)
	return err
}

// GetRepo retrieves repository metadata by id ("owner/name").
func (s *Store) GetRepo(id string) (*model.Repo, error) {
	row := s.db.QueryRow(
		`SELECT id, full_name, owner, private, default_branch, clone_url, description
		 FROM repos WHERE id = ?`, id,
	)
	return scanRepo(row)
}

// ListRepos returns all known repositories ordered by full name.
func (s *Store) ListRepos() ([]*model.Repo, error) {
	rows, err := s.db.Query(
		`SELECT id, full_name, owner, private, default_branch, clone_url, description
		 FROM repos ORDER BY full_name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*model.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// --- Environments ---

// UpsertEnvironment inserts or replaces a sandbox template. At most one
// environment is the default; setting a new default clears the old one.
func (s *Store) UpsertEnvironment(e *model.Environment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if e.IsDefault {
		if _, err := tx.Exec(`UPDATE environments SET is_default = 0 WHERE id != ?`, e.ID); err != nil {
			return err
		}
	}
	_, err = tx.Exec(
		`INSERT INTO environments (id, name, sandbox_type, image, worker_url, secret_id, resource_tier, is_default)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, sandbox_type = excluded.sandbox_type,
			image = excluded.image, worker_url = excluded.worker_url,
			secret_id = excluded.secret_id, resource_tier = excluded.resource_tier,
			is_default = excluded.is_default`,
		e.ID, e.Name, e.SandboxType, e.Image, e.WorkerURL, e.SecretID,
		e.ResourceTier, boolToInt(e.IsDefault),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetEnvironment retrieves an environment by id.
func (s *Store) GetEnvironment(id string) (*model.Environment, error) {
	row := s.db.QueryRow(environmentSelect+` WHERE id = ?`, id)
	return scanEnvironment(row)
}

// GetDefaultEnvironment returns the environment flagged as default.
func (s *Store) GetDefaultEnvironment() (*model.Environment, error) {
	row := s.db.QueryRow(environmentSelect + ` WHERE is_default = 1 LIMIT 1`)
	return scanEnvironment(row)
}

// ListEnvironments returns all environments ordered by name.
func (s *Store) ListEnvironments() ([]*model.Environment, error) {
	rows, err := s.db.Query(environmentSelect + ` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// DeleteEnvironment removes an environment.
func (s *Store) DeleteEnvironment(id string) error {
	res, err := s.db.Exec(`DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return noRowsIsNotFound(res)
}

const environmentSelect = `SELECT id, name, sandbox_type, image, worker_url,
	secret_id, resource_tier, is_default FROM environments`

// --- Secrets ---

// CreateSecret inserts an encrypted secret.
func (s *Store) CreateSecret(sec *model.Secret) error {
	_, err := s.db.Exec(
		`INSERT INTO secrets (id, name, kind, key_version, ciphertext, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sec.ID, sec.Name, sec.Kind, sec.KeyVersion, sec.Ciphertext,
		encodeTime(sec.CreatedAt),
	)
	return err
}

// GetSecret retrieves a secret (ciphertext included) by id.
func (s *Store) GetSecret(id string) (*model.Secret, error) {
	row := s.db.QueryRow(
		`SELECT id, name, kind, key_version, ciphertext, created_at
		 FROM secrets WHERE id = ?`, id,
	)
	sec := &model.Secret{}
	var created string
	err := row.Scan(&sec.ID, &sec.Name, &sec.Kind, &sec.KeyVersion, &sec.Ciphertext, &created)
	if err != nil {
		return nil, mapNotFound(err)
	}
	sec.CreatedAt = decodeTime(created)
	return sec, nil
}

// ListSecrets returns secret metadata ordered by name. Ciphertext is
// included; callers expose metadata only.
func (s *Store) ListSecrets() ([]*model.Secret, error) {
	rows, err := s.db.Query(
		`SELECT id, name, kind, key_version, ciphertext, created_at
		 FROM secrets ORDER BY name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*model.Secret
	for rows.Next() {
		sec := &model.Secret{}
		var created string
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Kind, &sec.KeyVersion, &sec.Ciphertext, &created); err != nil {
			return nil, err
		}
		sec.CreatedAt = decodeTime(created)
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

// DeleteSecret removes a secret.
func (s *Store) DeleteSecret(id string) error {
	res, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return noRowsIsNotFound(res)
}

// --- Settings ---

// GetSetting returns the JSON value for a key.
func (s *Store) GetSetting(key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return json.RawMessage(value), nil
}

// SetSetting inserts or replaces the JSON value for a key.
func (s *Store) SetSetting(key string, value json.RawMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value),
	)
	return err
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	var created, lastActivity string
	err := row.Scan(
		&sess.ID, &sess.Mode, &sess.Status, &sess.RepoID, &sess.WorkPath,
		&sess.Branch, &sess.EnvironmentID, &sess.Provider, &sess.ProviderID,
		&sess.ModelProvider, &sess.ModelID, &sess.SystemPrompt, &sess.Error,
		&created, &lastActivity,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	sess.CreatedAt = decodeTime(created)
	sess.LastActivityAt = decodeTime(lastActivity)
	return sess, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		var payload, created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = decodeTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanRepo(row scannable) (*model.Repo, error) {
	r := &model.Repo{}
	var private int
	err := row.Scan(&r.ID, &r.FullName, &r.Owner, &private, &r.DefaultBranch, &r.CloneURL, &r.Description)
	if err != nil {
		return nil, mapNotFound(err)
	}
	r.Private = private != 0
	return r, nil
}

func scanEnvironment(row scannable) (*model.Environment, error) {
	e := &model.Environment{}
	var isDefault int
	err := row.Scan(&e.ID, &e.Name, &e.SandboxType, &e.Image, &e.WorkerURL, &e.SecretID, &e.ResourceTier, &isDefault)
	if err != nil {
		return nil, mapNotFound(err)
	}
	e.IsDefault = isDefault != 0
	return e, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func noRowsIsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

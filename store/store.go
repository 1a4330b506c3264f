// Package store defines the Store interface for relay persistence.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pi-agent/relay/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides durable state: sessions, events, repos, environments,
// secrets, and settings. All mutation is transactional; the store is the
// only source of truth — in-memory state elsewhere must be reconstructible
// from it.
type Store interface {
	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions() ([]*model.Session, error)
	UpdateSession(sess *model.Session) error
	// DeleteSession removes the session row; its events cascade-delete.
	DeleteSession(id string) error

	// AppendEvent computes seq = max(seq for session)+1 and inserts
	// atomically. A duplicate (sessionID, seq) fails the transaction.
	AppendEvent(sessionID, eventType string, payload json.RawMessage) (int64, error)
	// EventsAfter returns events with seq > afterSeq, ascending.
	// limit <= 0 means no limit.
	EventsAfter(sessionID string, afterSeq int64, limit int) ([]*model.Event, error)
	// RecentEvents returns the last n events in ascending order.
	RecentEvents(sessionID string, n int) ([]*model.Event, error)
	// MaxSeq returns 0 for a session with no events.
	MaxSeq(sessionID string) (int64, error)
	DeleteEvents(sessionID string) error
	// PruneEventsOlderThan deletes events older than cutoff, but only for
	// sessions in {archived, error}. Active and idle sessions are never
	// pruned. Returns the number of deleted rows.
	PruneEventsOlderThan(cutoff time.Time) (int64, error)

	UpsertRepo(r *model.Repo) error
	GetRepo(id string) (*model.Repo, error)
	ListRepos() ([]*model.Repo, error)

	UpsertEnvironment(e *model.Environment) error
	GetEnvironment(id string) (*model.Environment, error)
	GetDefaultEnvironment() (*model.Environment, error)
	ListEnvironments() ([]*model.Environment, error)
	DeleteEnvironment(id string) error

	CreateSecret(s *model.Secret) error
	GetSecret(id string) (*model.Secret, error)
	ListSecrets() ([]*model.Secret, error)
	DeleteSecret(id string) error

	GetSetting(key string) (json.RawMessage, error)
	SetSetting(key string, value json.RawMessage) error

	Close() error
}

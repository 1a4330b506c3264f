// Package journal provides the per-session append-only event log.
//
// The journal is a thin façade over the store that enforces the
// append-only contract: per-session seqs are strictly monotonic,
// start at 1, and form a contiguous range with no gaps or duplicates
// for any interleaving of concurrent appends.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/store"
)

// DefaultReplayLimit caps a single replay batch.
const DefaultReplayLimit = 1000

// Journal appends and reads session events.
type Journal struct {
	store store.Store
}

// New creates a Journal over the given store.
func New(s store.Store) *Journal {
	return &Journal{store: s}
}

// Append journals one event and returns its seq. The store allocates
// seq = max+1 inside a transaction; a duplicate (sessionID, seq) is a
// journal-integrity bug and fails the append rather than being silently
// accepted.
func (j *Journal) Append(sessionID, eventType string, payload json.RawMessage) (int64, error) {
	seq, err := j.store.AppendEvent(sessionID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	return seq, nil
}

// AppendJSON marshals v and journals it under the given type.
func (j *Journal) AppendJSON(sessionID, eventType string, v any) (int64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("journal marshal: %w", err)
	}
	return j.Append(sessionID, eventType, payload)
}

// GetAfterSeq returns events with seq > afterSeq, ascending.
// limit <= 0 means unbounded.
func (j *Journal) GetAfterSeq(sessionID string, afterSeq int64, limit int) ([]*model.Event, error) {
	return j.store.EventsAfter(sessionID, afterSeq, limit)
}

// GetRecent returns the last n events in ascending order.
func (j *Journal) GetRecent(sessionID string, n int) ([]*model.Event, error) {
	return j.store.RecentEvents(sessionID, n)
}

// GetMaxSeq returns the current journal checkpoint (0 if empty).
func (j *Journal) GetMaxSeq(sessionID string) (int64, error) {
	return j.store.MaxSeq(sessionID)
}

// DeleteForSession removes all journaled events for a session.
func (j *Journal) DeleteForSession(sessionID string) error {
	return j.store.DeleteEvents(sessionID)
}

// PruneOlderThan deletes events older than cutoff for terminal sessions
// (archived/error) only.
func (j *Journal) PruneOlderThan(cutoff time.Time) (int64, error) {
	return j.store.PruneEventsOlderThan(cutoff)
}

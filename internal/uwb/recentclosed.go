package uwb

import (
	"time"

	"github.com/rs/xid"

	"github.com/uwbplatform/uwbd/internal/callbacks"
	"github.com/uwbplatform/uwbd/internal/uci"
)

// ClosedSessionRecord is a diagnostic snapshot of a session that has left
// the Manager's live session table, retained for a bounded window after
// closure (spec.md §4.1 "session-table cleanup... LRU snapshot").
type ClosedSessionRecord struct {
	ID          xid.ID
	Handle      callbacks.Handle
	SessionID   uint32
	Chip        uci.ChipID
	SessionType uci.SessionType
	FinalState  uci.State
	ClosedAt    time.Time
}

// recentlyClosed is a fixed-capacity, insertion-ordered ring of the most
// recently closed sessions, kept for diagnostics after a session leaves
// m.sessions. Not safe for concurrent use: owned exclusively by the
// Manager's event-loop goroutine, like every other piece of session state
// (spec.md §5).
type recentlyClosed struct {
	cap     int
	entries []ClosedSessionRecord
}

func newRecentlyClosed(capacity int) *recentlyClosed {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentlyClosed{cap: capacity}
}

// record appends a snapshot of sess, evicting the oldest entry once the
// ring is at capacity.
func (r *recentlyClosed) record(sess *UwbSession) ClosedSessionRecord {
	rec := ClosedSessionRecord{
		ID:          xid.New(),
		Handle:      sess.handle,
		SessionID:   sess.sessionID,
		Chip:        sess.chip,
		SessionType: sess.sessionType,
		FinalState:  sess.state,
		ClosedAt:    time.Now(),
	}
	r.entries = append(r.entries, rec)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	return rec
}

// snapshot returns a copy of the retained records, oldest first.
func (r *recentlyClosed) snapshot() []ClosedSessionRecord {
	out := make([]ClosedSessionRecord, len(r.entries))
	copy(out, r.entries)
	return out
}

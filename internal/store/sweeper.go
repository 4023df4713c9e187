// Background sweeper that abandons sessions with no participant activity.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// Sweeper default tuning.
const (
	DefaultSweepInterval    = time.Minute
	DefaultInactivityWindow = 30 * time.Minute
)

// SessionSweeper periodically scans active sessions and marks those past the
// inactivity window as abandoned, so dashboards and exports reflect dropouts
// without manual cleanup.
type SessionSweeper struct {
	store      Store
	interval   time.Duration
	inactivity time.Duration
	// onAbandon, when set, is invoked after a session is marked abandoned.
	// The API server uses it to close any lingering chat connections.
	onAbandon func(sessionID string)
}

// NewSessionSweeper creates a sweeper over the given store. Non-positive
// durations fall back to defaults.
func NewSessionSweeper(st Store, interval, inactivity time.Duration) *SessionSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if inactivity <= 0 {
		inactivity = DefaultInactivityWindow
	}
	return &SessionSweeper{store: st, interval: interval, inactivity: inactivity}
}

// OnAbandon registers a callback fired for each session the sweeper abandons.
func (sw *SessionSweeper) OnAbandon(fn func(sessionID string)) {
	sw.onAbandon = fn
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (sw *SessionSweeper) Run(ctx context.Context) {
	slog.Info("SessionSweeper.Run: starting", "interval", sw.interval, "inactivity", sw.inactivity)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SessionSweeper.Run: stopping")
			return
		case <-ticker.C:
			sw.sweep()
		}
	}
}

func (sw *SessionSweeper) sweep() {
	sessions, err := sw.store.ListSessions()
	if err != nil {
		slog.Error("SessionSweeper.sweep: list failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-sw.inactivity)
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		if !sw.isStale(sess, cutoff) {
			continue
		}
		sess.End(models.SessionStatusAbandoned)
		if err := sw.store.SaveSession(sess); err != nil {
			slog.Error("SessionSweeper.sweep: save failed", "error", err, "session_id", sess.SessionID)
			continue
		}
		slog.Info("SessionSweeper.sweep: session abandoned", "session_id", sess.SessionID,
			"last_activity", sess.LastActivity)
		if sw.onAbandon != nil {
			sw.onAbandon(sess.SessionID)
		}
	}
}

// isStale reports whether the session's last activity predates the cutoff. A
// session with an unparseable activity timestamp is never swept; abandoning
// live participants is worse than keeping a stale row.
func (sw *SessionSweeper) isStale(sess *models.Session, cutoff time.Time) bool {
	ts := sess.LastActivity
	if ts == "" {
		ts = sess.CreatedAt
	}
	last, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		slog.Warn("SessionSweeper.isStale: unparseable activity timestamp",
			"session_id", sess.SessionID, "value", ts)
		return false
	}
	return last.Before(cutoff)
}

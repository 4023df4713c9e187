package store

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// exerciseStore runs the shared contract checks against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	sess := models.NewSession("sess-1")
	sess.ExperimentID = "exp-1"
	sess.ParticipantCode = "P001"
	sess.AddParticipant("client-1")
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.SessionID != "sess-1" || got.ParticipantCode != "P001" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "client-1" {
		t.Errorf("participants not round-tripped: %v", got.Participants)
	}

	// Saving again must update, not duplicate.
	sess.Status = models.SessionStatusCompleted
	sess.FlowCompleted = true
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession update failed: %v", err)
	}
	got, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after update failed: %v", err)
	}
	if got.Status != models.SessionStatusCompleted || !got.FlowCompleted {
		t.Errorf("update not persisted: %+v", got)
	}

	if missing, err := s.GetSession("nope"); err != nil || missing != nil {
		t.Errorf("missing session should be (nil, nil), got (%v, %v)", missing, err)
	}

	other := models.NewSession("sess-2")
	other.ExperimentID = "exp-2"
	if err := s.SaveSession(other); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	byExp, err := s.ListSessionsByExperiment("exp-1")
	if err != nil {
		t.Fatalf("ListSessionsByExperiment failed: %v", err)
	}
	if len(byExp) != 1 || byExp[0].SessionID != "sess-1" {
		t.Errorf("experiment filter wrong: %v", byExp)
	}
	all, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}

	msg := models.NewMessage("m1", "sess-1", "client-1", models.MessageTypeUser, "hello world", "2026-03-01T10:00:00Z")
	if err := s.AddMessage(msg); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	msgs, err := s.GetMessages("sess-1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello world" || msgs[0].WordCount != 2 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if err := s.DeleteMessages("sess-1"); err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	msgs, err = s.GetMessages("sess-1")
	if err != nil {
		t.Fatalf("GetMessages after delete failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages not deleted: %v", msgs)
	}

	exp := models.NewExperiment("exp-1", "Politeness study", "Bot formality manipulation", "researcher-1")
	if err := s.SaveExperiment(exp); err != nil {
		t.Fatalf("SaveExperiment failed: %v", err)
	}
	gotExp, err := s.GetExperiment("exp-1")
	if err != nil {
		t.Fatalf("GetExperiment failed: %v", err)
	}
	if gotExp == nil || gotExp.Name != "Politeness study" {
		t.Fatalf("unexpected experiment: %+v", gotExp)
	}

	cond := &models.Condition{
		ConditionID: "cond-1",
		Name:        "Formal bot",
		BotModel:    "llama3",
		ExperimentFlow: []models.FlowStep{
			{StepID: "consent", Type: models.StepTypeConsent},
		},
	}
	if err := s.SaveCondition(cond); err != nil {
		t.Fatalf("SaveCondition failed: %v", err)
	}
	gotCond, err := s.GetCondition("cond-1")
	if err != nil {
		t.Fatalf("GetCondition failed: %v", err)
	}
	if gotCond == nil || len(gotCond.ExperimentFlow) != 1 || gotCond.ExperimentFlow[0].StepID != "consent" {
		t.Fatalf("flow not round-tripped: %+v", gotCond)
	}

	if err := s.DeleteSession("sess-2"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if gone, err := s.GetSession("sess-2"); err != nil || gone != nil {
		t.Errorf("session not deleted: (%v, %v)", gone, err)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestInMemoryStoreIsolation(t *testing.T) {
	s := NewInMemoryStore()
	sess := models.NewSession("sess-1")
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	// Mutating the caller's copy must not leak into the store.
	sess.ParticipantCode = "MUTATED"
	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ParticipantCode == "MUTATED" {
		t.Error("store shares memory with caller")
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chatlab.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chatlab.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	sess := models.NewSession("persist-1")
	sess.ExperimentID = "exp-1"
	if err := s1.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetSession("persist-1")
	if err != nil {
		t.Fatalf("GetSession after reopen failed: %v", err)
	}
	if got == nil || got.ExperimentID != "exp-1" {
		t.Fatalf("session did not survive reopen: %+v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	s.db.Exec("DELETE FROM messages")
	s.db.Exec("DELETE FROM sessions")
	s.db.Exec("DELETE FROM experiments")
	s.db.Exec("DELETE FROM conditions")
	exerciseStore(t, s)
}

func TestFromDSN(t *testing.T) {
	s, err := FromDSN("")
	if err != nil {
		t.Fatalf("FromDSN empty failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("empty DSN should yield in-memory store, got %T", s)
	}

	dbPath := filepath.Join(t.TempDir(), "chatlab.db")
	s, err = FromDSN(dbPath)
	if err != nil {
		t.Fatalf("FromDSN sqlite failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("file DSN should yield SQLite store, got %T", s)
	}
}

func TestSessionSweeper(t *testing.T) {
	s := NewInMemoryStore()

	stale := models.NewSession("stale-1")
	stale.LastActivity = time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	if err := s.SaveSession(stale); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	fresh := models.NewSession("fresh-1")
	if err := s.SaveSession(fresh); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	done := models.NewSession("done-1")
	done.Status = models.SessionStatusCompleted
	done.LastActivity = stale.LastActivity
	if err := s.SaveSession(done); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	var abandoned []string
	sw := NewSessionSweeper(s, time.Minute, 30*time.Minute)
	sw.OnAbandon(func(sessionID string) {
		abandoned = append(abandoned, sessionID)
	})
	sw.sweep()

	got, _ := s.GetSession("stale-1")
	if got.Status != models.SessionStatusAbandoned {
		t.Errorf("stale session status = %s, want abandoned", got.Status)
	}
	if got.EndedAt == "" {
		t.Error("abandoned session should have ended_at set")
	}
	if fresh2, _ := s.GetSession("fresh-1"); fresh2.Status != models.SessionStatusActive {
		t.Errorf("fresh session status = %s, want active", fresh2.Status)
	}
	if done2, _ := s.GetSession("done-1"); done2.Status != models.SessionStatusCompleted {
		t.Errorf("terminal session status = %s, should be untouched", done2.Status)
	}
	if len(abandoned) != 1 || abandoned[0] != "stale-1" {
		t.Errorf("abandon callback = %v, want [stale-1]", abandoned)
	}
}

func TestSessionSweeperBadTimestamp(t *testing.T) {
	s := NewInMemoryStore()
	sess := models.NewSession("odd-1")
	sess.LastActivity = "garbage"
	sess.CreatedAt = "also garbage"
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	sw := NewSessionSweeper(s, 0, 0)
	sw.sweep()
	got, _ := s.GetSession("odd-1")
	if got.Status != models.SessionStatusActive {
		t.Errorf("session with unparseable timestamps should not be swept, got %s", got.Status)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

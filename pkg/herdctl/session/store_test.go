package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, stateDir string) *Store {
	t.Helper()
	return NewStore(Options{
		StateDir: stateDir,
		Platform: "discord",
		Agent:    "reviewer",
	})
}

func TestGetOrCreate(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	rec, isNew, err := store.GetOrCreate("chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !isNew {
		t.Error("first GetOrCreate should create")
	}
	if !strings.HasPrefix(rec.SessionID, "discord-reviewer-") {
		t.Errorf("SessionID = %q, want discord-reviewer- prefix", rec.SessionID)
	}

	again, isNew, err := store.GetOrCreate("chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if isNew {
		t.Error("second GetOrCreate should reuse")
	}
	if again.SessionID != rec.SessionID {
		t.Errorf("SessionID changed: %q != %q", again.SessionID, rec.SessionID)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store := newTestStore(t, dir)
	if err := store.Set("chan-1", "backend-session-42"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.IncrementMessageCount("chan-1"); err != nil {
		t.Fatalf("IncrementMessageCount() error = %v", err)
	}

	// A fresh store over the same state dir sees the same session.
	reopened := newTestStore(t, dir)
	rec, ok, err := reopened.Get("chan-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("session should survive a store restart")
	}
	if rec.SessionID != "backend-session-42" {
		t.Errorf("SessionID = %q, want backend-session-42", rec.SessionID)
	}
	if rec.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", rec.MessageCount)
	}
}

func TestSessionIDStoredVerbatim(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	// Backend session ids are opaque; odd characters must round-trip.
	id := "sess_äöü/++?:#"
	if err := store.Set("chan-1", id); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	rec, ok, err := newTestStore(t, dir).Get("chan-1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if rec.SessionID != id {
		t.Errorf("SessionID = %q, want %q", rec.SessionID, id)
	}
}

func TestExpiry(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Options{
		StateDir: dir,
		Platform: "discord",
		Agent:    "reviewer",
		Expiry:   time.Hour,
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	first, _, err := store.GetOrCreate("chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	// Within the expiry window the session is reused.
	now = base.Add(59 * time.Minute)
	if _, ok, _ := store.Get("chan-1"); !ok {
		t.Error("session should still be alive before expiry")
	}

	// Past the window it is gone, and GetOrCreate mints a new one.
	now = base.Add(2 * time.Hour)
	if _, ok, _ := store.Get("chan-1"); ok {
		t.Error("expired session should not be returned")
	}
	fresh, isNew, err := store.GetOrCreate("chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !isNew {
		t.Error("GetOrCreate after expiry should create")
	}
	if fresh.SessionID == first.SessionID {
		t.Error("expired session id should not be reused")
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "discord-sessions")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sessDir, "reviewer.yaml")
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, dir)
	rec, isNew, err := store.GetOrCreate("chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate() over corrupt file error = %v", err)
	}
	if !isNew || rec.SessionID == "" {
		t.Error("store should start empty after quarantining")
	}

	// The corrupt bytes are preserved under a .corrupt-<ts> name.
	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("quarantine file matches = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil || string(data) != "{{{ not yaml" {
		t.Errorf("quarantined bytes = %q, want original content", data)
	}
}

func TestUnknownVersionQuarantined(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "discord-sessions")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sessDir, "reviewer.yaml")
	future := "version: 99\nagent: reviewer\nsessions: {}\n"
	if err := os.WriteFile(path, []byte(future), 0o600); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, dir)
	if _, ok, err := store.Get("chan-1"); err != nil || ok {
		t.Errorf("Get() = %v, %v; want empty store", ok, err)
	}
	if matches, _ := filepath.Glob(path + ".corrupt-*"); len(matches) != 1 {
		t.Errorf("unknown-version file should be quarantined, matches = %v", matches)
	}
}

func TestLegacyFormatMigrated(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "discord-sessions")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sessDir, "reviewer.yaml")
	legacy := strings.Join([]string{
		"chan-1:",
		"  session_id: old-session-1",
		"  started_at: 2026-03-01T10:00:00Z",
		"  last_message_at: 2026-03-01T11:00:00Z",
		"  message_count: 7",
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, dir)
	store.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	rec, ok, err := store.Get("chan-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("legacy session should be migrated, not lost")
	}
	if rec.SessionID != "old-session-1" || rec.MessageCount != 7 {
		t.Errorf("migrated record = %+v", rec)
	}

	// The file is rewritten with the current schema header.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "version: 1") {
		t.Errorf("migrated file should carry the schema version, got:\n%s", data)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	if _, _, err := store.GetOrCreate("chan-1"); err != nil {
		t.Fatal(err)
	}
	existed, err := store.Clear("chan-1")
	if err != nil || !existed {
		t.Errorf("Clear() = %v, %v; want true, nil", existed, err)
	}
	if _, ok, _ := store.Get("chan-1"); ok {
		t.Error("cleared session should be gone")
	}
	existed, err = store.Clear("chan-1")
	if err != nil || existed {
		t.Errorf("second Clear() = %v, %v; want false, nil", existed, err)
	}
}

func TestCleanupExpired(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Options{
		StateDir: dir, Platform: "discord", Agent: "reviewer", Expiry: time.Hour,
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	store.GetOrCreate("old")
	now = base.Add(50 * time.Minute)
	store.GetOrCreate("fresh")

	now = base.Add(90 * time.Minute)
	removed, err := store.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	n, _ := store.Count()
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

package session

import (
	"testing"
	"time"
)

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Config{
		IdleTimeout:     30 * time.Minute,
		MaxDuration:     2 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestCreate_OnePerConnection(t *testing.T) {
	r, _ := newTestRegistry()

	first := r.Create("conn-1", Metadata{SampleRate: 48000})
	second := r.Create("conn-1", Metadata{SampleRate: 8000})

	if first.SessionID != second.SessionID {
		t.Errorf("second Create returned a new session: %q vs %q", first.SessionID, second.SessionID)
	}
	if second.Metadata.SampleRate != 48000 {
		t.Error("existing session metadata must not be overwritten")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSessionIDs_UniqueAndSortable(t *testing.T) {
	r, _ := newTestRegistry()
	seen := make(map[string]bool)
	var prev string
	for i := range 50 {
		s := r.Create(string(rune('a'+i%26))+string(rune('0'+i/26)), Metadata{})
		if seen[s.SessionID] {
			t.Fatalf("duplicate session ID %q", s.SessionID)
		}
		seen[s.SessionID] = true
		// UUIDv7 sorts by creation time lexicographically.
		if prev != "" && s.SessionID < prev {
			t.Fatalf("session IDs not time-ordered: %q after %q", s.SessionID, prev)
		}
		prev = s.SessionID
	}
}

func TestGetBySessionID_ReverseIndex(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Create("conn-1", Metadata{Language: "en"})

	got, ok := r.GetBySessionID(s.SessionID)
	if !ok {
		t.Fatal("session not found by ID")
	}
	if got.ConnectionID != "conn-1" {
		t.Errorf("ConnectionID = %q, want conn-1", got.ConnectionID)
	}

	r.Delete("conn-1")
	if _, ok := r.GetBySessionID(s.SessionID); ok {
		t.Error("reverse index entry must be removed with the session")
	}
}

func TestUpdateState_TouchesActivity(t *testing.T) {
	r, now := newTestRegistry()
	r.Create("conn-1", Metadata{})

	*now = now.Add(10 * time.Minute)
	if !r.UpdateState("conn-1", StateActive) {
		t.Fatal("UpdateState returned false")
	}

	s, _ := r.Get("conn-1")
	if s.State != StateActive {
		t.Errorf("State = %q, want active", s.State)
	}
	if !s.LastActivityAt.Equal(*now) {
		t.Errorf("LastActivityAt = %v, want %v", s.LastActivityAt, *now)
	}
}

func TestUpdate_MissingSession(t *testing.T) {
	r, _ := newTestRegistry()
	if r.Update("nope", func(s *Session) {}) {
		t.Error("Update on a missing session must return false")
	}
}

func TestSweep_IdleTimeout(t *testing.T) {
	r, now := newTestRegistry()
	r.Create("idle", Metadata{})
	r.Create("fresh", Metadata{})

	*now = now.Add(20 * time.Minute)
	r.Touch("fresh")

	*now = now.Add(15 * time.Minute) // idle: 35m, fresh: 15m
	var evicted []Session
	r.onEvict = func(s Session) { evicted = append(evicted, s) }

	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0].ConnectionID != "idle" {
		t.Errorf("evicted = %+v, want the idle session", evicted)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session must survive the sweep")
	}
}

func TestSweep_MaxDuration(t *testing.T) {
	r, now := newTestRegistry()
	r.Create("old", Metadata{})

	// Keep touching so idle never fires; age alone must evict.
	for range 5 {
		*now = now.Add(29 * time.Minute)
		r.Touch("old")
	}

	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep evicted %d, want 1 (age %v)", n, 5*29*time.Minute)
	}
}

func TestAttachmentFlags(t *testing.T) {
	r, _ := newTestRegistry()
	r.Create("conn-1", Metadata{})
	r.Update("conn-1", func(s *Session) {
		s.STTAttached = true
		s.LLMAttached = true
	})
	s, _ := r.Get("conn-1")
	if !s.STTAttached || s.TTSAttached || !s.LLMAttached {
		t.Errorf("flags = stt:%v tts:%v llm:%v", s.STTAttached, s.TTSAttached, s.LLMAttached)
	}
}

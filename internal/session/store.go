package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bitflow/flowproxy/internal/logging"
)

// Default bounds for a Store.
const (
	DefaultMaxSessions = 10000
	DefaultTTL         = 24 * time.Hour
)

// Session is a snapshot of one session's turn state.
type Session struct {
	ID             string    `json:"id"`
	TurnCount      int       `json:"turnCount"`
	IsFirstTurn    bool      `json:"isFirstTurn"`
	LastTurnAt     time.Time `json:"lastTurnAt"`
	CachedArtifact string    `json:"cachedArtifact,omitempty"`
	HasArtifact    bool      `json:"hasArtifact"`
}

// Options configures a Store.
type Options struct {
	// MaxSessions caps the number of tracked sessions. Zero means
	// DefaultMaxSessions; a negative value removes the cap.
	MaxSessions int
	// TTL expires a session this long after its last turn. Zero means
	// DefaultTTL; a negative value disables expiry.
	TTL time.Duration
	// Now overrides the clock used for LastTurnAt.
	Now func() time.Time
}

// Store is a concurrency-safe registry of session turn state and cached
// artifacts.
type Store struct {
	// mu serializes every read-modify-write so RegisterTurn is atomic.
	mu       sync.Mutex
	sessions *expirable.LRU[string, *Session]
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	size := opts.MaxSessions
	switch {
	case size == 0:
		size = DefaultMaxSessions
	case size < 0:
		size = 0 // unbounded
	}
	ttl := opts.TTL
	switch {
	case ttl == 0:
		ttl = DefaultTTL
	case ttl < 0:
		ttl = 0 // no expiry
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	onEvict := func(id string, s *Session) {
		logging.Debug().
			Str("sessionID", id).
			Int("turnCount", s.TurnCount).
			Msg("session evicted")
	}

	return &Store{
		sessions: expirable.NewLRU[string, *Session](size, onEvict, ttl),
		now:      now,
	}
}

// Registration is the outcome of registering one turn.
type Registration struct {
	IsFirstTurn bool
	Previous    string
	HasPrevious bool
	// Number is the 1-based turn number assigned to this turn.
	Number int
}

// RegisterTurn records a new turn for id and reports whether it is the
// session's first turn together with the artifact cached by earlier turns.
// The first-turn flag is read and cleared under the same lock, so it is
// observed as true at most once per session lifetime.
func (s *Store) RegisterTurn(id string) (isFirstTurn bool, previous string, hasPrevious bool) {
	reg := s.Register(id)
	return reg.IsFirstTurn, reg.Previous, reg.HasPrevious
}

// Register is RegisterTurn that also returns the turn number, read under
// the same lock.
func (s *Store) Register(id string) Registration {
	s.mu.Lock()
	state, ok := s.sessions.Get(id)
	if !ok {
		state = &Session{ID: id, IsFirstTurn: true}
	}
	state.TurnCount++
	state.LastTurnAt = s.now()
	reg := Registration{
		IsFirstTurn: state.IsFirstTurn,
		Previous:    state.CachedArtifact,
		HasPrevious: state.HasArtifact,
		Number:      state.TurnCount,
	}
	state.IsFirstTurn = false
	// Add refreshes both recency and expiry.
	s.sessions.Add(id, state)
	s.mu.Unlock()

	logging.Info().
		Str("sessionID", id).
		Int("turnCount", reg.Number).
		Bool("first", reg.IsFirstTurn).
		Bool("hasArtifact", reg.HasPrevious).
		Msg("session turn registered")

	return reg
}

// CacheArtifactIfPresent extracts a draw.io document from rawText and, when
// one is found, replaces the session's cached artifact. Text without an
// artifact leaves the store untouched. It returns the stored artifact and
// whether anything was stored.
func (s *Store) CacheArtifactIfPresent(id, rawText string) (string, bool) {
	artifact, ok := ExtractArtifact(rawText)
	if !ok {
		logging.Debug().Str("sessionID", id).Int("contentLength", len(rawText)).Msg("no artifact in response")
		return "", false
	}

	s.mu.Lock()
	state, found := s.sessions.Peek(id)
	if !found {
		// Evicted mid-turn. The turn that produced the artifact already
		// happened, so the next one is a follow-up.
		state = &Session{ID: id, TurnCount: 1, LastTurnAt: s.now()}
		s.sessions.Add(id, state)
	}
	state.CachedArtifact = artifact
	state.HasArtifact = true
	s.mu.Unlock()

	logging.Info().Str("sessionID", id).Int("artifactLength", len(artifact)).Msg("cached artifact")
	return artifact, true
}

// Snapshot returns a copy of the session's state.
func (s *Store) Snapshot(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions.Peek(id)
	if !ok {
		return Session{}, false
	}
	return *state, true
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Len()
}

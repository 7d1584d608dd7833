package steam

import (
	"sync"
	"time"
)

// SessionState tracks what we know about the saved steam login.
type SessionState int

const (
	// SessionUnknown means the saved login has not been checked yet.
	SessionUnknown SessionState = iota
	// SessionVerified means a login succeeded without a second-factor
	// prompt; fetches may run without a password argument.
	SessionVerified
	// SessionInvalid means the tool reported a credential error or a
	// second-factor prompt; a full login is required.
	SessionInvalid
)

func (s SessionState) String() string {
	switch s {
	case SessionVerified:
		return "verified"
	case SessionInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Session is the process-wide login state owned by the Adapter. Other
// components never read it directly; they attempt operations and handle the
// re-auth outcome.
type Session struct {
	mu             sync.Mutex
	username       string
	state          SessionState
	lastVerifiedAt time.Time
	cacheWindow    time.Duration
}

// NewSession creates a session for username with the given cache window.
func NewSession(username string, cacheWindow time.Duration) *Session {
	if cacheWindow <= 0 {
		cacheWindow = 30 * time.Minute
	}
	return &Session{
		username:    username,
		cacheWindow: cacheWindow,
	}
}

// Username returns the configured account name, empty in anonymous mode.
func (s *Session) Username() string {
	return s.username
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CachedValid reports whether the saved login can be reused without a verify
// round trip: verified, and last verified within the cache window.
func (s *Session) CachedValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionVerified && time.Since(s.lastVerifiedAt) < s.cacheWindow
}

// MarkVerified records a login success without a second-factor prompt.
func (s *Session) MarkVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionVerified
	s.lastVerifiedAt = time.Now()
}

// MarkInvalid records a re-auth signal observed mid-run.
func (s *Session) MarkInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionInvalid
}

package session

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/courtside-app/courtside/internal/api"
)

// Phase is the authentication phase of the session.
type Phase string

const (
	PhaseAnonymous      Phase = "ANONYMOUS"
	PhaseAuthenticating Phase = "AUTHENTICATING"
	PhaseAuthenticated  Phase = "AUTHENTICATED"
)

// StateCell owns the in-memory session state: the current phase, the
// authenticated user record, and a monotonic epoch. All mutation goes
// through the Apply* reducers so every write site is auditable. The epoch
// increments on each teardown; async results captured under an older epoch
// are stale and must be discarded by their handlers.
type StateCell struct {
	mu    sync.RWMutex
	phase Phase
	user  *api.User
	epoch uint64
}

// NewStateCell creates a cell in the anonymous phase.
func NewStateCell() *StateCell {
	return &StateCell{phase: PhaseAnonymous}
}

// Phase returns the current phase.
func (s *StateCell) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// IsAuthenticated reports whether a user is present.
func (s *StateCell) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// User returns a copy of the current user, or nil when anonymous.
func (s *StateCell) User() *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUser(s.user)
}

// Epoch returns the current session epoch.
func (s *StateCell) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// ApplyAuthenticating marks a credentialed flow in progress.
func (s *StateCell) ApplyAuthenticating() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAuthenticating
}

// ApplyAuthFailed returns to anonymous after a failed login or register.
func (s *StateCell) ApplyAuthFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseAuthenticating {
		s.phase = PhaseAnonymous
	}
}

// ApplyLoginSuccess installs the authenticated user.
func (s *StateCell) ApplyLoginSuccess(u *api.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAuthenticated
	s.user = copyUser(u)
}

// ApplyUserReplaced swaps in a server-authoritative user record. A no-op
// when anonymous (a stale fetch must not resurrect a torn-down session).
func (s *StateCell) ApplyUserReplaced(u *api.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return
	}
	s.user = copyUser(u)
}

// ApplyLogout tears down to anonymous and bumps the epoch.
func (s *StateCell) ApplyLogout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAnonymous
	s.user = nil
	s.epoch++
}

// ApplyOptimisticPatch merges patch (JSON field names) into the local user
// immediately and returns the exact prior record for rollback. Returns nil
// when anonymous; callers must not issue the server update in that case.
func (s *StateCell) ApplyOptimisticPatch(patch map[string]any) *api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	snapshot := copyUser(s.user)

	patched := copyUser(s.user)
	if raw, err := json.Marshal(patch); err == nil {
		// Unknown fields are ignored; known fields overwrite.
		_ = json.Unmarshal(raw, patched)
	}
	s.user = patched

	return snapshot
}

// Rollback restores a snapshot captured by ApplyOptimisticPatch, verbatim.
func (s *StateCell) Rollback(snapshot *api.User) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		// Session was torn down while the update was in flight.
		return
	}
	s.user = copyUser(snapshot)
}

func copyUser(u *api.User) *api.User {
	if u == nil {
		return nil
	}
	c := *u
	c.FavoriteSports = slices.Clone(u.FavoriteSports)
	return &c
}

package session

import (
	"testing"

	"github.com/courtside-app/courtside/internal/api"
)

func TestStateCellInitialState(t *testing.T) {
	s := NewStateCell()
	if s.Phase() != PhaseAnonymous {
		t.Errorf("phase = %s, want ANONYMOUS", s.Phase())
	}
	if s.IsAuthenticated() {
		t.Error("anonymous cell reports authenticated")
	}
	if s.User() != nil {
		t.Error("anonymous cell has a user")
	}
}

func TestLoginLogoutCycle(t *testing.T) {
	s := NewStateCell()

	s.ApplyAuthenticating()
	if s.Phase() != PhaseAuthenticating {
		t.Errorf("phase = %s, want AUTHENTICATING", s.Phase())
	}

	s.ApplyLoginSuccess(&api.User{ID: "u1", Name: "Alex"})
	if !s.IsAuthenticated() || s.Phase() != PhaseAuthenticated {
		t.Error("not authenticated after login success")
	}
	if s.User().ID != "u1" {
		t.Errorf("user id = %q", s.User().ID)
	}

	epochBefore := s.Epoch()
	s.ApplyLogout()
	if s.IsAuthenticated() || s.User() != nil {
		t.Error("still authenticated after logout")
	}
	if s.Epoch() != epochBefore+1 {
		t.Errorf("epoch = %d, want %d (bumped on teardown)", s.Epoch(), epochBefore+1)
	}
}

func TestAuthFailedReturnsToAnonymous(t *testing.T) {
	s := NewStateCell()
	s.ApplyAuthenticating()
	s.ApplyAuthFailed()
	if s.Phase() != PhaseAnonymous {
		t.Errorf("phase = %s, want ANONYMOUS", s.Phase())
	}
}

func TestOptimisticPatchAndRollback(t *testing.T) {
	s := NewStateCell()
	s.ApplyLoginSuccess(&api.User{
		ID: "u1", Name: "Alex", Bio: "old bio",
		FavoriteSports: []string{"tennis", "padel"},
	})

	snapshot := s.ApplyOptimisticPatch(map[string]any{"bio": "new bio"})
	if snapshot == nil {
		t.Fatal("snapshot is nil")
	}
	if s.User().Bio != "new bio" {
		t.Errorf("bio after patch = %q, want new bio", s.User().Bio)
	}
	// Untouched fields stay.
	if s.User().Name != "Alex" || len(s.User().FavoriteSports) != 2 {
		t.Errorf("patch disturbed unrelated fields: %+v", s.User())
	}

	s.Rollback(snapshot)
	u := s.User()
	if u.Bio != "old bio" {
		t.Errorf("bio after rollback = %q, want exact pre-patch value", u.Bio)
	}
	if u.Name != "Alex" || u.ID != "u1" {
		t.Errorf("rollback not exact: %+v", u)
	}
}

func TestSnapshotIsImmuneToLaterMutation(t *testing.T) {
	s := NewStateCell()
	s.ApplyLoginSuccess(&api.User{ID: "u1", FavoriteSports: []string{"tennis"}})

	snapshot := s.ApplyOptimisticPatch(map[string]any{"favoriteSports": []string{"squash"}})

	// Further mutation after the patch must not leak into the snapshot.
	s.ApplyOptimisticPatch(map[string]any{"bio": "x"})

	if len(snapshot.FavoriteSports) != 1 || snapshot.FavoriteSports[0] != "tennis" {
		t.Errorf("snapshot = %+v, want original favoriteSports", snapshot.FavoriteSports)
	}
}

func TestPatchWhileAnonymousReturnsNil(t *testing.T) {
	s := NewStateCell()
	if got := s.ApplyOptimisticPatch(map[string]any{"bio": "x"}); got != nil {
		t.Errorf("patch on anonymous cell = %+v, want nil", got)
	}
}

func TestUserReplacedIgnoredWhenAnonymous(t *testing.T) {
	s := NewStateCell()
	s.ApplyUserReplaced(&api.User{ID: "ghost"})
	if s.User() != nil {
		t.Error("stale replace resurrected a torn-down session")
	}
}

func TestUserReturnsCopy(t *testing.T) {
	s := NewStateCell()
	s.ApplyLoginSuccess(&api.User{ID: "u1", FavoriteSports: []string{"tennis"}})

	u := s.User()
	u.FavoriteSports[0] = "mutated"
	u.ID = "mutated"

	if got := s.User(); got.ID != "u1" || got.FavoriteSports[0] != "tennis" {
		t.Errorf("cell state mutated through accessor copy: %+v", got)
	}
}

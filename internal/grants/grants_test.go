package grants

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	grants    map[string]RoleGrant
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{grants: map[string]RoleGrant{}}
}

func (f *fakeStore) CreateGrant(ctx context.Context, g RoleGrant) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.grants[g.ID] = g
	return nil
}

func (f *fakeStore) GetGrant(ctx context.Context, id string) (RoleGrant, error) {
	g, ok := f.grants[id]
	if !ok {
		return RoleGrant{}, ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) UpdateGrant(ctx context.Context, g RoleGrant) error {
	if _, ok := f.grants[g.ID]; !ok {
		return ErrNotFound
	}
	f.grants[g.ID] = g
	return nil
}

func (f *fakeStore) GrantsFor(ctx context.Context, subject Subject) ([]RoleGrant, error) {
	var out []RoleGrant
	for _, g := range f.grants {
		if g.Subject == subject {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestStartDerivesExpiryFromTerm(t *testing.T) {
	s := newFakeStore()
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	subject := Subject{Kind: SubjectAuthorization, ID: "auth-1"}

	gid, expires, err := Windows{}.Start(context.Background(), s, StartInput{
		Subject:    subject,
		MemberID:   "member-1",
		StartOn:    start,
		TermMonths: 24,
		RoleID:     "role-5",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if want := start.AddDate(0, 24, 0); !expires.Equal(want) {
		t.Fatalf("expiry = %v, want %v", expires, want)
	}
	g, err := s.GetGrant(context.Background(), gid)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g.RoleID != "role-5" || g.MemberID != "member-1" || g.Status != GrantStatusActive {
		t.Fatalf("unexpected grant: %+v", g)
	}
}

func TestStartWithoutRoleCreatesNoGrant(t *testing.T) {
	s := newFakeStore()
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	gid, expires, err := Windows{}.Start(context.Background(), s, StartInput{
		Subject: Subject{Kind: SubjectOfficer, ID: "officer-1"},
		StartOn: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndOn:   &end,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gid != "" {
		t.Fatalf("expected no grant, got %s", gid)
	}
	if !expires.Equal(end) {
		t.Fatalf("explicit end must win: %v", expires)
	}
	if len(s.grants) != 0 {
		t.Fatalf("no grant rows expected, got %d", len(s.grants))
	}
}

func TestStartRejectsBadSubject(t *testing.T) {
	s := newFakeStore()
	_, _, err := Windows{}.Start(context.Background(), s, StartInput{
		Subject: Subject{Kind: "branch", ID: "b-1"},
		StartOn: time.Now(),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStopEndsActiveGrantsOnly(t *testing.T) {
	s := newFakeStore()
	subject := Subject{Kind: SubjectAuthorization, ID: "auth-2"}
	s.grants["g1"] = RoleGrant{ID: "g1", Subject: subject, Status: GrantStatusActive}
	s.grants["g2"] = RoleGrant{ID: "g2", Subject: subject, Status: GrantStatusEnded, RevokerID: "earlier"}

	stopOn := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	err := Windows{}.Stop(context.Background(), s, StopInput{
		Subject:   subject,
		StopperID: "member-9",
		Reason:    "revoked",
		StopOn:    stopOn,
	})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if g := s.grants["g1"]; g.Status != GrantStatusEnded || g.RevokerID != "member-9" || !g.ExpiresOn.Equal(stopOn) {
		t.Fatalf("g1 not ended correctly: %+v", g)
	}
	if g := s.grants["g2"]; g.RevokerID != "earlier" {
		t.Fatalf("already-ended grant must be untouched: %+v", g)
	}
}

func TestEndSingleGrant(t *testing.T) {
	s := newFakeStore()
	s.grants["g3"] = RoleGrant{ID: "g3", Subject: Subject{Kind: SubjectOfficer, ID: "o-1"}, Status: GrantStatusActive}
	stopOn := time.Now().UTC()
	if err := End(context.Background(), s, "g3", "updater-1", stopOn); err != nil {
		t.Fatalf("End: %v", err)
	}
	if g := s.grants["g3"]; g.Status != GrantStatusEnded || g.RevokerID != "updater-1" {
		t.Fatalf("grant not ended: %+v", g)
	}
	if err := End(context.Background(), s, "missing", "updater-1", stopOn); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

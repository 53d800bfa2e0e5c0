package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signet.org/internal/ids"
)

var (
	ErrNotFound     = errors.New("grants: not found")
	ErrInvalidInput = errors.New("grants: invalid input")
)

// SubjectKind discriminates the entity a grant is attached to.
type SubjectKind string

const (
	SubjectOfficer       SubjectKind = "officer"
	SubjectAuthorization SubjectKind = "authorization"
)

// Subject identifies the domain entity a role grant hangs off.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Valid reports whether the subject names a known kind and an id.
func (s Subject) Valid() bool {
	if s.ID == "" {
		return false
	}
	switch s.Kind {
	case SubjectOfficer, SubjectAuthorization:
		return true
	}
	return false
}

const (
	GrantStatusActive = "active"
	GrantStatusEnded  = "ended"
)

// RoleGrant is a time-bounded permission grant tied to an officer assignment
// or authorization via its subject.
type RoleGrant struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"member_id"`
	RoleID    string    `json:"role_id"`
	Subject   Subject   `json:"subject"`
	Status    string    `json:"status"`
	StartOn   time.Time `json:"start_on"`
	ExpiresOn time.Time `json:"expires_on"`
	RevokerID string    `json:"revoker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store describes role grant persistence. Engines pass their transaction-scoped
// store handle in, so grant writes commit or roll back with the operation.
type Store interface {
	CreateGrant(ctx context.Context, g RoleGrant) error
	GetGrant(ctx context.Context, id string) (RoleGrant, error)
	UpdateGrant(ctx context.Context, g RoleGrant) error
	GrantsFor(ctx context.Context, subject Subject) ([]RoleGrant, error)
}

// StartInput describes an active window being opened.
type StartInput struct {
	Subject     Subject
	MemberID    string
	ActivatorID string
	StartOn     time.Time
	EndOn       *time.Time // nil derives the end from TermMonths
	TermMonths  int
	RoleID      string // optional role granted for the window
}

// StopInput describes an active window being closed.
type StopInput struct {
	Subject   Subject
	StopperID string
	Reason    string
	StopOn    time.Time
}

// WindowManager opens and closes time-bounded grants on behalf of domain
// entities. The store handle is supplied per call by the owning transaction.
type WindowManager interface {
	Start(ctx context.Context, s Store, in StartInput) (grantID string, expiresOn time.Time, err error)
	Stop(ctx context.Context, s Store, in StopInput) error
}

// Windows is the default WindowManager.
type Windows struct{}

var _ WindowManager = Windows{}

// Start computes the window end and creates the role grant when a role is
// attached. It returns the grant id (empty when no role is granted) and the
// effective expiry.
func (Windows) Start(ctx context.Context, s Store, in StartInput) (string, time.Time, error) {
	if !in.Subject.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: bad subject %q/%q", ErrInvalidInput, in.Subject.Kind, in.Subject.ID)
	}
	if in.StartOn.IsZero() {
		return "", time.Time{}, fmt.Errorf("%w: start date is required", ErrInvalidInput)
	}
	expiresOn := in.StartOn.AddDate(0, in.TermMonths, 0)
	if in.EndOn != nil {
		expiresOn = *in.EndOn
	}
	if in.RoleID == "" {
		return "", expiresOn, nil
	}
	if in.MemberID == "" {
		return "", time.Time{}, fmt.Errorf("%w: member is required for a role grant", ErrInvalidInput)
	}
	g := RoleGrant{
		ID:        ids.New(),
		MemberID:  in.MemberID,
		RoleID:    in.RoleID,
		Subject:   in.Subject,
		Status:    GrantStatusActive,
		StartOn:   in.StartOn,
		ExpiresOn: expiresOn,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateGrant(ctx, g); err != nil {
		return "", time.Time{}, fmt.Errorf("create role grant: %w", err)
	}
	return g.ID, expiresOn, nil
}

// Stop ends every active grant attached to the subject.
func (Windows) Stop(ctx context.Context, s Store, in StopInput) error {
	if !in.Subject.Valid() {
		return fmt.Errorf("%w: bad subject %q/%q", ErrInvalidInput, in.Subject.Kind, in.Subject.ID)
	}
	if in.StopOn.IsZero() {
		in.StopOn = time.Now().UTC()
	}
	active, err := s.GrantsFor(ctx, in.Subject)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	for _, g := range active {
		if g.Status != GrantStatusActive {
			continue
		}
		g.Status = GrantStatusEnded
		g.ExpiresOn = in.StopOn
		g.RevokerID = in.StopperID
		if err := s.UpdateGrant(ctx, g); err != nil {
			return fmt.Errorf("end role grant %s: %w", g.ID, err)
		}
	}
	return nil
}

// End closes a single grant by id: revoker recorded, expiry moved to stopOn.
// Used by the recalculation engine when an office stops granting a role.
func End(ctx context.Context, s Store, grantID, stopperID string, stopOn time.Time) error {
	g, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return fmt.Errorf("load role grant %s: %w", grantID, err)
	}
	g.Status = GrantStatusEnded
	g.ExpiresOn = stopOn
	g.RevokerID = stopperID
	if err := s.UpdateGrant(ctx, g); err != nil {
		return fmt.Errorf("end role grant %s: %w", grantID, err)
	}
	return nil
}

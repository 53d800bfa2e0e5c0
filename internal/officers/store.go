package officers

import (
	"context"
	"errors"

	"signet.org/internal/grants"
	"signet.org/internal/members"
)

var (
	ErrNotFound     = errors.New("officers: not found")
	ErrInvalidInput = errors.New("officers: invalid input")
)

// Store describes the persistence the office engine depends on.
type Store interface {
	members.Store
	grants.Store

	GetOffice(ctx context.Context, id string) (Office, error)

	CreateOfficer(ctx context.Context, o OfficerAssignment) error
	GetOfficer(ctx context.Context, id string) (OfficerAssignment, error)
	UpdateOfficer(ctx context.Context, o OfficerAssignment) error

	// ActiveOfficersForOffice returns the current and upcoming assignments of
	// the office ordered by start date. Terminal assignments are excluded.
	ActiveOfficersForOffice(ctx context.Context, officeID string) ([]OfficerAssignment, error)

	// InTx runs fn inside one transaction and commits iff fn returns nil.
	InTx(ctx context.Context, fn func(Store) error) error
}

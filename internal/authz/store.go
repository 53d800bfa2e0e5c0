package authz

import (
	"context"
	"time"

	"signet.org/internal/grants"
	"signet.org/internal/members"
)

// Store describes the persistence the approval workflow engine depends on.
// Implementations return ErrNotFound for missing rows and must not panic on
// persistence failures: a non-nil error from any write rolls the enclosing
// transaction back.
type Store interface {
	members.Store
	grants.Store

	GetActivity(ctx context.Context, id string) (Activity, error)

	CreateRequest(ctx context.Context, r AuthorizationRequest) error
	GetRequest(ctx context.Context, id string) (AuthorizationRequest, error)
	UpdateRequest(ctx context.Context, r AuthorizationRequest) error

	// HasActiveApproval reports whether an approved, unexpired request exists
	// for the requester and activity. Gates renewals.
	HasActiveApproval(ctx context.Context, requesterID, activityID string, now time.Time) (bool, error)

	CreateStep(ctx context.Context, s ApprovalStep) error
	// OpenStep returns the single unresponded step of the request, or
	// ErrNotFound when the chain has no open step.
	OpenStep(ctx context.Context, requestID string) (ApprovalStep, error)
	UpdateStep(ctx context.Context, s ApprovalStep) error
	CountAcceptedSteps(ctx context.Context, requestID string) (int, error)

	// InTx runs fn inside one transaction and commits iff fn returns nil.
	InTx(ctx context.Context, fn func(Store) error) error
}

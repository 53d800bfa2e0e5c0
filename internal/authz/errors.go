package authz

import "errors"

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrInvalidInput = errors.New("authz: invalid input")

	// Precondition failures surfaced verbatim as Result reasons.
	ErrNoActiveAuthorization = errors.New("no active authorization to renew")
	ErrApprovalNotFound      = errors.New("approval not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrActivityNotFound      = errors.New("activity not found")
	ErrApproverNotFound      = errors.New("approver not found")
	ErrNextApproverRequired  = errors.New("next approver required")
	ErrNotRevocable          = errors.New("authorization is not active")

	errNotification = errors.New("notification failed")
)

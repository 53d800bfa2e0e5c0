package members

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("members: not found")

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Member represents a person registered with the organization.
type Member struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Email                  string    `json:"email"`
	BranchID               string    `json:"branch_id"`
	Status                 string    `json:"status"`
	MembershipExpiresOn    time.Time `json:"membership_expires_on"`
	BackgroundCheckExpires time.Time `json:"background_check_expires_on"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Warrantable reports whether the member may hold a warrant-requiring office:
// an active status with unexpired membership and background check.
func (m Member) Warrantable(now time.Time) bool {
	return m.Status == StatusActive &&
		m.MembershipExpiresOn.After(now) &&
		m.BackgroundCheckExpires.After(now)
}

// Store describes member lookups the engines depend on.
type Store interface {
	GetMember(ctx context.Context, id string) (Member, error)
}

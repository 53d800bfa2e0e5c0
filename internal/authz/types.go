package authz

import "time"

// RequestStatus is the lifecycle state of an authorization request.
// Transitions are monotonic: pending -> approved|denied, approved -> revoked.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusRevoked  RequestStatus = "revoked"
)

// Terminal reports whether no further transition is permitted.
func (s RequestStatus) Terminal() bool {
	return s == StatusDenied || s == StatusRevoked
}

// Activity is the configuration an authorization is requested against.
type Activity struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	TermMonths          int       `json:"term_months"`
	RequiredAuthorizers int       `json:"num_required_authorizers"`
	RequiredRenewers    int       `json:"num_required_renewers"`
	GrantsRoleID        string    `json:"grants_role_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// RequiredApprovals returns how many cumulative approvals the chain needs.
func (a Activity) RequiredApprovals(isRenewal bool) int {
	n := a.RequiredAuthorizers
	if isRenewal {
		n = a.RequiredRenewers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// AuthorizationRequest is a member's request to be authorized for an activity.
type AuthorizationRequest struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"requester_id"`
	ActivityID    string        `json:"activity_id"`
	Status        RequestStatus `json:"status"`
	IsRenewal     bool          `json:"is_renewal"`
	ApprovalCount int           `json:"approval_count"`
	StartOn       *time.Time    `json:"start_on,omitempty"`
	ExpiresOn     *time.Time    `json:"expires_on,omitempty"`
	RevokerID     string        `json:"revoker_id,omitempty"`
	RevokedReason string        `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ApprovalStep is one approver's pending or completed decision on a request.
// At most one step per request is open (RespondedOn == nil) while the request
// is pending; a responded step is immutable.
type ApprovalStep struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	ApproverID    string     `json:"approver_id"`
	Token         string     `json:"token"`
	RequestedOn   time.Time  `json:"requested_on"`
	RespondedOn   *time.Time `json:"responded_on,omitempty"`
	Approved      *bool      `json:"approved,omitempty"`
	ApproverNotes string     `json:"approver_notes,omitempty"`
}

// Open reports whether the step still awaits a response.
func (s ApprovalStep) Open() bool { return s.RespondedOn == nil }

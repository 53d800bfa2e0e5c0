package officers

import "time"

// AssignmentStatus is the lifecycle state of an officer assignment.
type AssignmentStatus string

const (
	StatusUpcoming AssignmentStatus = "upcoming"
	StatusCurrent  AssignmentStatus = "current"
	StatusExpired  AssignmentStatus = "expired"
	StatusReleased AssignmentStatus = "released"
	StatusReplaced AssignmentStatus = "replaced"
)

// Terminal reports whether the assignment is immutable history. Terminal
// assignments are never touched by recalculation.
func (s AssignmentStatus) Terminal() bool {
	return s == StatusExpired || s == StatusReleased || s == StatusReplaced
}

// Office is the configuration template for a role in the org hierarchy.
type Office struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ReportsToID     string    `json:"reports_to_id,omitempty"`
	DeputyToID      string    `json:"deputy_to_id,omitempty"`
	GrantsRoleID    string    `json:"grants_role_id,omitempty"`
	TermMonths      int       `json:"term_months"`
	RequiresWarrant bool      `json:"requires_warrant"`
	CreatedAt       time.Time `json:"created_at"`
}

// OfficerAssignment is a member's tenure in an office at a branch.
//
// The reports-to and deputy-to fields are snapshots of the office
// configuration taken at assignment time and refreshed only by
// recalculation; they deliberately do not track the office automatically so
// history stays auditable.
type OfficerAssignment struct {
	ID                string           `json:"id"`
	MemberID          string           `json:"member_id"`
	OfficeID          string           `json:"office_id"`
	BranchID          string           `json:"branch_id"`
	Status            AssignmentStatus `json:"status"`
	StartOn           time.Time        `json:"start_on"`
	ExpiresOn         time.Time        `json:"expires_on"`
	ReportsToOfficeID string           `json:"reports_to_office_id,omitempty"`
	ReportsToBranchID string           `json:"reports_to_branch_id,omitempty"`
	DeputyToOfficeID  string           `json:"deputy_to_office_id,omitempty"`
	DeputyToBranchID  string           `json:"deputy_to_branch_id,omitempty"`
	DeputyDescription string           `json:"deputy_description,omitempty"`
	ContactEmail      string           `json:"contact_email,omitempty"`
	GrantedGrantID    string           `json:"granted_member_role_id,omitempty"`
	RevokerID         string           `json:"revoker_id,omitempty"`
	RevokedReason     string           `json:"revoked_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// applyOfficeLinkage rewrites the assignment's snapshot fields from the
// office's current configuration. A reporting line tracks the officer's own
// branch; a deputy office mirrors its deputy-to line as its reporting line.
func applyOfficeLinkage(office Office, o *OfficerAssignment) {
	if o.ReportsToOfficeID != office.ReportsToID {
		o.ReportsToOfficeID = office.ReportsToID
		o.ReportsToBranchID = ""
		if office.ReportsToID != "" {
			o.ReportsToBranchID = o.BranchID
		}
	}
	if office.DeputyToID != "" {
		if o.DeputyToOfficeID != office.DeputyToID {
			o.DeputyToOfficeID = office.DeputyToID
			o.DeputyToBranchID = o.BranchID
		}
		o.ReportsToOfficeID = office.DeputyToID
		o.ReportsToBranchID = o.BranchID
	} else if o.DeputyToOfficeID != "" {
		o.DeputyToOfficeID = ""
		o.DeputyToBranchID = ""
	}
}

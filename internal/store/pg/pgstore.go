// Package pg persists the workflow and office domains in Postgres over
// database/sql with the pgx stdlib driver. One store type per engine; both
// share the member and role-grant queries through core.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"signet.org/internal/authz"
	"signet.org/internal/grants"
	"signet.org/internal/members"
	"signet.org/internal/officers"
)

// querier is the subset of database/sql satisfied by *sql.DB and *sql.Tx, so
// every query method below runs unchanged inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DB struct {
	db *sql.DB
}

func Open(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) DB() *sql.DB { return d.db }

// Authorizations returns the approval-workflow view of the database.
func (d *DB) Authorizations() authz.Store { return NewAuthzStore(d.db) }

// Officers returns the office-management view of the database.
func (d *DB) Officers() officers.Store { return NewOfficerStore(d.db) }

// core holds the queries both engines share.
type core struct {
	q querier
}

// AuthzStore implements authz.Store. A nil db means the store is already
// transaction-bound and InTx runs fn directly.
type AuthzStore struct {
	core
	db *sql.DB
}

var _ authz.Store = (*AuthzStore)(nil)

func NewAuthzStore(db *sql.DB) *AuthzStore {
	return &AuthzStore{core: core{q: db}, db: db}
}

func (s *AuthzStore) InTx(ctx context.Context, fn func(authz.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&AuthzStore{core: core{q: tx}}); err != nil {
		return err
	}
	return tx.Commit()
}

// OfficerStore implements officers.Store.
type OfficerStore struct {
	core
	db *sql.DB
}

var _ officers.Store = (*OfficerStore)(nil)

func NewOfficerStore(db *sql.DB) *OfficerStore {
	return &OfficerStore{core: core{q: db}, db: db}
}

func (s *OfficerStore) InTx(ctx context.Context, fn func(officers.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&OfficerStore{core: core{q: tx}}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- members ---

func (c core) GetMember(ctx context.Context, id string) (members.Member, error) {
	var m members.Member
	err := c.q.QueryRowContext(ctx, `
		select id, name, email, branch_id, status,
		       membership_expires_on, background_check_expires_on,
		       created_at, updated_at
		from members where id=$1
	`, id).Scan(&m.ID, &m.Name, &m.Email, &m.BranchID, &m.Status,
		&m.MembershipExpiresOn, &m.BackgroundCheckExpires,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return members.Member{}, fmt.Errorf("%w: member %s", members.ErrNotFound, id)
	}
	if err != nil {
		return members.Member{}, err
	}
	return m, nil
}

// --- role grants ---

func (c core) CreateGrant(ctx context.Context, g grants.RoleGrant) error {
	_, err := c.q.ExecContext(ctx, `
		insert into role_grants(id, member_id, role_id, subject_kind, subject_id,
		                        status, start_on, expires_on, revoker_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''),$10)
	`, g.ID, g.MemberID, g.RoleID, string(g.Subject.Kind), g.Subject.ID,
		g.Status, g.StartOn, g.ExpiresOn, g.RevokerID, g.CreatedAt)
	return err
}

func (c core) GetGrant(ctx context.Context, id string) (grants.RoleGrant, error) {
	var g grants.RoleGrant
	var kind string
	err := c.q.QueryRowContext(ctx, `
		select id, member_id, role_id, subject_kind, subject_id,
		       status, start_on, expires_on, coalesce(revoker_id,''), created_at
		from role_grants where id=$1
	`, id).Scan(&g.ID, &g.MemberID, &g.RoleID, &kind, &g.Subject.ID,
		&g.Status, &g.StartOn, &g.ExpiresOn, &g.RevokerID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.RoleGrant{}, fmt.Errorf("%w: grant %s", grants.ErrNotFound, id)
	}
	if err != nil {
		return grants.RoleGrant{}, err
	}
	g.Subject.Kind = grants.SubjectKind(kind)
	return g, nil
}

func (c core) UpdateGrant(ctx context.Context, g grants.RoleGrant) error {
	res, err := c.q.ExecContext(ctx, `
		update role_grants
		set status=$2, start_on=$3, expires_on=$4, revoker_id=nullif($5,'')
		where id=$1
	`, g.ID, g.Status, g.StartOn, g.ExpiresOn, g.RevokerID)
	if err != nil {
		return err
	}
	return mustAffect(res, grants.ErrNotFound, "grant", g.ID)
}

func (c core) GrantsFor(ctx context.Context, subject grants.Subject) ([]grants.RoleGrant, error) {
	rows, err := c.q.QueryContext(ctx, `
		select id, member_id, role_id, subject_kind, subject_id,
		       status, start_on, expires_on, coalesce(revoker_id,''), created_at
		from role_grants
		where subject_kind=$1 and subject_id=$2
		order by id
	`, string(subject.Kind), subject.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grants.RoleGrant
	for rows.Next() {
		var g grants.RoleGrant
		var kind string
		if err := rows.Scan(&g.ID, &g.MemberID, &g.RoleID, &kind, &g.Subject.ID,
			&g.Status, &g.StartOn, &g.ExpiresOn, &g.RevokerID, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Subject.Kind = grants.SubjectKind(kind)
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- activities and authorization requests ---

func (s *AuthzStore) GetActivity(ctx context.Context, id string) (authz.Activity, error) {
	var a authz.Activity
	err := s.q.QueryRowContext(ctx, `
		select id, name, term_months, num_required_authorizers,
		       num_required_renewers, coalesce(grants_role_id,''), created_at
		from activities where id=$1
	`, id).Scan(&a.ID, &a.Name, &a.TermMonths, &a.RequiredAuthorizers,
		&a.RequiredRenewers, &a.GrantsRoleID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Activity{}, fmt.Errorf("%w: activity %s", authz.ErrNotFound, id)
	}
	if err != nil {
		return authz.Activity{}, err
	}
	return a, nil
}

func (s *AuthzStore) CreateRequest(ctx context.Context, r authz.AuthorizationRequest) error {
	_, err := s.q.ExecContext(ctx, `
		insert into authorization_requests(id, requester_id, activity_id, status,
		       is_renewal, approval_count, start_on, expires_on,
		       revoker_id, revoked_reason, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''),nullif($10,''),$11)
	`, r.ID, r.RequesterID, r.ActivityID, string(r.Status),
		r.IsRenewal, r.ApprovalCount, r.StartOn, r.ExpiresOn,
		r.RevokerID, r.RevokedReason, r.CreatedAt)
	return err
}

func (s *AuthzStore) GetRequest(ctx context.Context, id string) (authz.AuthorizationRequest, error) {
	var r authz.AuthorizationRequest
	var status string
	err := s.q.QueryRowContext(ctx, `
		select id, requester_id, activity_id, status, is_renewal, approval_count,
		       start_on, expires_on, coalesce(revoker_id,''),
		       coalesce(revoked_reason,''), created_at
		from authorization_requests where id=$1
	`, id).Scan(&r.ID, &r.RequesterID, &r.ActivityID, &status, &r.IsRenewal,
		&r.ApprovalCount, &r.StartOn, &r.ExpiresOn, &r.RevokerID,
		&r.RevokedReason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.AuthorizationRequest{}, fmt.Errorf("%w: request %s", authz.ErrNotFound, id)
	}
	if err != nil {
		return authz.AuthorizationRequest{}, err
	}
	r.Status = authz.RequestStatus(status)
	return r, nil
}

func (s *AuthzStore) UpdateRequest(ctx context.Context, r authz.AuthorizationRequest) error {
	res, err := s.q.ExecContext(ctx, `
		update authorization_requests
		set status=$2, approval_count=$3, start_on=$4, expires_on=$5,
		    revoker_id=nullif($6,''), revoked_reason=nullif($7,'')
		where id=$1
	`, r.ID, string(r.Status), r.ApprovalCount, r.StartOn, r.ExpiresOn,
		r.RevokerID, r.RevokedReason)
	if err != nil {
		return err
	}
	return mustAffect(res, authz.ErrNotFound, "request", r.ID)
}

func (s *AuthzStore) HasActiveApproval(ctx context.Context, requesterID, activityID string, now time.Time) (bool, error) {
	var ok bool
	err := s.q.QueryRowContext(ctx, `
		select exists(
			select 1 from authorization_requests
			where requester_id=$1 and activity_id=$2
			  and status='approved' and expires_on > $3
		)
	`, requesterID, activityID, now).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// --- approval steps ---

func (s *AuthzStore) CreateStep(ctx context.Context, step authz.ApprovalStep) error {
	_, err := s.q.ExecContext(ctx, `
		insert into approval_steps(id, request_id, approver_id, token,
		       requested_on, responded_on, approved, approver_notes)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''))
	`, step.ID, step.RequestID, step.ApproverID, step.Token,
		step.RequestedOn, step.RespondedOn, step.Approved, step.ApproverNotes)
	return err
}

// OpenStep locks the request's single unresponded step so two approvers
// cannot race to answer it.
func (s *AuthzStore) OpenStep(ctx context.Context, requestID string) (authz.ApprovalStep, error) {
	var step authz.ApprovalStep
	err := s.q.QueryRowContext(ctx, `
		select id, request_id, approver_id, token, requested_on,
		       responded_on, approved, coalesce(approver_notes,'')
		from approval_steps
		where request_id=$1 and responded_on is null
		for update
	`, requestID).Scan(&step.ID, &step.RequestID, &step.ApproverID, &step.Token,
		&step.RequestedOn, &step.RespondedOn, &step.Approved, &step.ApproverNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ApprovalStep{}, fmt.Errorf("%w: open step for request %s", authz.ErrNotFound, requestID)
	}
	if err != nil {
		return authz.ApprovalStep{}, err
	}
	return step, nil
}

func (s *AuthzStore) UpdateStep(ctx context.Context, step authz.ApprovalStep) error {
	res, err := s.q.ExecContext(ctx, `
		update approval_steps
		set responded_on=$2, approved=$3, approver_notes=nullif($4,'')
		where id=$1
	`, step.ID, step.RespondedOn, step.Approved, step.ApproverNotes)
	if err != nil {
		return err
	}
	return mustAffect(res, authz.ErrNotFound, "step", step.ID)
}

func (s *AuthzStore) CountAcceptedSteps(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		select count(*) from approval_steps
		where request_id=$1 and approved is true
	`, requestID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// --- offices and officers ---

func (s *OfficerStore) GetOffice(ctx context.Context, id string) (officers.Office, error) {
	var o officers.Office
	err := s.q.QueryRowContext(ctx, `
		select id, name, coalesce(reports_to_id,''), coalesce(deputy_to_id,''),
		       coalesce(grants_role_id,''), term_months, requires_warrant, created_at
		from offices where id=$1
	`, id).Scan(&o.ID, &o.Name, &o.ReportsToID, &o.DeputyToID,
		&o.GrantsRoleID, &o.TermMonths, &o.RequiresWarrant, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return officers.Office{}, fmt.Errorf("%w: office %s", officers.ErrNotFound, id)
	}
	if err != nil {
		return officers.Office{}, err
	}
	return o, nil
}

const officerColumns = `id, member_id, office_id, branch_id, status, start_on, expires_on,
	coalesce(reports_to_office_id,''), coalesce(reports_to_branch_id,''),
	coalesce(deputy_to_office_id,''), coalesce(deputy_to_branch_id,''),
	coalesce(deputy_description,''), coalesce(contact_email,''),
	coalesce(granted_member_role_id,''), coalesce(revoker_id,''),
	coalesce(revoked_reason,''), created_at`

func scanOfficer(row interface{ Scan(...any) error }) (officers.OfficerAssignment, error) {
	var o officers.OfficerAssignment
	var status string
	err := row.Scan(&o.ID, &o.MemberID, &o.OfficeID, &o.BranchID, &status,
		&o.StartOn, &o.ExpiresOn,
		&o.ReportsToOfficeID, &o.ReportsToBranchID,
		&o.DeputyToOfficeID, &o.DeputyToBranchID,
		&o.DeputyDescription, &o.ContactEmail,
		&o.GrantedGrantID, &o.RevokerID, &o.RevokedReason, &o.CreatedAt)
	if err != nil {
		return officers.OfficerAssignment{}, err
	}
	o.Status = officers.AssignmentStatus(status)
	return o, nil
}

func (s *OfficerStore) CreateOfficer(ctx context.Context, o officers.OfficerAssignment) error {
	_, err := s.q.ExecContext(ctx, `
		insert into officers(id, member_id, office_id, branch_id, status,
		       start_on, expires_on, reports_to_office_id, reports_to_branch_id,
		       deputy_to_office_id, deputy_to_branch_id, deputy_description,
		       contact_email, granted_member_role_id, revoker_id, revoked_reason, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),nullif($9,''),nullif($10,''),
		        nullif($11,''),nullif($12,''),nullif($13,''),nullif($14,''),
		        nullif($15,''),nullif($16,''),$17)
	`, o.ID, o.MemberID, o.OfficeID, o.BranchID, string(o.Status),
		o.StartOn, o.ExpiresOn, o.ReportsToOfficeID, o.ReportsToBranchID,
		o.DeputyToOfficeID, o.DeputyToBranchID, o.DeputyDescription,
		o.ContactEmail, o.GrantedGrantID, o.RevokerID, o.RevokedReason, o.CreatedAt)
	return err
}

func (s *OfficerStore) GetOfficer(ctx context.Context, id string) (officers.OfficerAssignment, error) {
	o, err := scanOfficer(s.q.QueryRowContext(ctx,
		`select `+officerColumns+` from officers where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return officers.OfficerAssignment{}, fmt.Errorf("%w: officer %s", officers.ErrNotFound, id)
	}
	if err != nil {
		return officers.OfficerAssignment{}, err
	}
	return o, nil
}

func (s *OfficerStore) UpdateOfficer(ctx context.Context, o officers.OfficerAssignment) error {
	res, err := s.q.ExecContext(ctx, `
		update officers
		set status=$2, start_on=$3, expires_on=$4,
		    reports_to_office_id=nullif($5,''), reports_to_branch_id=nullif($6,''),
		    deputy_to_office_id=nullif($7,''), deputy_to_branch_id=nullif($8,''),
		    deputy_description=nullif($9,''), contact_email=nullif($10,''),
		    granted_member_role_id=nullif($11,''), revoker_id=nullif($12,''),
		    revoked_reason=nullif($13,'')
		where id=$1
	`, o.ID, string(o.Status), o.StartOn, o.ExpiresOn,
		o.ReportsToOfficeID, o.ReportsToBranchID,
		o.DeputyToOfficeID, o.DeputyToBranchID,
		o.DeputyDescription, o.ContactEmail,
		o.GrantedGrantID, o.RevokerID, o.RevokedReason)
	if err != nil {
		return err
	}
	return mustAffect(res, officers.ErrNotFound, "officer", o.ID)
}

// ActiveOfficersForOffice locks the rows for the duration of the enclosing
// transaction so a concurrent recalculation serializes behind it.
func (s *OfficerStore) ActiveOfficersForOffice(ctx context.Context, officeID string) ([]officers.OfficerAssignment, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+officerColumns+`
		from officers
		where office_id=$1 and status in ('current','upcoming')
		order by start_on, id
		for update
	`, officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []officers.OfficerAssignment
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- helpers ---

func mustAffect(res sql.Result, sentinel error, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", sentinel, kind, id)
	}
	return nil
}

// Package officers manages office assignments and the recalculation cascade
// that propagates office configuration changes (reporting line, deputy line,
// granted role) to every non-terminal incumbent.
package officers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/grants"
	"signet.org/internal/ids"
	"signet.org/internal/notify"
	"signet.org/internal/obs"
	"signet.org/internal/workflow"
)

// Engine drives officer assignment, release, and office recalculation.
type Engine struct {
	store    Store
	windows  grants.WindowManager
	notifier notify.Notifier
	now      func() time.Time
}

// NewEngine wires the engine with its collaborators.
func NewEngine(store Store, windows grants.WindowManager, notifier notify.Notifier) (*Engine, error) {
	if store == nil {
		return nil, errors.New("officers: store is required")
	}
	if windows == nil {
		return nil, errors.New("officers: window manager is required")
	}
	if notifier == nil {
		return nil, errors.New("officers: notifier is required")
	}
	return &Engine{
		store:    store,
		windows:  windows,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the engine clock. Test helper.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AssignInput describes a new officer assignment.
type AssignInput struct {
	OfficeID          string
	MemberID          string
	BranchID          string
	StartOn           time.Time
	EndOn             *time.Time // nil derives the end from the office term
	DeputyDescription string
	ApproverID        string
	ContactEmail      string
}

// Assign seats a member in an office. Warrant-requiring offices reject
// members who are not warrantable; the reporting and deputy snapshots are
// copied from the office's current configuration, and the active window
// (including the office's granted role, if any) is opened.
func (e *Engine) Assign(ctx context.Context, in AssignInput) workflow.Result {
	in.OfficeID = strings.TrimSpace(in.OfficeID)
	in.MemberID = strings.TrimSpace(in.MemberID)
	in.BranchID = strings.TrimSpace(in.BranchID)
	if in.OfficeID == "" || in.MemberID == "" || in.BranchID == "" {
		return workflow.Fail("office, member and branch are required")
	}
	if in.StartOn.IsZero() {
		return workflow.Fail("start date is required")
	}

	now := e.now()
	var officerID string
	err := e.store.InTx(ctx, func(s Store) error {
		office, err := s.GetOffice(ctx, in.OfficeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: office %s", ErrNotFound, in.OfficeID)
			}
			return fmt.Errorf("load office %s: %w", in.OfficeID, err)
		}
		member, err := s.GetMember(ctx, in.MemberID)
		if err != nil {
			return fmt.Errorf("load member %s: %w", in.MemberID, err)
		}
		if office.RequiresWarrant && !member.Warrantable(now) {
			return fmt.Errorf("member %s is %w", member.Name, errNotWarrantable)
		}

		o := OfficerAssignment{
			ID:                ids.New(),
			MemberID:          in.MemberID,
			OfficeID:          in.OfficeID,
			BranchID:          in.BranchID,
			Status:            StatusUpcoming,
			StartOn:           in.StartOn,
			DeputyDescription: strings.TrimSpace(in.DeputyDescription),
			ContactEmail:      strings.TrimSpace(in.ContactEmail),
			CreatedAt:         now,
		}
		if !in.StartOn.After(now) {
			o.Status = StatusCurrent
		}
		applyOfficeLinkage(office, &o)

		grantID, expiresOn, err := e.windows.Start(ctx, s, grants.StartInput{
			Subject:     grants.Subject{Kind: grants.SubjectOfficer, ID: o.ID},
			MemberID:    in.MemberID,
			ActivatorID: in.ApproverID,
			StartOn:     in.StartOn,
			EndOn:       in.EndOn,
			TermMonths:  office.TermMonths,
			RoleID:      office.GrantsRoleID,
		})
		if err != nil {
			return fmt.Errorf("start active window: %w", err)
		}
		o.ExpiresOn = expiresOn
		o.GrantedGrantID = grantID

		if err := s.CreateOfficer(ctx, o); err != nil {
			return fmt.Errorf("save officer: %w", err)
		}
		officerID = o.ID

		to := o.ContactEmail
		if to == "" {
			to = member.Email
		}
		if err := e.notifier.Send(ctx, notify.TemplateOfficerAssigned, to, map[string]any{
			"office":     office.Name,
			"branch_id":  in.BranchID,
			"start_on":   in.StartOn.Format(time.RFC3339),
			"expires_on": expiresOn.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("send %s: %w", notify.TemplateOfficerAssigned, err)
		}
		return nil
	})

	return e.finish(ctx, "officers.assign", err, map[string]any{"officer_id": officerID}, func(err error) string {
		switch {
		case errors.Is(err, errNotWarrantable):
			return err.Error()
		case errors.Is(err, ErrNotFound):
			return "office not found"
		default:
			return "assignment failed"
		}
	})
}

// Release moves an assignment to a terminal status. Role grants are left to
// the cleanup collaborator.
func (e *Engine) Release(ctx context.Context, officerID, releaserID string, revokedOn time.Time, reason string, terminal AssignmentStatus) workflow.Result {
	officerID = strings.TrimSpace(officerID)
	releaserID = strings.TrimSpace(releaserID)
	if officerID == "" || releaserID == "" {
		return workflow.Fail("officer and releaser are required")
	}
	if terminal != StatusReleased && terminal != StatusReplaced {
		return workflow.Failf("unsupported terminal status %q", terminal)
	}
	if revokedOn.IsZero() {
		revokedOn = e.now()
	}

	err := e.store.InTx(ctx, func(s Store) error {
		o, err := s.GetOfficer(ctx, officerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: officer %s", ErrNotFound, officerID)
			}
			return fmt.Errorf("load officer %s: %w", officerID, err)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: officer %s already has terminal status %s", ErrInvalidInput, officerID, o.Status)
		}

		o.Status = terminal
		o.ExpiresOn = revokedOn
		o.RevokerID = releaserID
		o.RevokedReason = strings.TrimSpace(reason)
		if err := s.UpdateOfficer(ctx, o); err != nil {
			return fmt.Errorf("save officer: %w", err)
		}

		member, err := s.GetMember(ctx, o.MemberID)
		if err != nil {
			return fmt.Errorf("load member %s: %w", o.MemberID, err)
		}
		if err := e.notifier.Send(ctx, notify.TemplateOfficerReleased, member.Email, map[string]any{
			"office_id": o.OfficeID,
			"status":    string(terminal),
			"reason":    o.RevokedReason,
		}); err != nil {
			return fmt.Errorf("send %s: %w", notify.TemplateOfficerReleased, err)
		}
		return nil
	})

	return e.finish(ctx, "officers.release", err, map[string]any{"officer_id": officerID}, func(err error) string {
		switch {
		case errors.Is(err, ErrNotFound):
			return "officer not found"
		case errors.Is(err, ErrInvalidInput):
			return "officer already has a terminal status"
		default:
			return "release failed"
		}
	})
}

// RecalculateForOffice re-derives the snapshot linkage and role grants of
// every current and upcoming assignment of the office after its
// configuration changed. The whole cascade runs in one transaction and fails
// fast: the first officer that cannot be saved aborts and rolls back
// everything.
func (e *Engine) RecalculateForOffice(ctx context.Context, officeID, updaterID string) workflow.Result {
	officeID = strings.TrimSpace(officeID)
	updaterID = strings.TrimSpace(updaterID)
	if officeID == "" || updaterID == "" {
		return workflow.Fail("office and updater are required")
	}

	started := time.Now()
	now := e.now()
	var currentCount, upcomingCount int
	err := e.store.InTx(ctx, func(s Store) error {
		office, err := s.GetOffice(ctx, officeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: office %s", ErrNotFound, officeID)
			}
			return fmt.Errorf("load office %s: %w", officeID, err)
		}
		incumbents, err := s.ActiveOfficersForOffice(ctx, officeID)
		if err != nil {
			return fmt.Errorf("load officers for office %s: %w", officeID, err)
		}

		for _, o := range incumbents {
			if o.Status.Terminal() {
				// Defensive double check; the query already excludes these.
				continue
			}
			preStatus := o.Status

			applyOfficeLinkage(office, &o)
			if err := e.reconcileRole(ctx, s, office, &o, updaterID, now); err != nil {
				return fmt.Errorf("Failed to update officer %s: %w", o.ID, err)
			}
			if err := s.UpdateOfficer(ctx, o); err != nil {
				return fmt.Errorf("Failed to update officer %s: %w", o.ID, err)
			}

			switch preStatus {
			case StatusCurrent:
				currentCount++
			case StatusUpcoming:
				upcomingCount++
			}
		}
		return nil
	})

	obs.ObserveRecalculation(started)
	if err == nil {
		obs.CountRecalculated(currentCount + upcomingCount)
	}
	return e.finish(ctx, "officers.recalculate", err, map[string]any{
		"updated_count":  currentCount + upcomingCount,
		"current_count":  currentCount,
		"upcoming_count": upcomingCount,
	}, func(err error) string {
		if errors.Is(err, ErrNotFound) {
			return "office not found"
		}
		return err.Error()
	})
}

// reconcileRole applies the office's granted-role delta to one assignment:
// grant added, removed, or replaced relative to the grant the assignment
// currently references.
func (e *Engine) reconcileRole(ctx context.Context, s Store, office Office, o *OfficerAssignment, updaterID string, now time.Time) error {
	currentRole := ""
	if o.GrantedGrantID != "" {
		g, err := s.GetGrant(ctx, o.GrantedGrantID)
		if err != nil {
			return fmt.Errorf("load role grant %s: %w", o.GrantedGrantID, err)
		}
		if g.Status == grants.GrantStatusActive {
			currentRole = g.RoleID
		} else {
			// Stale reference to an already-ended grant.
			o.GrantedGrantID = ""
		}
	}

	if office.GrantsRoleID == currentRole {
		// No delta; a repeated recalculation after a role change is a no-op.
		return nil
	}

	if currentRole != "" {
		if err := grants.End(ctx, s, o.GrantedGrantID, updaterID, now); err != nil {
			return err
		}
		o.GrantedGrantID = ""
	}
	if office.GrantsRoleID == "" {
		return nil
	}

	end := o.ExpiresOn
	grantID, _, err := e.windows.Start(ctx, s, grants.StartInput{
		Subject:     grants.Subject{Kind: grants.SubjectOfficer, ID: o.ID},
		MemberID:    o.MemberID,
		ActivatorID: updaterID,
		StartOn:     now,
		EndOn:       &end,
		RoleID:      office.GrantsRoleID,
	})
	if err != nil {
		return err
	}
	o.GrantedGrantID = grantID
	return nil
}

func (e *Engine) finish(ctx context.Context, event string, err error, data map[string]any, reason func(error) string) workflow.Result {
	var res workflow.Result
	if err != nil {
		res = workflow.Fail(reason(err))
	} else {
		res = workflow.OK(data)
	}
	_ = audit.LogEvent(ctx, event, map[string]any{
		"success": res.Success,
		"reason":  res.Reason,
		"data":    data,
	})
	return res
}

var errNotWarrantable = errors.New("not warrantable")

// Package authz drives the authorization approval workflow: a request enters
// a pending state, walks a strictly sequential approver chain (possibly
// forwarded several times), and terminates approved, denied, or revoked. On
// final approval the active-window manager materializes the time-bounded
// grant.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/grants"
	"signet.org/internal/ids"
	"signet.org/internal/members"
	"signet.org/internal/notify"
	"signet.org/internal/obs"
	"signet.org/internal/tokens"
	"signet.org/internal/workflow"
)

// Engine is the approval workflow engine. All public operations run inside
// one store transaction and return a workflow.Result; expected failures never
// surface as errors.
type Engine struct {
	store    Store
	windows  grants.WindowManager
	notifier notify.Notifier
	links    tokens.Issuer
	now      func() time.Time
}

// NewEngine wires the engine with its collaborators.
func NewEngine(store Store, windows grants.WindowManager, notifier notify.Notifier, links tokens.Issuer) (*Engine, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if windows == nil {
		return nil, errors.New("authz: window manager is required")
	}
	if notifier == nil {
		return nil, errors.New("authz: notifier is required")
	}
	return &Engine{
		store:    store,
		windows:  windows,
		notifier: notifier,
		links:    links,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the engine clock. Test helper.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Request opens a new authorization request and its first approval step.
// Renewals require an approved, unexpired authorization for the same
// requester and activity.
func (e *Engine) Request(ctx context.Context, requesterID, activityID, approverID string, isRenewal bool) workflow.Result {
	requesterID = strings.TrimSpace(requesterID)
	activityID = strings.TrimSpace(activityID)
	approverID = strings.TrimSpace(approverID)
	if requesterID == "" || activityID == "" || approverID == "" {
		return workflow.Fail("requester, activity and approver are required")
	}

	now := e.now()
	var requestID string
	err := e.store.InTx(ctx, func(s Store) error {
		requester, err := s.GetMember(ctx, requesterID)
		if err != nil {
			return fmt.Errorf("load requester %s: %w", requesterID, err)
		}
		activity, err := s.GetActivity(ctx, activityID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("load activity %s: %w", activityID, err)
		}
		approver, err := s.GetMember(ctx, approverID)
		if err != nil {
			if errors.Is(err, members.ErrNotFound) {
				return ErrApproverNotFound
			}
			return fmt.Errorf("load approver %s: %w", approverID, err)
		}

		if isRenewal {
			active, err := s.HasActiveApproval(ctx, requesterID, activityID, now)
			if err != nil {
				return fmt.Errorf("check renewal eligibility: %w", err)
			}
			if !active {
				return ErrNoActiveAuthorization
			}
		}

		req := AuthorizationRequest{
			ID:          ids.New(),
			RequesterID: requesterID,
			ActivityID:  activityID,
			Status:      StatusPending,
			IsRenewal:   isRenewal,
			CreatedAt:   now,
		}
		if err := s.CreateRequest(ctx, req); err != nil {
			return fmt.Errorf("save authorization: %w", err)
		}
		requestID = req.ID

		step := ApprovalStep{
			ID:          ids.New(),
			RequestID:   req.ID,
			ApproverID:  approverID,
			Token:       ids.Token(),
			RequestedOn: now,
		}
		if err := s.CreateStep(ctx, step); err != nil {
			return fmt.Errorf("save approval: %w", err)
		}

		return e.notifyApprover(ctx, step, approver.Email, requester.Name, activity.Name)
	})

	res := e.finish(ctx, "request", err, map[string]any{"request_id": requestID}, func(err error) string {
		switch {
		case errors.Is(err, ErrNoActiveAuthorization),
			errors.Is(err, ErrActivityNotFound),
			errors.Is(err, ErrApproverNotFound):
			return err.Error()
		default:
			return "authorization request failed"
		}
	})
	return res
}

// Approve records one approver's acceptance. When the activity requires more
// sequential approvals it forwards the chain to nextApproverID; otherwise it
// finalizes the request and opens the active window.
func (e *Engine) Approve(ctx context.Context, requestID, approverID, nextApproverID string) workflow.Result {
	requestID = strings.TrimSpace(requestID)
	approverID = strings.TrimSpace(approverID)
	nextApproverID = strings.TrimSpace(nextApproverID)
	if requestID == "" || approverID == "" {
		return workflow.Fail("request and approver are required")
	}

	now := e.now()
	var forwarded bool
	err := e.store.InTx(ctx, func(s Store) error {
		step, err := s.OpenStep(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrApprovalNotFound
			}
			return fmt.Errorf("load open approval: %w", err)
		}
		req, err := s.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrAuthorizationNotFound
			}
			return fmt.Errorf("load authorization %s: %w", requestID, err)
		}
		activity, err := s.GetActivity(ctx, req.ActivityID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("load activity %s: %w", req.ActivityID, err)
		}
		requester, err := s.GetMember(ctx, req.RequesterID)
		if err != nil {
			return fmt.Errorf("load requester %s: %w", req.RequesterID, err)
		}
		if _, err := s.GetMember(ctx, approverID); err != nil {
			if errors.Is(err, members.ErrNotFound) {
				return ErrApproverNotFound
			}
			return fmt.Errorf("load approver %s: %w", approverID, err)
		}

		accepted := true
		step.ApproverID = approverID
		step.RespondedOn = &now
		step.Approved = &accepted
		if err := s.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("save approval: %w", err)
		}

		required := activity.RequiredApprovals(req.IsRenewal)
		acceptedCount, err := s.CountAcceptedSteps(ctx, requestID)
		if err != nil {
			return fmt.Errorf("count approvals: %w", err)
		}

		if required > 1 && acceptedCount < required {
			forwarded = true
			return e.forward(ctx, s, req, activity, requester.Name, requester.Email, nextApproverID, now)
		}
		return e.finalize(ctx, s, req, activity, requester.Email, approverID, now)
	})

	return e.finish(ctx, "approve", err, map[string]any{"request_id": requestID, "forwarded": forwarded}, func(err error) string {
		switch {
		case errors.Is(err, ErrApprovalNotFound),
			errors.Is(err, ErrAuthorizationNotFound),
			errors.Is(err, ErrActivityNotFound),
			errors.Is(err, ErrApproverNotFound),
			errors.Is(err, ErrNextApproverRequired):
			return err.Error()
		default:
			return "approval processing failed"
		}
	})
}

// forward creates the next approval step and notifies both the next approver
// and the original requester.
func (e *Engine) forward(ctx context.Context, s Store, req AuthorizationRequest, activity Activity, requesterName, requesterEmail, nextApproverID string, now time.Time) error {
	if nextApproverID == "" {
		return ErrNextApproverRequired
	}
	next, err := s.GetMember(ctx, nextApproverID)
	if err != nil {
		return ErrNextApproverRequired
	}

	req.ApprovalCount++
	if err := s.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}

	step := ApprovalStep{
		ID:          ids.New(),
		RequestID:   req.ID,
		ApproverID:  nextApproverID,
		Token:       ids.Token(),
		RequestedOn: now,
	}
	if err := s.CreateStep(ctx, step); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}

	if err := e.notifyApprover(ctx, step, next.Email, requesterName, activity.Name); err != nil {
		return err
	}
	return e.send(ctx, notify.TemplateAuthorizationForwarded, requesterEmail, map[string]any{
		"activity":      activity.Name,
		"forwarded_to":  next.Name,
		"approval_step": req.ApprovalCount + 1,
	})
}

// finalize flips the request to approved and opens the active window.
func (e *Engine) finalize(ctx context.Context, s Store, req AuthorizationRequest, activity Activity, requesterEmail, approverID string, now time.Time) error {
	_, expiresOn, err := e.windows.Start(ctx, s, grants.StartInput{
		Subject:     grants.Subject{Kind: grants.SubjectAuthorization, ID: req.ID},
		MemberID:    req.RequesterID,
		ActivatorID: approverID,
		StartOn:     now,
		TermMonths:  activity.TermMonths,
		RoleID:      activity.GrantsRoleID,
	})
	if err != nil {
		return fmt.Errorf("start active window: %w", err)
	}

	req.Status = StatusApproved
	req.ApprovalCount++
	req.StartOn = &now
	req.ExpiresOn = &expiresOn
	if err := s.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}

	return e.send(ctx, notify.TemplateAuthorizationApproved, requesterEmail, map[string]any{
		"activity":   activity.Name,
		"expires_on": expiresOn.Format(time.RFC3339),
	})
}

// Deny records one approver's refusal and terminates the request. The
// never-active sentinel (start == expiry, one second before now) marks a
// request that was denied before it could take effect.
func (e *Engine) Deny(ctx context.Context, requestID, approverID, reason string) workflow.Result {
	requestID = strings.TrimSpace(requestID)
	approverID = strings.TrimSpace(approverID)
	reason = strings.TrimSpace(reason)
	if requestID == "" || approverID == "" {
		return workflow.Fail("request and approver are required")
	}

	now := e.now()
	err := e.store.InTx(ctx, func(s Store) error {
		step, err := s.OpenStep(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrApprovalNotFound
			}
			return fmt.Errorf("load open approval: %w", err)
		}
		req, err := s.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrAuthorizationNotFound
			}
			return fmt.Errorf("load authorization %s: %w", requestID, err)
		}
		requester, err := s.GetMember(ctx, req.RequesterID)
		if err != nil {
			return fmt.Errorf("load requester %s: %w", req.RequesterID, err)
		}

		declined := false
		step.ApproverID = approverID
		step.RespondedOn = &now
		step.Approved = &declined
		step.ApproverNotes = reason
		if err := s.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("save approval: %w", err)
		}

		sentinel := now.Add(-time.Second)
		req.Status = StatusDenied
		req.RevokerID = approverID
		req.RevokedReason = reason
		req.StartOn = &sentinel
		req.ExpiresOn = &sentinel
		if err := s.UpdateRequest(ctx, req); err != nil {
			return fmt.Errorf("save authorization: %w", err)
		}

		return e.send(ctx, notify.TemplateAuthorizationDenied, requester.Email, map[string]any{
			"activity_id": req.ActivityID,
			"reason":      reason,
		})
	})

	return e.finish(ctx, "deny", err, map[string]any{"request_id": requestID}, func(err error) string {
		switch {
		case errors.Is(err, ErrApprovalNotFound), errors.Is(err, ErrAuthorizationNotFound):
			return err.Error()
		default:
			return "denial failed"
		}
	})
}

// Revoke closes the active window of an approved authorization and notifies
// the requester.
func (e *Engine) Revoke(ctx context.Context, requestID, revokerID, reason string) workflow.Result {
	requestID = strings.TrimSpace(requestID)
	revokerID = strings.TrimSpace(revokerID)
	reason = strings.TrimSpace(reason)
	if requestID == "" || revokerID == "" {
		return workflow.Fail("request and revoker are required")
	}

	now := e.now()
	err := e.store.InTx(ctx, func(s Store) error {
		req, err := s.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrAuthorizationNotFound
			}
			return fmt.Errorf("load authorization %s: %w", requestID, err)
		}
		if req.Status != StatusApproved {
			return ErrNotRevocable
		}
		requester, err := s.GetMember(ctx, req.RequesterID)
		if err != nil {
			return fmt.Errorf("load requester %s: %w", req.RequesterID, err)
		}

		err = e.windows.Stop(ctx, s, grants.StopInput{
			Subject:   grants.Subject{Kind: grants.SubjectAuthorization, ID: req.ID},
			StopperID: revokerID,
			Reason:    reason,
			StopOn:    now,
		})
		if err != nil {
			return fmt.Errorf("stop active window: %w", err)
		}

		req.Status = StatusRevoked
		req.RevokerID = revokerID
		req.RevokedReason = reason
		req.ExpiresOn = &now
		if err := s.UpdateRequest(ctx, req); err != nil {
			return fmt.Errorf("save authorization: %w", err)
		}

		if err := e.send(ctx, notify.TemplateAuthorizationRevoked, requester.Email, map[string]any{
			"activity_id": req.ActivityID,
			"reason":      reason,
		}); err != nil {
			return fmt.Errorf("%w: %v", errNotification, err)
		}
		return nil
	})

	return e.finish(ctx, "revoke", err, map[string]any{"request_id": requestID}, func(err error) string {
		switch {
		case errors.Is(err, ErrAuthorizationNotFound), errors.Is(err, ErrNotRevocable):
			return err.Error()
		case errors.Is(err, errNotification):
			return "notification failed"
		default:
			return "revocation failed"
		}
	})
}

func (e *Engine) notifyApprover(ctx context.Context, step ApprovalStep, approverEmail, requesterName, activityName string) error {
	link, err := e.links.ApprovalLink(step.ID, step.Token)
	if err != nil {
		return fmt.Errorf("mint approval link: %w", err)
	}
	return e.send(ctx, notify.TemplateAuthorizationRequest, approverEmail, map[string]any{
		"requester":     requesterName,
		"activity":      activityName,
		"approval_link": link,
	})
}

func (e *Engine) send(ctx context.Context, template, to string, args map[string]any) error {
	if err := e.notifier.Send(ctx, template, to, args); err != nil {
		return fmt.Errorf("send %s: %w", template, err)
	}
	return nil
}

// finish converts the transaction outcome into a Result, recording metrics
// and the audit trail.
func (e *Engine) finish(ctx context.Context, transition string, err error, data map[string]any, reason func(error) string) workflow.Result {
	var res workflow.Result
	if err != nil {
		res = workflow.Fail(reason(err))
	} else {
		res = workflow.OK(data)
	}
	obs.CountTransition(transition, res.Success)
	_ = audit.LogEvent(ctx, "authz."+transition, map[string]any{
		"success": res.Success,
		"reason":  res.Reason,
		"data":    data,
	})
	return res
}

// Package memory implements the engine store interfaces in process. It backs
// unit tests and the smoke binary; durable deployments use store/pg.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signet.org/internal/authz"
	"signet.org/internal/grants"
	"signet.org/internal/members"
	"signet.org/internal/officers"
)

// DB holds all portal state in maps guarded by one mutex. Transactions are
// snapshot/restore: InTx copies the state up front and restores it when fn
// fails, which is all-or-nothing for a single caller. The store is meant for
// sequential use; it does not provide isolation between concurrent
// transactions.
type DB struct {
	mu sync.Mutex
	d  data

	// FailWrite, when set, is consulted before every write with the entity
	// kind and id and can force a persistence failure. Test hook.
	FailWrite func(kind, id string) error
}

type data struct {
	members     map[string]members.Member
	activities  map[string]authz.Activity
	requests    map[string]authz.AuthorizationRequest
	steps       map[string]authz.ApprovalStep
	offices     map[string]officers.Office
	assignments map[string]officers.OfficerAssignment
	grants      map[string]grants.RoleGrant
}

// New creates an empty store.
func New() *DB {
	return &DB{d: data{
		members:     map[string]members.Member{},
		activities:  map[string]authz.Activity{},
		requests:    map[string]authz.AuthorizationRequest{},
		steps:       map[string]authz.ApprovalStep{},
		offices:     map[string]officers.Office{},
		assignments: map[string]officers.OfficerAssignment{},
		grants:      map[string]grants.RoleGrant{},
	}}
}

func (d data) clone() data {
	out := data{
		members:     make(map[string]members.Member, len(d.members)),
		activities:  make(map[string]authz.Activity, len(d.activities)),
		requests:    make(map[string]authz.AuthorizationRequest, len(d.requests)),
		steps:       make(map[string]authz.ApprovalStep, len(d.steps)),
		offices:     make(map[string]officers.Office, len(d.offices)),
		assignments: make(map[string]officers.OfficerAssignment, len(d.assignments)),
		grants:      make(map[string]grants.RoleGrant, len(d.grants)),
	}
	for k, v := range d.members {
		out.members[k] = v
	}
	for k, v := range d.activities {
		out.activities[k] = v
	}
	for k, v := range d.requests {
		out.requests[k] = v
	}
	for k, v := range d.steps {
		out.steps[k] = v
	}
	for k, v := range d.offices {
		out.offices[k] = v
	}
	for k, v := range d.assignments {
		out.assignments[k] = v
	}
	for k, v := range d.grants {
		out.grants[k] = v
	}
	return out
}

func (db *DB) failWrite(kind, id string) error {
	if db.FailWrite != nil {
		return db.FailWrite(kind, id)
	}
	return nil
}

func (db *DB) inTx(fn func() error) error {
	db.mu.Lock()
	snap := db.d.clone()
	db.mu.Unlock()

	if err := fn(); err != nil {
		db.mu.Lock()
		db.d = snap
		db.mu.Unlock()
		return err
	}
	return nil
}

// Authorizations returns the store view the approval workflow engine uses.
func (db *DB) Authorizations() authz.Store { return authzView{db} }

// Officers returns the store view the office engine uses.
func (db *DB) Officers() officers.Store { return officersView{db} }

type authzView struct{ *DB }

func (v authzView) InTx(ctx context.Context, fn func(authz.Store) error) error {
	return v.inTx(func() error { return fn(v) })
}

type officersView struct{ *DB }

func (v officersView) InTx(ctx context.Context, fn func(officers.Store) error) error {
	return v.inTx(func() error { return fn(v) })
}

// --- members ---

func (db *DB) GetMember(ctx context.Context, id string) (members.Member, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.d.members[id]
	if !ok {
		return members.Member{}, members.ErrNotFound
	}
	return m, nil
}

// PutMember seeds a member.
func (db *DB) PutMember(m members.Member) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.members[m.ID] = m
}

// --- activities ---

func (db *DB) GetActivity(ctx context.Context, id string) (authz.Activity, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.d.activities[id]
	if !ok {
		return authz.Activity{}, fmt.Errorf("%w: activity %s", authz.ErrNotFound, id)
	}
	return a, nil
}

// PutActivity seeds an activity.
func (db *DB) PutActivity(a authz.Activity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.activities[a.ID] = a
}

// --- authorization requests ---

func (db *DB) CreateRequest(ctx context.Context, r authz.AuthorizationRequest) error {
	if err := db.failWrite("request", r.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.requests[r.ID] = r
	return nil
}

func (db *DB) GetRequest(ctx context.Context, id string) (authz.AuthorizationRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.d.requests[id]
	if !ok {
		return authz.AuthorizationRequest{}, fmt.Errorf("%w: request %s", authz.ErrNotFound, id)
	}
	return r, nil
}

func (db *DB) UpdateRequest(ctx context.Context, r authz.AuthorizationRequest) error {
	if err := db.failWrite("request", r.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.d.requests[r.ID]; !ok {
		return fmt.Errorf("%w: request %s", authz.ErrNotFound, r.ID)
	}
	db.d.requests[r.ID] = r
	return nil
}

func (db *DB) HasActiveApproval(ctx context.Context, requesterID, activityID string, now time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.d.requests {
		if r.RequesterID != requesterID || r.ActivityID != activityID {
			continue
		}
		if r.Status != authz.StatusApproved {
			continue
		}
		if r.ExpiresOn != nil && r.ExpiresOn.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// --- approval steps ---

func (db *DB) CreateStep(ctx context.Context, s authz.ApprovalStep) error {
	if err := db.failWrite("step", s.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.steps[s.ID] = s
	return nil
}

func (db *DB) OpenStep(ctx context.Context, requestID string) (authz.ApprovalStep, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, s := range db.d.steps {
		if s.RequestID == requestID && s.Open() {
			return s, nil
		}
	}
	return authz.ApprovalStep{}, fmt.Errorf("%w: open step for request %s", authz.ErrNotFound, requestID)
}

func (db *DB) UpdateStep(ctx context.Context, s authz.ApprovalStep) error {
	if err := db.failWrite("step", s.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.d.steps[s.ID]; !ok {
		return fmt.Errorf("%w: step %s", authz.ErrNotFound, s.ID)
	}
	db.d.steps[s.ID] = s
	return nil
}

func (db *DB) CountAcceptedSteps(ctx context.Context, requestID string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.d.steps {
		if s.RequestID == requestID && s.Approved != nil && *s.Approved {
			n++
		}
	}
	return n, nil
}

// Requests returns every stored authorization request. Test helper.
func (db *DB) Requests() []authz.AuthorizationRequest {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []authz.AuthorizationRequest
	for _, r := range db.d.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StepsFor returns the request's steps ordered by request time. Test helper.
func (db *DB) StepsFor(requestID string) []authz.ApprovalStep {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []authz.ApprovalStep
	for _, s := range db.d.steps {
		if s.RequestID == requestID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedOn.Equal(out[j].RequestedOn) {
			return out[i].RequestedOn.Before(out[j].RequestedOn)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- offices and assignments ---

func (db *DB) GetOffice(ctx context.Context, id string) (officers.Office, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.d.offices[id]
	if !ok {
		return officers.Office{}, fmt.Errorf("%w: office %s", officers.ErrNotFound, id)
	}
	return o, nil
}

// PutOffice seeds or updates an office configuration.
func (db *DB) PutOffice(o officers.Office) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.offices[o.ID] = o
}

func (db *DB) CreateOfficer(ctx context.Context, o officers.OfficerAssignment) error {
	if err := db.failWrite("officer", o.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.assignments[o.ID] = o
	return nil
}

func (db *DB) GetOfficer(ctx context.Context, id string) (officers.OfficerAssignment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.d.assignments[id]
	if !ok {
		return officers.OfficerAssignment{}, fmt.Errorf("%w: officer %s", officers.ErrNotFound, id)
	}
	return o, nil
}

func (db *DB) UpdateOfficer(ctx context.Context, o officers.OfficerAssignment) error {
	if err := db.failWrite("officer", o.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.d.assignments[o.ID]; !ok {
		return fmt.Errorf("%w: officer %s", officers.ErrNotFound, o.ID)
	}
	db.d.assignments[o.ID] = o
	return nil
}

func (db *DB) ActiveOfficersForOffice(ctx context.Context, officeID string) ([]officers.OfficerAssignment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []officers.OfficerAssignment
	for _, o := range db.d.assignments {
		if o.OfficeID != officeID || o.Status.Terminal() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartOn.Equal(out[j].StartOn) {
			return out[i].StartOn.Before(out[j].StartOn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutOfficer seeds an assignment. Test helper.
func (db *DB) PutOfficer(o officers.OfficerAssignment) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.assignments[o.ID] = o
}

// PutGrant seeds a role grant. Test helper.
func (db *DB) PutGrant(g grants.RoleGrant) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.grants[g.ID] = g
}

// --- role grants ---

func (db *DB) CreateGrant(ctx context.Context, g grants.RoleGrant) error {
	if err := db.failWrite("grant", g.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.d.grants[g.ID] = g
	return nil
}

func (db *DB) GetGrant(ctx context.Context, id string) (grants.RoleGrant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	g, ok := db.d.grants[id]
	if !ok {
		return grants.RoleGrant{}, fmt.Errorf("%w: grant %s", grants.ErrNotFound, id)
	}
	return g, nil
}

func (db *DB) UpdateGrant(ctx context.Context, g grants.RoleGrant) error {
	if err := db.failWrite("grant", g.ID); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.d.grants[g.ID]; !ok {
		return fmt.Errorf("%w: grant %s", grants.ErrNotFound, g.ID)
	}
	db.d.grants[g.ID] = g
	return nil
}

func (db *DB) GrantsFor(ctx context.Context, subject grants.Subject) ([]grants.RoleGrant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []grants.RoleGrant
	for _, g := range db.d.grants {
		if g.Subject == subject {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

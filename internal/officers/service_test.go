package officers_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"signet.org/internal/grants"
	"signet.org/internal/members"
	"signet.org/internal/officers"
	"signet.org/internal/store/memory"
)

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type nopNotifier struct{}

func (nopNotifier) Send(ctx context.Context, template, to string, args map[string]any) error {
	return nil
}

func newEngine(t *testing.T, db *memory.DB) *officers.Engine {
	t.Helper()
	e, err := officers.NewEngine(db.Officers(), grants.Windows{}, nopNotifier{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e.WithClock(func() time.Time { return testNow })
}

func seedMember(db *memory.DB, id string, warrantable bool) {
	m := members.Member{
		ID:                     id,
		Name:                   "Member " + id,
		Email:                  id + "@example.org",
		Status:                 members.StatusActive,
		MembershipExpiresOn:    testNow.AddDate(1, 0, 0),
		BackgroundCheckExpires: testNow.AddDate(1, 0, 0),
	}
	if !warrantable {
		m.BackgroundCheckExpires = testNow.AddDate(0, 0, -1)
	}
	db.PutMember(m)
}

func TestAssignCopiesOfficeSnapshots(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "m1", true)
	db.PutOffice(officers.Office{
		ID:           "seneschal",
		Name:         "Seneschal",
		ReportsToID:  "kingdom-seneschal",
		GrantsRoleID: "role-seneschal",
		TermMonths:   24,
	})

	res := e.Assign(ctx, officers.AssignInput{
		OfficeID:   "seneschal",
		MemberID:   "m1",
		BranchID:   "barony-east",
		StartOn:    testNow.AddDate(0, 0, -1),
		ApproverID: "crown",
	})
	if !res.Success {
		t.Fatalf("Assign failed: %s", res.Reason)
	}
	officerID, _ := res.Data["officer_id"].(string)

	o, err := db.GetOfficer(ctx, officerID)
	if err != nil {
		t.Fatalf("GetOfficer: %v", err)
	}
	if o.Status != officers.StatusCurrent {
		t.Fatalf("past start date must seat immediately: %s", o.Status)
	}
	if o.ReportsToOfficeID != "kingdom-seneschal" || o.ReportsToBranchID != "barony-east" {
		t.Fatalf("bad reporting snapshot: %+v", o)
	}
	if want := testNow.AddDate(0, 24, -1); !o.ExpiresOn.Equal(want) {
		t.Fatalf("term-derived expiry = %v, want %v", o.ExpiresOn, want)
	}
	if o.GrantedGrantID == "" {
		t.Fatal("office that grants a role must open a grant on assignment")
	}
	g, err := db.GetGrant(ctx, o.GrantedGrantID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g.RoleID != "role-seneschal" || g.MemberID != "m1" || g.Status != grants.GrantStatusActive {
		t.Fatalf("unexpected grant: %+v", g)
	}
}

func TestAssignFutureStartIsUpcoming(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "m2", true)
	db.PutOffice(officers.Office{ID: "herald", Name: "Herald", TermMonths: 12})

	res := e.Assign(ctx, officers.AssignInput{
		OfficeID: "herald",
		MemberID: "m2",
		BranchID: "shire-north",
		StartOn:  testNow.AddDate(0, 1, 0),
	})
	if !res.Success {
		t.Fatalf("Assign failed: %s", res.Reason)
	}
	o, _ := db.GetOfficer(ctx, res.Data["officer_id"].(string))
	if o.Status != officers.StatusUpcoming {
		t.Fatalf("future start must be upcoming: %s", o.Status)
	}
	if o.GrantedGrantID != "" {
		t.Fatal("office without a granted role must not create a grant")
	}
}

func TestAssignRejectsNonWarrantableMember(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	seedMember(db, "m3", false)
	db.PutOffice(officers.Office{ID: "knight-marshal", Name: "Knight Marshal", TermMonths: 24, RequiresWarrant: true})

	res := e.Assign(context.Background(), officers.AssignInput{
		OfficeID: "knight-marshal",
		MemberID: "m3",
		BranchID: "barony-east",
		StartOn:  testNow,
	})
	if res.Success {
		t.Fatal("non-warrantable member must be rejected")
	}
	if !strings.Contains(res.Reason, "not warrantable") {
		t.Fatalf("reason must name warrantability: %s", res.Reason)
	}
}

func TestReleaseSetsTerminalStatus(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "m4", true)
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o-rel", MemberID: "m4", OfficeID: "herald", BranchID: "b",
		Status: officers.StatusCurrent, StartOn: testNow.AddDate(0, -6, 0),
		ExpiresOn: testNow.AddDate(0, 6, 0), GrantedGrantID: "keep-me",
	})
	db.PutGrant(grants.RoleGrant{ID: "keep-me", Status: grants.GrantStatusActive})

	revokedOn := testNow.AddDate(0, 0, -2)
	res := e.Release(ctx, "o-rel", "crown", revokedOn, "stepped down", officers.StatusReleased)
	if !res.Success {
		t.Fatalf("Release failed: %s", res.Reason)
	}
	o, _ := db.GetOfficer(ctx, "o-rel")
	if o.Status != officers.StatusReleased || !o.ExpiresOn.Equal(revokedOn) {
		t.Fatalf("unexpected released officer: %+v", o)
	}
	if o.RevokerID != "crown" || o.RevokedReason != "stepped down" {
		t.Fatalf("release bookkeeping missing: %+v", o)
	}
	// Release leaves role grants to the cleanup collaborator.
	if g, _ := db.GetGrant(ctx, "keep-me"); g.Status != grants.GrantStatusActive {
		t.Fatalf("release must not touch grants: %+v", g)
	}

	res = e.Release(ctx, "o-rel", "crown", testNow, "again", officers.StatusReplaced)
	if res.Success {
		t.Fatal("terminal assignment must not be released twice")
	}
}

func TestReleaseRejectsNonTerminalTarget(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	res := e.Release(context.Background(), "o-x", "crown", testNow, "r", officers.StatusCurrent)
	if res.Success || !strings.Contains(res.Reason, "unsupported terminal status") {
		t.Fatalf("expected terminal-status validation, got %+v", res)
	}
}

func seedRecalcFixture(db *memory.DB) {
	seedMember(db, "mA", true)
	seedMember(db, "mB", true)
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-1", TermMonths: 24})
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o1", MemberID: "mA", OfficeID: "exchequer", BranchID: "branch-a",
		Status: officers.StatusCurrent, StartOn: testNow.AddDate(0, -3, 0), ExpiresOn: testNow.AddDate(0, 21, 0),
		ReportsToOfficeID: "office-1", ReportsToBranchID: "branch-a",
	})
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o2", MemberID: "mB", OfficeID: "exchequer", BranchID: "branch-b",
		Status: officers.StatusUpcoming, StartOn: testNow.AddDate(0, 1, 0), ExpiresOn: testNow.AddDate(0, 25, 0),
		ReportsToOfficeID: "office-1", ReportsToBranchID: "branch-b",
	})
}

func TestRecalculateRewritesReportingLine(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedRecalcFixture(db)

	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-2", TermMonths: 24})

	res := e.RecalculateForOffice(ctx, "exchequer", "admin")
	if !res.Success {
		t.Fatalf("Recalculate failed: %s", res.Reason)
	}
	if res.Int("updated_count") != 2 || res.Int("current_count") != 1 || res.Int("upcoming_count") != 1 {
		t.Fatalf("unexpected counts: %+v", res.Data)
	}
	for _, id := range []string{"o1", "o2"} {
		o, _ := db.GetOfficer(ctx, id)
		if o.ReportsToOfficeID != "office-2" {
			t.Fatalf("%s reports to %s", id, o.ReportsToOfficeID)
		}
		if o.ReportsToBranchID != o.BranchID {
			t.Fatalf("%s reporting branch must stay its own branch: %+v", id, o)
		}
	}
}

func TestRecalculateDeputyMirrorsReportingLine(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "mC", true)
	db.PutOffice(officers.Office{ID: "deputy-seneschal", Name: "Deputy Seneschal", ReportsToID: "office-7", DeputyToID: "seneschal", TermMonths: 12})
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o3", MemberID: "mC", OfficeID: "deputy-seneschal", BranchID: "branch-c",
		Status: officers.StatusCurrent, StartOn: testNow.AddDate(0, -1, 0), ExpiresOn: testNow.AddDate(0, 11, 0),
	})

	res := e.RecalculateForOffice(ctx, "deputy-seneschal", "admin")
	if !res.Success {
		t.Fatalf("Recalculate failed: %s", res.Reason)
	}
	o, _ := db.GetOfficer(ctx, "o3")
	if o.DeputyToOfficeID != "seneschal" || o.DeputyToBranchID != "branch-c" {
		t.Fatalf("deputy snapshot missing: %+v", o)
	}
	if o.ReportsToOfficeID != "seneschal" || o.ReportsToBranchID != "branch-c" {
		t.Fatalf("deputy reporting must mirror the deputy line: %+v", o)
	}
}

func TestRecalculateAddsRoleGrant(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedRecalcFixture(db)
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-1", GrantsRoleID: "role-5", TermMonths: 24})

	res := e.RecalculateForOffice(ctx, "exchequer", "admin")
	if !res.Success {
		t.Fatalf("Recalculate failed: %s", res.Reason)
	}

	o, _ := db.GetOfficer(ctx, "o1")
	if o.GrantedGrantID == "" {
		t.Fatal("grant id must be recorded on the assignment")
	}
	g, err := db.GetGrant(ctx, o.GrantedGrantID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if g.RoleID != "role-5" || g.MemberID != "mA" {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if !g.ExpiresOn.After(testNow) || !g.ExpiresOn.Equal(o.ExpiresOn) {
		t.Fatalf("grant expiry must track the assignment: %v vs %v", g.ExpiresOn, o.ExpiresOn)
	}

	// Second pass with no further office change is a no-op for role state.
	res = e.RecalculateForOffice(ctx, "exchequer", "admin")
	if !res.Success {
		t.Fatalf("second Recalculate failed: %s", res.Reason)
	}
	gs, _ := db.GrantsFor(ctx, grants.Subject{Kind: grants.SubjectOfficer, ID: "o1"})
	active := 0
	for _, g := range gs {
		if g.Status == grants.GrantStatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("exactly one active grant expected, found %d", active)
	}
}

func TestRecalculateRemovesAndReplacesRoleGrant(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedRecalcFixture(db)
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-1", GrantsRoleID: "role-5", TermMonths: 24})
	if res := e.RecalculateForOffice(ctx, "exchequer", "admin"); !res.Success {
		t.Fatalf("seed Recalculate failed: %s", res.Reason)
	}
	o, _ := db.GetOfficer(ctx, "o1")
	firstGrant := o.GrantedGrantID

	// Replace the granted role.
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-1", GrantsRoleID: "role-6", TermMonths: 24})
	if res := e.RecalculateForOffice(ctx, "exchequer", "admin"); !res.Success {
		t.Fatalf("replace Recalculate failed: %s", res.Reason)
	}
	old, _ := db.GetGrant(ctx, firstGrant)
	if old.Status != grants.GrantStatusEnded || old.RevokerID != "admin" {
		t.Fatalf("old grant must be ended by the updater: %+v", old)
	}
	o, _ = db.GetOfficer(ctx, "o1")
	replacement, _ := db.GetGrant(ctx, o.GrantedGrantID)
	if replacement.RoleID != "role-6" || replacement.Status != grants.GrantStatusActive {
		t.Fatalf("unexpected replacement grant: %+v", replacement)
	}

	// Drop the granted role entirely.
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-1", TermMonths: 24})
	if res := e.RecalculateForOffice(ctx, "exchequer", "admin"); !res.Success {
		t.Fatalf("removal Recalculate failed: %s", res.Reason)
	}
	o, _ = db.GetOfficer(ctx, "o1")
	if o.GrantedGrantID != "" {
		t.Fatalf("grant reference must clear on removal: %+v", o)
	}
	ended, _ := db.GetGrant(ctx, replacement.ID)
	if ended.Status != grants.GrantStatusEnded {
		t.Fatalf("replacement grant must be ended: %+v", ended)
	}
}

func TestRecalculateClearsStaleGrantReference(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "mE", true)
	db.PutOffice(officers.Office{ID: "chronicler", Name: "Chronicler", TermMonths: 24})
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o-stale", MemberID: "mE", OfficeID: "chronicler", BranchID: "b",
		Status: officers.StatusCurrent, StartOn: testNow.AddDate(0, -6, 0),
		ExpiresOn: testNow.AddDate(0, 18, 0), GrantedGrantID: "ended-grant",
	})
	db.PutGrant(grants.RoleGrant{
		ID: "ended-grant", RoleID: "role-old", MemberID: "mE",
		Subject: grants.Subject{Kind: grants.SubjectOfficer, ID: "o-stale"},
		Status:  grants.GrantStatusEnded, RevokerID: "earlier",
	})

	res := e.RecalculateForOffice(ctx, "chronicler", "admin")
	if !res.Success {
		t.Fatalf("Recalculate failed: %s", res.Reason)
	}
	o, _ := db.GetOfficer(ctx, "o-stale")
	if o.GrantedGrantID != "" {
		t.Fatalf("reference to an ended grant must clear: %+v", o)
	}
	g, _ := db.GetGrant(ctx, "ended-grant")
	if g.Status != grants.GrantStatusEnded || g.RevokerID != "earlier" {
		t.Fatalf("ended grant must stay untouched: %+v", g)
	}
	gs, _ := db.GrantsFor(ctx, grants.Subject{Kind: grants.SubjectOfficer, ID: "o-stale"})
	if len(gs) != 1 {
		t.Fatalf("no new grant may appear, found %d", len(gs))
	}
}

func TestRecalculateFailsFastAndRollsBack(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedRecalcFixture(db)
	db.PutOffice(officers.Office{ID: "exchequer", Name: "Exchequer", ReportsToID: "office-9", TermMonths: 24})

	db.FailWrite = func(kind, id string) error {
		if kind == "officer" && id == "o2" {
			return errors.New("constraint violation")
		}
		return nil
	}

	res := e.RecalculateForOffice(ctx, "exchequer", "admin")
	if res.Success {
		t.Fatal("second officer failure must fail the cascade")
	}
	if !strings.Contains(res.Reason, "Failed to update officer") {
		t.Fatalf("reason must name the failing officer update: %s", res.Reason)
	}
	// One transaction wraps the cascade: the first officer rolls back too.
	o1, _ := db.GetOfficer(ctx, "o1")
	if o1.ReportsToOfficeID != "office-1" {
		t.Fatalf("first officer must roll back with the cascade: %+v", o1)
	}
}

func TestRecalculateSkipsTerminalAssignments(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	ctx := context.Background()
	seedMember(db, "mD", true)
	db.PutOffice(officers.Office{ID: "marshal", Name: "Marshal", ReportsToID: "office-2", TermMonths: 24})
	db.PutOfficer(officers.OfficerAssignment{
		ID: "o-exp", MemberID: "mD", OfficeID: "marshal", BranchID: "b",
		Status: officers.StatusExpired, StartOn: testNow.AddDate(-3, 0, 0), ExpiresOn: testNow.AddDate(-1, 0, 0),
		ReportsToOfficeID: "office-old",
	})

	res := e.RecalculateForOffice(ctx, "marshal", "admin")
	if !res.Success {
		t.Fatalf("Recalculate failed: %s", res.Reason)
	}
	if res.Int("updated_count") != 0 {
		t.Fatalf("terminal assignments must not count: %+v", res.Data)
	}
	o, _ := db.GetOfficer(ctx, "o-exp")
	if o.ReportsToOfficeID != "office-old" {
		t.Fatalf("expired history must stay untouched: %+v", o)
	}
}

func TestRecalculateEmptyOfficeIsZeroSuccess(t *testing.T) {
	db := memory.New()
	e := newEngine(t, db)
	db.PutOffice(officers.Office{ID: "empty", Name: "Empty", TermMonths: 12})

	res := e.RecalculateForOffice(context.Background(), "empty", "admin")
	if !res.Success {
		t.Fatalf("empty office must succeed: %s", res.Reason)
	}
	if res.Int("updated_count") != 0 || res.Int("current_count") != 0 || res.Int("upcoming_count") != 0 {
		t.Fatalf("expected zero counts: %+v", res.Data)
	}
}

// Command smoke-workflow exercises both engines end to end against the
// in-memory store: a two-approver authorization chain, a denial, a
// revocation, and an officer assignment followed by an office
// reconfiguration cascade.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"signet.org/internal/authz"
	"signet.org/internal/grants"
	"signet.org/internal/members"
	"signet.org/internal/notify"
	"signet.org/internal/obs"
	"signet.org/internal/officers"
	"signet.org/internal/store/memory"
	"signet.org/internal/tokens"
)

func main() {
	_ = godotenv.Load()
	if os.Getenv("SIGNET_APPROVAL_SECRET") == "" {
		_ = os.Setenv("SIGNET_APPROVAL_SECRET", "smoke-local-secret")
	}
	obs.Init()

	db := memory.New()
	notifier := notify.NewLogNotifier(50, 10)
	links := tokens.Issuer{BaseURL: "http://localhost:8080", TTL: 72 * time.Hour}

	authzEngine, err := authz.NewEngine(db.Authorizations(), grants.Windows{}, notifier, links)
	if err != nil {
		log.Fatalf("authz engine: %v", err)
	}
	officerEngine, err := officers.NewEngine(db.Officers(), grants.Windows{}, notifier)
	if err != nil {
		log.Fatalf("officer engine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	seed(db, now)

	// Two-approver chain: request, forward, final approval.
	res := authzEngine.Request(ctx, "member-a", "heavy-combat", "marshal-1", false)
	if !res.Success {
		log.Fatalf("request: %s", res.Reason)
	}
	requestID := res.Data["request_id"].(string)

	res = authzEngine.Approve(ctx, requestID, "marshal-1", "marshal-2")
	if !res.Success {
		log.Fatalf("first approve: %s", res.Reason)
	}
	if forwarded, _ := res.Data["forwarded"].(bool); !forwarded {
		log.Fatalf("expected forward to second approver, got %+v", res.Data)
	}
	res = authzEngine.Approve(ctx, requestID, "marshal-2", "")
	if !res.Success {
		log.Fatalf("final approve: %s", res.Reason)
	}

	// Renewal now passes the active-authorization gate.
	res = authzEngine.Request(ctx, "member-a", "heavy-combat", "marshal-1", true)
	if !res.Success {
		log.Fatalf("renewal request: %s", res.Reason)
	}
	renewalID := res.Data["request_id"].(string)
	if res := authzEngine.Deny(ctx, renewalID, "marshal-1", "insufficient practice hours"); !res.Success {
		log.Fatalf("deny: %s", res.Reason)
	}

	// Revoke the approved authorization.
	if res := authzEngine.Revoke(ctx, requestID, "earl-marshal", "safety violation"); !res.Success {
		log.Fatalf("revoke: %s", res.Reason)
	}

	// Officer assignment and a reports-to cascade.
	res = officerEngine.Assign(ctx, officers.AssignInput{
		OfficeID:   "seneschal",
		MemberID:   "member-b",
		BranchID:   "barony-east",
		StartOn:    now,
		ApproverID: "crown",
	})
	if !res.Success {
		log.Fatalf("assign: %s", res.Reason)
	}
	officerID := res.Data["officer_id"].(string)

	db.PutOffice(officers.Office{
		ID: "seneschal", Name: "Seneschal",
		ReportsToID: "kingdom-seneschal", GrantsRoleID: "role-seneschal", TermMonths: 24,
	})
	res = officerEngine.RecalculateForOffice(ctx, "seneschal", "admin")
	if !res.Success {
		log.Fatalf("recalculate: %s", res.Reason)
	}
	if res.Int("updated_count") != 1 {
		log.Fatalf("expected 1 recalculated officer, got %+v", res.Data)
	}

	o, err := db.GetOfficer(ctx, officerID)
	if err != nil {
		log.Fatalf("load officer: %v", err)
	}
	if o.ReportsToOfficeID != "kingdom-seneschal" || o.GrantedGrantID == "" {
		log.Fatalf("cascade did not land: %+v", o)
	}

	fmt.Printf("✅ workflow smoke test passed: request=%s officer=%s\n", requestID, officerID)
}

func seed(db *memory.DB, now time.Time) {
	for _, id := range []string{"member-a", "member-b", "marshal-1", "marshal-2"} {
		db.PutMember(memberFixture(id, now))
	}
	db.PutActivity(authz.Activity{
		ID:                  "heavy-combat",
		Name:                "Heavy Combat",
		TermMonths:          48,
		RequiredAuthorizers: 2,
		RequiredRenewers:    1,
		GrantsRoleID:        "role-heavy-combat",
		CreatedAt:           now,
	})
	db.PutOffice(officers.Office{
		ID: "seneschal", Name: "Seneschal", GrantsRoleID: "role-seneschal", TermMonths: 24,
	})
}

func memberFixture(id string, now time.Time) members.Member {
	return members.Member{
		ID:                     id,
		Name:                   id,
		Email:                  id + "@example.org",
		Status:                 members.StatusActive,
		MembershipExpiresOn:    now.AddDate(2, 0, 0),
		BackgroundCheckExpires: now.AddDate(2, 0, 0),
	}
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tontinex/relance/internal/domain"
)

func TestPreviewCountEqualsEnrolledCount(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()

	registered := db.now().Add(-60 * 24 * time.Hour)
	referrer := db.addUser("referrer", "CM", domain.LangFR, true, registered)
	db.addSession(referrer.ID, 50)
	transport.connected[referrer.ID] = true

	// A mixed population: two match the filter, three do not.
	for i, tc := range []struct {
		country    string
		subscribed bool
	}{
		{"CM", false},
		{"CM", false},
		{"CM", true},
		{"FR", false},
		{"SN", true},
	} {
		u := db.addUser("candidate", tc.country, domain.LangFR, tc.subscribed, db.now().Add(-time.Duration(i+2)*time.Hour))
		db.addReferral(referrer.ID, u.ID, false)
	}

	filter := &domain.CampaignFilter{
		Countries:          []string{"CM"},
		SubscriptionStatus: domain.SubscriptionNonSubscribed,
	}

	preview, err := e.Preview(ctx, referrer.ID, filter)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.TotalCount != 2 {
		t.Fatalf("expected preview count 2, got %d", preview.TotalCount)
	}

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Cameroun", Filter: filter})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	targets := db.campaignTargets(campaign.ID)
	if len(targets) != preview.TotalCount {
		t.Errorf("preview promised %d targets, enrollment created %d", preview.TotalCount, len(targets))
	}
	got, _ := e.stores.Campaigns.GetByID(ctx, campaign.ID)
	if got.TargetsEnrolled != preview.TotalCount {
		t.Errorf("expected targets_enrolled=%d, got %d", preview.TotalCount, got.TargetsEnrolled)
	}
}

func TestEnrollmentIsIdempotent(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 3)

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Relance"})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	if got := len(db.campaignTargets(campaign.ID)); got != 3 {
		t.Fatalf("expected 3 targets, got %d", got)
	}

	// A repeated enrollment pass adds nothing.
	stored, _ := e.stores.Campaigns.GetByID(ctx, campaign.ID)
	created, err := e.enrollAudience(ctx, stored)
	if err != nil {
		t.Fatalf("enrollAudience: %v", err)
	}
	if created != 0 {
		t.Errorf("expected 0 new targets on re-enrollment, got %d", created)
	}
	stored, _ = e.stores.Campaigns.GetByID(ctx, campaign.ID)
	if stored.TargetsEnrolled != 3 {
		t.Errorf("expected enrolled counter unchanged at 3, got %d", stored.TargetsEnrolled)
	}
}

func TestMaxTargetsCapsEnrollment(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 5)

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Limitée", MaxTargets: 2})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	if got := len(db.campaignTargets(campaign.ID)); got != 2 {
		t.Errorf("expected enrollment capped at 2, got %d", got)
	}
}

func TestCancelExitsEveryActiveTarget(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 10)

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Annulée"})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	cancelled, err := e.CancelCampaign(ctx, referrer.ID, campaign.ID)
	if err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	if cancelled.Status != domain.CampaignStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	targets := db.campaignTargets(campaign.ID)
	if len(targets) != 10 {
		t.Fatalf("expected 10 targets, got %d", len(targets))
	}
	for _, target := range targets {
		if target.Status != domain.TargetStatusExited {
			t.Errorf("target %s still %s after cancel", target.ID, target.Status)
		}
		if target.ExitReason == nil || *target.ExitReason != domain.ExitReasonCampaignCancelled {
			t.Errorf("target %s has exit reason %v", target.ID, target.ExitReason)
		}
	}
	got, _ := e.stores.Campaigns.GetByID(ctx, campaign.ID)
	if got.TargetsExited != 10 {
		t.Errorf("expected 10 exits credited, got %d", got.TargetsExited)
	}
}

func TestTargetAccountingIdentity(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, referrals := seedReferrer(db, transport, 3)

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Comptes"})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	// Drive one target to completion, pay another, leave the third alone.
	db.mu.Lock()
	for _, target := range db.targets {
		if target.ReferralUserID == referrals[0].ID {
			target.CurrentDay = domain.DripDays
		}
	}
	db.mu.Unlock()
	e.RunCycle(ctx)

	db.mu.Lock()
	for _, ref := range db.referrals {
		if ref.ReferralUserID == referrals[1].ID {
			ref.Paid = true
		}
	}
	db.mu.Unlock()
	db.advance(domain.DripInterval)
	e.RunCycle(ctx)

	got, _ := e.stores.Campaigns.GetByID(ctx, campaign.ID)
	active, _ := e.stores.Targets.ActiveCount(ctx, campaign.ID)
	if got.TargetsEnrolled != got.TargetsCompleted+got.TargetsExited+active {
		t.Errorf("accounting identity broken: enrolled=%d completed=%d exited=%d active=%d",
			got.TargetsEnrolled, got.TargetsCompleted, got.TargetsExited, active)
	}
	if got.TargetsCompleted != 1 || got.TargetsExited != 1 || active != 1 {
		t.Errorf("expected 1 completed, 1 exited, 1 active; got %d/%d/%d",
			got.TargetsCompleted, got.TargetsExited, active)
	}
}

func TestFilteredCampaignDisplacesDefaultLoop(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)

	defaultLoop, _ := e.stores.Campaigns.GetOrCreateDefault(ctx, referrer.ID)
	if defaultLoop.Status != domain.CampaignStatusActive {
		t.Fatalf("expected default loop active, got %s", defaultLoop.Status)
	}

	campaign, err := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Prioritaire"})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	defaultLoop, _ = e.stores.Campaigns.GetByID(ctx, defaultLoop.ID)
	if defaultLoop.Status != domain.CampaignStatusPaused {
		t.Errorf("expected default loop displaced while filtered runs, got %s", defaultLoop.Status)
	}

	if _, err := e.CancelCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	defaultLoop, _ = e.stores.Campaigns.GetByID(ctx, defaultLoop.ID)
	if defaultLoop.Status != domain.CampaignStatusActive {
		t.Errorf("expected default loop back after cancel, got %s", defaultLoop.Status)
	}
}

func TestSimultaneousCampaignsKeepDefaultLoopRunning(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)
	db.sessions[referrer.ID].AllowSimultaneousCampaigns = true

	defaultLoop, _ := e.stores.Campaigns.GetOrCreateDefault(ctx, referrer.ID)

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Parallèle"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	defaultLoop, _ = e.stores.Campaigns.GetByID(ctx, defaultLoop.ID)
	if defaultLoop.Status != domain.CampaignStatusActive {
		t.Errorf("expected default loop to keep running, got %s", defaultLoop.Status)
	}
}

func TestUserPauseOutranksMutualExclusion(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)
	db.sessions[referrer.ID].DefaultCampaignPaused = true

	defaultLoop, _ := e.stores.Campaigns.GetOrCreateDefault(ctx, referrer.ID)

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Unique"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	if _, err := e.CancelCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}

	// No filtered campaign runs anymore, but the user's explicit pause wins.
	defaultLoop, _ = e.stores.Campaigns.GetByID(ctx, defaultLoop.ID)
	if defaultLoop.Status != domain.CampaignStatusPaused {
		t.Errorf("expected default loop to stay paused, got %s", defaultLoop.Status)
	}
}

func TestDeleteRules(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 2)

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Éphémère"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	if _, err := e.DeleteCampaign(ctx, referrer.ID, campaign.ID); err == nil {
		t.Errorf("deleting an active campaign must fail")
	}

	if _, err := e.CancelCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	removed, err := e.DeleteCampaign(ctx, referrer.ID, campaign.ID)
	if err != nil {
		t.Fatalf("DeleteCampaign after cancel: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 targets removed with the campaign, got %d", removed)
	}

	defaultLoop, _ := e.stores.Campaigns.GetOrCreateDefault(ctx, referrer.ID)
	if _, err := e.DeleteCampaign(ctx, referrer.ID, defaultLoop.ID); err == nil {
		t.Errorf("the default loop must never be deletable")
	}
}

func TestStartRequiresConnectedSession(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)
	transport.connected[referrer.ID] = false

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Hors ligne"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err == nil {
		t.Errorf("starting without a connected session must fail")
	}
}

func TestPauseFreezesResumeReleases(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)
	db.sessions[referrer.ID].DefaultCampaignPaused = true

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Gelée"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	if _, err := e.PauseCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("PauseCampaign: %v", err)
	}

	e.RunCycle(ctx)
	if transport.sentCount() != 0 {
		t.Fatalf("paused campaign must not send, got %d", transport.sentCount())
	}

	if _, err := e.ResumeCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}
	e.RunCycle(ctx)
	if transport.sentCount() != 1 {
		t.Errorf("expected the overdue message after resume, got %d", transport.sentCount())
	}
}

func TestManualTargetExit(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrer, _ := seedReferrer(db, transport, 1)

	campaign, _ := e.CreateCampaign(ctx, referrer.ID, &CreateCampaignInput{Name: "Sortie"})
	if _, err := e.StartCampaign(ctx, referrer.ID, campaign.ID); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	targets := db.campaignTargets(campaign.ID)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}

	if err := e.ExitTarget(ctx, referrer.ID, campaign.ID, targets[0].ID); err != nil {
		t.Fatalf("ExitTarget: %v", err)
	}
	got := db.target(targets[0].ID)
	if got.Status != domain.TargetStatusExited || got.ExitReason == nil || *got.ExitReason != domain.ExitReasonManual {
		t.Errorf("expected manual exit, got status=%s reason=%v", got.Status, got.ExitReason)
	}

	// A second exit of the same target is rejected.
	if err := e.ExitTarget(ctx, referrer.ID, campaign.ID, targets[0].ID); err == nil {
		t.Errorf("exiting a terminal target must fail")
	}
}

func TestExitTargetRequiresOwningCampaign(t *testing.T) {
	e, db, transport := newTestEngine()
	ctx := context.Background()
	referrerA, _ := seedReferrer(db, transport, 1)
	referrerB, _ := seedReferrer(db, transport, 1)

	campaignA, _ := e.CreateCampaign(ctx, referrerA.ID, &CreateCampaignInput{Name: "Relance A"})
	if _, err := e.StartCampaign(ctx, referrerA.ID, campaignA.ID); err != nil {
		t.Fatalf("StartCampaign A: %v", err)
	}
	campaignB, _ := e.CreateCampaign(ctx, referrerB.ID, &CreateCampaignInput{Name: "Relance B"})
	if _, err := e.StartCampaign(ctx, referrerB.ID, campaignB.ID); err != nil {
		t.Fatalf("StartCampaign B: %v", err)
	}

	targetsA := db.campaignTargets(campaignA.ID)
	if len(targetsA) != 1 {
		t.Fatalf("expected 1 target in A's campaign, got %d", len(targetsA))
	}

	// Another referrer cannot exit the target through their own campaign.
	if err := e.ExitTarget(ctx, referrerB.ID, campaignB.ID, targetsA[0].ID); err == nil {
		t.Fatalf("exit through a foreign campaign must fail")
	}
	got := db.target(targetsA[0].ID)
	if got.Status != domain.TargetStatusActive {
		t.Errorf("a rejected exit must not touch the target, got %s", got.Status)
	}
	b, _ := e.stores.Campaigns.GetByID(ctx, campaignB.ID)
	if b.TargetsExited != 0 {
		t.Errorf("no exit may be credited to the caller's campaign, got %d", b.TargetsExited)
	}

	// The owner cannot exit it through a campaign the target is not in.
	other, _ := e.CreateCampaign(ctx, referrerA.ID, &CreateCampaignInput{Name: "Autre"})
	if err := e.ExitTarget(ctx, referrerA.ID, other.ID, targetsA[0].ID); err == nil {
		t.Errorf("exit through the wrong campaign must fail")
	}
	if got := db.target(targetsA[0].ID); got.Status != domain.TargetStatusActive {
		t.Errorf("expected target untouched, got %s", got.Status)
	}
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
)

// previewTTL is how long an audience estimate stays cached. Short, since
// the underlying referral data changes as users register and pay.
const previewTTL = 30 * time.Second

// autoEnrollBatchSize caps how many pending referrals one cycle enrolls.
const autoEnrollBatchSize = 500

// Preview estimates the audience a filter would enroll, without mutating
// anything. The same predicate runs here and in Enroll, so the count a
// user sees is the count that enrolls (barring data changes in between).
func (e *Engine) Preview(ctx context.Context, referrerID uuid.UUID, filter *domain.CampaignFilter) (*domain.PreviewResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	key := previewCacheKey(referrerID, filter)
	if e.cache != nil {
		cached := &domain.PreviewResult{}
		if ok, err := e.cache.GetJSON(ctx, key, cached); err == nil && ok {
			return cached, nil
		}
	}

	candidates, err := e.stores.Referrals.Candidates(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	result := filter.Preview(candidates)
	if e.cache != nil {
		if err := e.cache.SetJSON(ctx, key, result, previewTTL); err != nil {
			log.Printf("[Preview] Failed to cache result: %v", err)
		}
	}
	return result, nil
}

func previewCacheKey(referrerID uuid.UUID, filter *domain.CampaignFilter) string {
	b, _ := json.Marshal(filter)
	return fmt.Sprintf("preview:%s:%x", referrerID, sha256.Sum256(b))
}

// invalidatePreviews drops cached audience estimates for a referrer after
// anything that changes target state.
func (e *Engine) invalidatePreviews(ctx context.Context, referrerID uuid.UUID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DelPattern(ctx, fmt.Sprintf("preview:%s:*", referrerID)); err != nil {
		log.Printf("[Preview] Failed to invalidate cache for %s: %v", referrerID, err)
	}
}

// enrollAudience evaluates the campaign's filter over the referrer's
// referrals and enrolls every match, up to the campaign's target limit.
// Enrollment is idempotent on (campaign, referral), so re-running after a
// partial failure only adds the missing rows.
func (e *Engine) enrollAudience(ctx context.Context, campaign *domain.Campaign) (int, error) {
	filter := campaign.TargetFilter
	if filter == nil {
		filter = &domain.CampaignFilter{}
	}

	candidates, err := e.stores.Referrals.Candidates(ctx, campaign.ReferrerUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to load candidates: %w", err)
	}

	matched := filter.Select(candidates)
	if campaign.MaxTargets > 0 && len(matched) > campaign.MaxTargets {
		matched = matched[:campaign.MaxTargets]
	}
	if len(matched) == 0 {
		return 0, nil
	}

	now := e.now()
	targets := make([]*domain.Target, 0, len(matched))
	for _, c := range matched {
		targets = append(targets, e.newTarget(campaign, c, now))
	}

	created, err := e.stores.Targets.Enroll(ctx, targets)
	if err != nil {
		return created, err
	}
	if created > 0 {
		if err := e.stores.Campaigns.IncrementEnrolled(ctx, campaign.ID, created); err != nil {
			return created, err
		}
	}

	e.invalidatePreviews(ctx, campaign.ReferrerUserID)
	return created, nil
}

// newTarget builds a day-1 target due immediately: the first message goes
// out on the next scheduler pass.
func (e *Engine) newTarget(campaign *domain.Campaign, c *domain.Candidate, now time.Time) *domain.Target {
	due := now
	return &domain.Target{
		CampaignID:     campaign.ID,
		ReferrerUserID: campaign.ReferrerUserID,
		ReferralUserID: c.UserID,
		Name:           c.Name,
		Phone:          c.Phone,
		Language:       c.Language,
		CurrentDay:     1,
		EnteredLoopAt:  now,
		NextMessageDue: &due,
		Status:         domain.TargetStatusActive,
	}
}

// autoEnrollDefaultLoop pulls referrals past the grace delay into their
// referrer's default loop. Selection is state-based: a referral missed
// during downtime is still pending next cycle, so nothing is lost.
func (e *Engine) autoEnrollDefaultLoop(ctx context.Context) {
	pending, err := e.stores.Referrals.PendingDefaultEnrollments(ctx, e.cfg.EnrollGraceDelay, autoEnrollBatchSize)
	if err != nil {
		log.Printf("[Enroll] Failed to list pending enrollments: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// Per-referrer session state gates enrollment; resolve it once each.
	type referrerState struct {
		session  *domain.Session
		campaign *domain.Campaign
		skip     bool
	}
	states := make(map[uuid.UUID]*referrerState)

	enrolled := 0
	for _, p := range pending {
		state, ok := states[p.ReferrerUserID]
		if !ok {
			state = &referrerState{}
			states[p.ReferrerUserID] = state

			session, err := e.stores.Sessions.GetOrCreate(ctx, p.ReferrerUserID, e.cfg.DailySendCap)
			if err != nil || session == nil {
				state.skip = true
				continue
			}
			state.session = session
			if session.EnrollmentPaused || session.DefaultCampaignPaused {
				state.skip = true
				continue
			}
			// Filtered campaigns displace the default loop unless the
			// user allows both to run.
			if !session.AllowSimultaneousCampaigns {
				n, err := e.stores.Campaigns.ActiveFilteredCount(ctx, p.ReferrerUserID)
				if err != nil || n > 0 {
					state.skip = true
					continue
				}
			}
			campaign, err := e.stores.Campaigns.GetOrCreateDefault(ctx, p.ReferrerUserID)
			if err != nil || campaign == nil || campaign.Status != domain.CampaignStatusActive {
				state.skip = true
				continue
			}
			state.campaign = campaign
		}
		if state.skip {
			continue
		}

		target := e.newTarget(state.campaign, p.Candidate, e.now())
		created, err := e.stores.Targets.Enroll(ctx, []*domain.Target{target})
		if err != nil {
			log.Printf("[Enroll] Failed to enroll %s for %s: %v", p.Candidate.UserID, p.ReferrerUserID, err)
			continue
		}
		if created > 0 {
			_ = e.stores.Campaigns.IncrementEnrolled(ctx, state.campaign.ID, created)
			enrolled += created
		}
	}

	if enrolled > 0 {
		log.Printf("[Enroll] Auto-enrolled %d referrals into default loops", enrolled)
	}
}

package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
)

// Start runs the drip scheduler loop until ctx is cancelled. One cycle
// runs immediately, then on every tick.
func (e *Engine) Start(ctx context.Context) {
	log.Printf("[Scheduler] Starting with interval %s", e.cfg.SchedulerInterval)
	ticker := time.NewTicker(e.cfg.SchedulerInterval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one full scheduler pass: activate due campaigns, apply
// exit conditions, auto-enroll pending referrals, then send due messages
// per connected referrer.
func (e *Engine) RunCycle(ctx context.Context) {
	e.startDueCampaigns(ctx)
	e.applyExitConditions(ctx)
	e.autoEnrollDefaultLoop(ctx)

	sessions, err := e.stores.Sessions.ListSendable(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list sendable sessions: %v", err)
		return
	}
	for _, session := range sessions {
		e.processReferrer(ctx, session)
	}
}

// startDueCampaigns activates scheduled campaigns whose start date has
// passed and whose predecessor, if any, has finished.
func (e *Engine) startDueCampaigns(ctx context.Context) {
	campaigns, err := e.stores.Campaigns.ListScheduled(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list scheduled campaigns: %v", err)
		return
	}

	now := e.now()
	for _, c := range campaigns {
		if c.ScheduledStartAt != nil && now.Before(*c.ScheduledStartAt) {
			continue
		}
		if c.RunAfterCampaignID != nil {
			pred, err := e.stores.Campaigns.GetByID(ctx, *c.RunAfterCampaignID)
			if err != nil {
				continue
			}
			if pred != nil && pred.Status != domain.CampaignStatusCompleted && pred.Status != domain.CampaignStatusCancelled {
				continue
			}
		}
		if err := e.activateCampaign(ctx, c); err != nil {
			log.Printf("[Scheduler] Failed to activate campaign %s: %v", c.ID, err)
		}
	}
}

// applyExitConditions removes targets whose reason for being in a loop is
// gone: they paid, or their referrer's account went inactive.
func (e *Engine) applyExitConditions(ctx context.Context) {
	now := e.now()

	exited, err := e.stores.Targets.ExitPaid(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Failed to exit paid targets: %v", err)
	} else {
		e.creditExits(ctx, exited)
	}

	exited, err = e.stores.Targets.ExitReferrerInactive(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Failed to exit targets of inactive referrers: %v", err)
	} else {
		e.creditExits(ctx, exited)
	}
}

// creditExits adjusts campaign exit counters for a batch of exited targets
// and closes campaigns that just drained.
func (e *Engine) creditExits(ctx context.Context, exited []*domain.Target) {
	if len(exited) == 0 {
		return
	}
	byCampaign := make(map[uuid.UUID]int)
	for _, t := range exited {
		byCampaign[t.CampaignID]++
	}
	for campaignID, n := range byCampaign {
		if err := e.stores.Campaigns.IncrementExited(ctx, campaignID, n); err != nil {
			log.Printf("[Scheduler] Failed to credit %d exits to campaign %s: %v", n, campaignID, err)
			continue
		}
		e.maybeCompleteCampaign(ctx, campaignID)
	}
}

// processReferrer sends every due message for one referrer's loops,
// serialized per referrer so enrollment and sending never interleave.
func (e *Engine) processReferrer(ctx context.Context, session *domain.Session) {
	unlock := e.lockReferrer(session.ReferrerUserID)
	defer unlock()

	referrerID := session.ReferrerUserID
	now := e.now()

	// Roll the daily counter over at the first pass of a new day.
	today := domain.DateOf(now)
	if session.LastResetDate != today {
		if err := e.stores.Sessions.ResetDailyCounter(ctx, referrerID, today); err != nil {
			log.Printf("[Scheduler] Failed to reset daily counter for %s: %v", referrerID, err)
			return
		}
		session.MessagesSentToday = 0
		session.LastResetDate = today
	}

	due, err := e.stores.Targets.DueByReferrer(ctx, referrerID, now)
	if err != nil {
		log.Printf("[Scheduler] Failed to list due targets for %s: %v", referrerID, err)
		return
	}
	if len(due) == 0 {
		return
	}

	referrer, err := e.stores.Users.GetByID(ctx, referrerID)
	if err != nil || referrer == nil {
		log.Printf("[Scheduler] Referrer %s not found", referrerID)
		return
	}

	// Per-cycle caches; campaign rows and overrides do not change mid-pass.
	campaigns := make(map[uuid.UUID]*domain.Campaign)
	overrides := make(map[uuid.UUID][]*domain.DayMessage)
	touched := make(map[uuid.UUID]bool)

	sent := 0
	for _, target := range due {
		if session.MessagesSentToday >= session.MaxMessagesPerDay {
			break
		}
		// A session expired by the strike policy mid-pass stops the rest
		// of this referrer's queue; the targets stay due for later.
		if !e.transport.Connected(referrerID) {
			log.Printf("[Scheduler] Session for %s lost mid-pass, deferring %d targets", referrerID, len(due)-sent)
			break
		}

		campaign, ok := campaigns[target.CampaignID]
		if !ok {
			campaign, err = e.stores.Campaigns.GetByID(ctx, target.CampaignID)
			if err != nil || campaign == nil {
				continue
			}
			campaigns[target.CampaignID] = campaign
			overrides[target.CampaignID], _ = e.stores.Campaigns.GetDayMessages(ctx, target.CampaignID)
		}

		// A campaign can tighten the session's daily cap, never widen it.
		if campaign.MaxMessagesPerDay > 0 && session.MessagesSentToday >= campaign.MaxMessagesPerDay {
			continue
		}

		if e.sendToTarget(ctx, session, referrer, campaign, overrides[target.CampaignID], target, now) {
			sent++
		}
		touched[target.CampaignID] = true
	}

	for campaignID := range touched {
		e.broadcastProgress(ctx, referrerID, campaignID)
	}
	if sent > 0 {
		log.Printf("[Scheduler] Sent %d messages for referrer %s", sent, referrerID)
	}
}

// sendToTarget sends the target's current-day message and advances the
// drip. A failed send still consumes the day: the loop moves on rather
// than hammering an unreachable number. Returns true when a message was
// delivered.
func (e *Engine) sendToTarget(ctx context.Context, session *domain.Session, referrer *domain.User, campaign *domain.Campaign, dayMessages []*domain.DayMessage, target *domain.Target, now time.Time) bool {
	// A day already on record must never be re-sent. The target can still
	// sit on that day when a crash landed between the delivery insert and
	// the advance; redo the advance instead of the send.
	recorded, err := e.stores.Targets.HasDelivery(ctx, target.ID, target.CurrentDay)
	if err != nil {
		log.Printf("[Scheduler] Failed to check deliveries for target %s day %d: %v", target.ID, target.CurrentDay, err)
		return false
	}
	if recorded {
		e.advanceTarget(ctx, campaign, target, now)
		return false
	}

	body, mediaURL := domain.EffectiveMessage(dayMessages, target.CurrentDay, target.Language, target.Name, referrer.DisplayName)

	var sendErr error
	if mediaURL != nil && *mediaURL != "" {
		sendErr = e.transport.SendMedia(ctx, target.ReferrerUserID, target.Phone, body, *mediaURL)
	} else {
		sendErr = e.transport.SendText(ctx, target.ReferrerUserID, target.Phone, body)
	}

	delivery := &domain.MessageDelivery{
		TargetID: target.ID,
		Day:      target.CurrentDay,
		SentAt:   now,
		Status:   domain.DeliveryStatusDelivered,
	}
	if sendErr != nil {
		delivery.Status = domain.DeliveryStatusFailed
		msg := sendErr.Error()
		delivery.ErrorMessage = &msg
	}

	created, err := e.stores.Targets.RecordDelivery(ctx, delivery)
	if err != nil {
		log.Printf("[Scheduler] Failed to record delivery for target %s day %d: %v", target.ID, target.CurrentDay, err)
		return false
	}
	if !created {
		// Another worker recorded this day between our check and the
		// insert; make sure the advance is not lost.
		e.advanceTarget(ctx, campaign, target, now)
		return false
	}

	e.recordSendOutcome(ctx, target.ReferrerUserID, sendErr)
	if err := e.stores.Campaigns.IncrementMessageCounters(ctx, campaign.ID, sendErr == nil); err != nil {
		log.Printf("[Scheduler] Failed to update counters for campaign %s: %v", campaign.ID, err)
	}
	// The daily cap throttles attempts, not deliveries; failed sends
	// count too.
	if err := e.stores.Sessions.IncrementSentToday(ctx, target.ReferrerUserID); err == nil {
		session.MessagesSentToday++
	}
	if sendErr != nil {
		log.Printf("[Scheduler] Send failed for target %s day %d: %v", target.ID, target.CurrentDay, sendErr)
	}

	e.advanceTarget(ctx, campaign, target, now)
	return sendErr == nil
}

// recordSendOutcome applies the connection-health policy after a send
// attempt. A success clears the strike counter. A failure adds a strike;
// the third consecutive strike expires the session and purges the stored
// credential, forcing a fresh QR scan before any further sends.
func (e *Engine) recordSendOutcome(ctx context.Context, referrerID uuid.UUID, sendErr error) {
	if sendErr == nil {
		if err := e.stores.Sessions.ResetFailureCount(ctx, referrerID); err != nil {
			log.Printf("[Scheduler] Failed to reset failure count for %s: %v", referrerID, err)
		}
		return
	}

	count, err := e.stores.Sessions.IncrementFailureCount(ctx, referrerID)
	if err != nil {
		log.Printf("[Scheduler] Failed to increment failure count for %s: %v", referrerID, err)
		return
	}
	if count < domain.MaxConnectionFailures {
		return
	}

	log.Printf("[Scheduler] %d consecutive failures for %s, expiring session", count, referrerID)
	if err := e.transport.PurgeCredential(ctx, referrerID); err != nil {
		log.Printf("[Scheduler] Failed to purge credential for %s: %v", referrerID, err)
	}
	if err := e.stores.Sessions.MarkExpired(ctx, referrerID); err != nil {
		log.Printf("[Scheduler] Failed to expire session for %s: %v", referrerID, err)
	}
	if e.hub != nil {
		e.hub.BroadcastSessionStatus(referrerID, domain.SessionStatusExpired)
	}
}

// advanceTarget moves the drip forward after a recorded attempt. Day 7
// completes the loop; earlier days schedule the next message a full
// interval out.
func (e *Engine) advanceTarget(ctx context.Context, campaign *domain.Campaign, target *domain.Target, now time.Time) {
	target.LastMessageSentAt = &now

	if target.CurrentDay >= domain.DripDays {
		reason := domain.ExitReasonCompleted7Days
		target.Status = domain.TargetStatusCompleted
		target.ExitReason = &reason
		target.ExitedLoopAt = &now
		target.NextMessageDue = nil
	} else {
		target.CurrentDay++
		next := now.Add(domain.DripInterval)
		target.NextMessageDue = &next
	}

	if err := e.stores.Targets.Advance(ctx, target); err != nil {
		log.Printf("[Scheduler] Failed to advance target %s: %v", target.ID, err)
		return
	}

	if target.Status == domain.TargetStatusCompleted {
		if err := e.stores.Campaigns.IncrementCompleted(ctx, campaign.ID, 1); err != nil {
			log.Printf("[Scheduler] Failed to credit completion to campaign %s: %v", campaign.ID, err)
		}
		e.maybeCompleteCampaign(ctx, campaign.ID)
	}
}

// maybeCompleteCampaign closes a filtered campaign once its last target
// has left the loop. The default loop never completes; it idles instead.
func (e *Engine) maybeCompleteCampaign(ctx context.Context, campaignID uuid.UUID) {
	campaign, err := e.stores.Campaigns.GetByID(ctx, campaignID)
	if err != nil || campaign == nil {
		return
	}
	if campaign.Type != domain.CampaignTypeFiltered || campaign.Status != domain.CampaignStatusActive {
		return
	}
	if campaign.TargetsEnrolled == 0 {
		return
	}
	active, err := e.stores.Targets.ActiveCount(ctx, campaignID)
	if err != nil || active > 0 {
		return
	}

	now := e.now()
	campaign.Status = domain.CampaignStatusCompleted
	campaign.ActualEndAt = &now
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		log.Printf("[Scheduler] Failed to complete campaign %s: %v", campaignID, err)
		return
	}
	log.Printf("[Campaign %s] Completed: all targets finished", campaignID)

	// The default loop may resume now that no filtered campaign runs.
	if err := e.syncDefaultLoop(ctx, campaign.ReferrerUserID); err != nil {
		log.Printf("[Scheduler] Failed to sync default loop for %s: %v", campaign.ReferrerUserID, err)
	}
	e.broadcastProgress(ctx, campaign.ReferrerUserID, campaignID)
}

func (e *Engine) broadcastProgress(ctx context.Context, referrerID, campaignID uuid.UUID) {
	if e.hub == nil {
		return
	}
	campaign, err := e.stores.Campaigns.GetByID(ctx, campaignID)
	if err != nil || campaign == nil {
		return
	}
	e.hub.BroadcastCampaignProgress(referrerID, campaignID, map[string]interface{}{
		"status":             campaign.Status,
		"targets_enrolled":   campaign.TargetsEnrolled,
		"targets_completed":  campaign.TargetsCompleted,
		"targets_exited":     campaign.TargetsExited,
		"messages_sent":      campaign.MessagesSent,
		"messages_delivered": campaign.MessagesDelivered,
		"messages_failed":    campaign.MessagesFailed,
	})
}

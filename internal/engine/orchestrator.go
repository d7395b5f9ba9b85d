package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
)

// CreateCampaignInput carries the user-supplied fields of a new filtered
// campaign.
type CreateCampaignInput struct {
	Name               string                 `json:"name"`
	Filter             *domain.CampaignFilter `json:"filter"`
	MaxMessagesPerDay  int                    `json:"max_messages_per_day"`
	MaxTargets         int                    `json:"max_targets"`
	ScheduledStartAt   *time.Time             `json:"scheduled_start_at"`
	RunAfterCampaignID *uuid.UUID             `json:"run_after_campaign_id"`
}

// CreateCampaign creates a filtered campaign in draft state. Nothing is
// enrolled until the campaign starts.
func (e *Engine) CreateCampaign(ctx context.Context, referrerID uuid.UUID, input *CreateCampaignInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if err := input.Filter.Validate(); err != nil {
		return nil, err
	}
	if input.RunAfterCampaignID != nil {
		pred, err := e.stores.Campaigns.GetByID(ctx, *input.RunAfterCampaignID)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred.ReferrerUserID != referrerID {
			return nil, fmt.Errorf("predecessor campaign not found")
		}
	}

	campaign := &domain.Campaign{
		ReferrerUserID:     referrerID,
		Name:               input.Name,
		Type:               domain.CampaignTypeFiltered,
		Status:             domain.CampaignStatusDraft,
		TargetFilter:       input.Filter,
		MaxMessagesPerDay:  input.MaxMessagesPerDay,
		MaxTargets:         input.MaxTargets,
		ScheduledStartAt:   input.ScheduledStartAt,
		RunAfterCampaignID: input.RunAfterCampaignID,
	}
	if err := e.stores.Campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return campaign, nil
}

// UpdateDayMessages replaces the campaign's per-day template overrides.
func (e *Engine) UpdateDayMessages(ctx context.Context, referrerID, campaignID uuid.UUID, messages []*domain.DayMessage) error {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return err
	}
	return e.stores.Campaigns.UpsertDayMessages(ctx, campaign.ID, messages)
}

// StartCampaign moves a draft or scheduled campaign toward active. With a
// future start date or an unfinished predecessor it parks in scheduled;
// otherwise it activates and enrolls its audience immediately. Activation
// requires a connected session so day-1 messages can actually go out.
func (e *Engine) StartCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Type == domain.CampaignTypeDefault {
		return nil, fmt.Errorf("the default loop cannot be started manually")
	}
	if campaign.Status != domain.CampaignStatusDraft && campaign.Status != domain.CampaignStatusScheduled {
		return nil, fmt.Errorf("campaign cannot start from status %q", campaign.Status)
	}

	now := e.now()
	if campaign.ScheduledStartAt != nil && now.Before(*campaign.ScheduledStartAt) {
		campaign.Status = domain.CampaignStatusScheduled
		if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
			return nil, err
		}
		return campaign, nil
	}
	if campaign.RunAfterCampaignID != nil {
		pred, err := e.stores.Campaigns.GetByID(ctx, *campaign.RunAfterCampaignID)
		if err != nil {
			return nil, err
		}
		if pred != nil && pred.Status != domain.CampaignStatusCompleted && pred.Status != domain.CampaignStatusCancelled {
			campaign.Status = domain.CampaignStatusScheduled
			if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
				return nil, err
			}
			return campaign, nil
		}
	}

	if !e.transport.Connected(referrerID) {
		return nil, fmt.Errorf("whatsapp session is not connected")
	}
	if err := e.activateCampaign(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// activateCampaign flips the campaign to active and enrolls its audience.
// Also used by the scheduler when a scheduled campaign comes due.
func (e *Engine) activateCampaign(ctx context.Context, campaign *domain.Campaign) error {
	unlock := e.lockReferrer(campaign.ReferrerUserID)
	defer unlock()

	now := e.now()
	campaign.Status = domain.CampaignStatusActive
	campaign.ActualStartAt = &now
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		return fmt.Errorf("failed to activate campaign: %w", err)
	}

	created, err := e.enrollAudience(ctx, campaign)
	if err != nil {
		return fmt.Errorf("failed to enroll audience: %w", err)
	}
	campaign.TargetsEnrolled += created
	log.Printf("[Campaign %s] Activated with %d targets", campaign.ID, created)

	if err := e.syncDefaultLoop(ctx, campaign.ReferrerUserID); err != nil {
		log.Printf("[Campaign %s] Failed to sync default loop: %v", campaign.ID, err)
	}
	e.broadcastProgress(ctx, campaign.ReferrerUserID, campaign.ID)
	return nil
}

// PauseCampaign freezes sending. Targets keep their due times; messages
// falling due while paused are sent on resume.
func (e *Engine) PauseCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusActive {
		return nil, fmt.Errorf("only active campaigns can be paused")
	}

	campaign.Status = domain.CampaignStatusPaused
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		return nil, err
	}
	if campaign.Type == domain.CampaignTypeFiltered {
		if err := e.syncDefaultLoop(ctx, referrerID); err != nil {
			log.Printf("[Campaign %s] Failed to sync default loop: %v", campaignID, err)
		}
	}
	return campaign, nil
}

// ResumeCampaign reactivates a paused campaign.
func (e *Engine) ResumeCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusPaused {
		return nil, fmt.Errorf("only paused campaigns can be resumed")
	}
	if campaign.Type == domain.CampaignTypeDefault {
		return nil, fmt.Errorf("the default loop resumes through session settings")
	}

	campaign.Status = domain.CampaignStatusActive
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		return nil, err
	}
	if err := e.syncDefaultLoop(ctx, referrerID); err != nil {
		log.Printf("[Campaign %s] Failed to sync default loop: %v", campaignID, err)
	}
	return campaign, nil
}

// CancelCampaign terminates the campaign and force-exits every target
// still in the loop.
func (e *Engine) CancelCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Type == domain.CampaignTypeDefault {
		return nil, fmt.Errorf("the default loop cannot be cancelled")
	}
	switch campaign.Status {
	case domain.CampaignStatusScheduled, domain.CampaignStatusActive, domain.CampaignStatusPaused:
	default:
		return nil, fmt.Errorf("campaign cannot be cancelled from status %q", campaign.Status)
	}

	now := e.now()
	exited, err := e.stores.Targets.ExitActiveByCampaign(ctx, campaignID, domain.ExitReasonCampaignCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to exit targets: %w", err)
	}
	if exited > 0 {
		if err := e.stores.Campaigns.IncrementExited(ctx, campaignID, exited); err != nil {
			return nil, err
		}
		campaign.TargetsExited += exited
	}

	campaign.Status = domain.CampaignStatusCancelled
	campaign.ActualEndAt = &now
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		return nil, err
	}
	log.Printf("[Campaign %s] Cancelled, %d targets exited", campaignID, exited)

	e.invalidatePreviews(ctx, referrerID)
	if err := e.syncDefaultLoop(ctx, referrerID); err != nil {
		log.Printf("[Campaign %s] Failed to sync default loop: %v", campaignID, err)
	}
	e.broadcastProgress(ctx, referrerID, campaignID)
	return campaign, nil
}

// DeleteCampaign removes a campaign that never ran or already finished,
// cascading to its targets. Returns how many targets were removed.
func (e *Engine) DeleteCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (int, error) {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return 0, err
	}
	if !campaign.Deletable() {
		return 0, fmt.Errorf("campaign cannot be deleted in status %q", campaign.Status)
	}

	removed, err := e.stores.Campaigns.Delete(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete campaign: %w", err)
	}
	e.invalidatePreviews(ctx, referrerID)
	log.Printf("[Campaign %s] Deleted with %d targets", campaignID, removed)
	return removed, nil
}

// syncDefaultLoop reconciles the default loop's status with the session
// switches and the set of running filtered campaigns. The user's explicit
// pause always wins; otherwise a running filtered campaign suspends the
// loop unless the user allows both.
func (e *Engine) syncDefaultLoop(ctx context.Context, referrerID uuid.UUID) error {
	session, err := e.stores.Sessions.GetOrCreate(ctx, referrerID, e.cfg.DailySendCap)
	if err != nil || session == nil {
		return err
	}
	campaign, err := e.stores.Campaigns.GetOrCreateDefault(ctx, referrerID)
	if err != nil || campaign == nil {
		return err
	}

	want := domain.CampaignStatusActive
	if session.DefaultCampaignPaused {
		want = domain.CampaignStatusPaused
	} else if !session.AllowSimultaneousCampaigns {
		n, err := e.stores.Campaigns.ActiveFilteredCount(ctx, referrerID)
		if err != nil {
			return err
		}
		if n > 0 {
			want = domain.CampaignStatusPaused
		}
	}

	if campaign.Status == want {
		return nil
	}
	campaign.Status = want
	if err := e.stores.Campaigns.Update(ctx, campaign); err != nil {
		return err
	}
	log.Printf("[DefaultLoop %s] Status -> %s", referrerID, want)
	return nil
}

// SyncDefaultLoop is the exported entry point used after session switch
// changes.
func (e *Engine) SyncDefaultLoop(ctx context.Context, referrerID uuid.UUID) error {
	return e.syncDefaultLoop(ctx, referrerID)
}

// DefaultStats returns the default loop with its live day histogram.
func (e *Engine) DefaultStats(ctx context.Context, referrerID uuid.UUID) (*domain.DefaultStats, error) {
	campaign, err := e.stores.Campaigns.GetOrCreateDefault(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	progression, err := e.stores.Targets.DayProgression(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	return &domain.DefaultStats{Campaign: campaign, DayProgression: progression}, nil
}

// ExitTarget manually removes one target from its loop. The target must
// belong to the named campaign, which in turn must belong to the caller.
func (e *Engine) ExitTarget(ctx context.Context, referrerID, campaignID, targetID uuid.UUID) error {
	campaign, err := e.ownedCampaign(ctx, referrerID, campaignID)
	if err != nil {
		return err
	}
	target, err := e.stores.Targets.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil || target.CampaignID != campaign.ID {
		return fmt.Errorf("target not found")
	}
	exited, err := e.stores.Targets.Exit(ctx, targetID, domain.ExitReasonManual, e.now())
	if err != nil {
		return err
	}
	if !exited {
		return fmt.Errorf("target not found or already finished")
	}
	if err := e.stores.Campaigns.IncrementExited(ctx, campaign.ID, 1); err != nil {
		return err
	}
	e.maybeCompleteCampaign(ctx, campaign.ID)
	e.invalidatePreviews(ctx, referrerID)
	return nil
}

func (e *Engine) ownedCampaign(ctx context.Context, referrerID, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := e.stores.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil || campaign.ReferrerUserID != referrerID {
		return nil, fmt.Errorf("campaign not found")
	}
	return campaign, nil
}

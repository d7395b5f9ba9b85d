package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a platform user (a referrer running relance loops)
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Phone        *string   `json:"phone,omitempty"`
	Country      string    `json:"country"`
	Language     string    `json:"language"`
	Subscribed   bool      `json:"subscribed"`
	IsActive     bool      `json:"is_active"`
	RegisteredAt time.Time `json:"registered_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Language constants
const (
	LangFR = "fr"
	LangEN = "en"
)

// Referral is one edge of the referral graph: referrer invited referred.
type Referral struct {
	ID             uuid.UUID  `json:"id"`
	ReferrerUserID uuid.UUID  `json:"referrer_user_id"`
	ReferralUserID uuid.UUID  `json:"referral_user_id"`
	Paid           bool       `json:"paid"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Session tracks one WhatsApp connection per platform user
type Session struct {
	ID                         uuid.UUID  `json:"id"`
	ReferrerUserID             uuid.UUID  `json:"referrer_user_id"`
	WhatsAppStatus             string     `json:"whatsapp_status"`        // disconnected, qr_pending, connected, expired
	WhatsAppJID                *string    `json:"whatsapp_jid,omitempty"` // paired device identity, kept for silent reconnection
	ConnectionFailureCount     int        `json:"connection_failure_count"`
	LastQRScanAt               *time.Time `json:"last_qr_scan_at,omitempty"`
	LastConnectionCheck        *time.Time `json:"last_connection_check,omitempty"`
	MessagesSentToday          int        `json:"messages_sent_today"`
	LastResetDate              string     `json:"last_reset_date"` // YYYY-MM-DD local date of last counter reset
	MaxMessagesPerDay          int        `json:"max_messages_per_day"`
	EnrollmentPaused           bool       `json:"enrollment_paused"`
	SendingPaused              bool       `json:"sending_paused"`
	DefaultCampaignPaused      bool       `json:"default_campaign_paused"`
	AllowSimultaneousCampaigns bool       `json:"allow_simultaneous_campaigns"`
	QRCode                     string     `json:"qr_code,omitempty"` // live value from the session pool
	CreatedAt                  time.Time  `json:"created_at"`
	UpdatedAt                  time.Time  `json:"updated_at"`
}

// Session status constants
const (
	SessionStatusDisconnected = "disconnected"
	SessionStatusQRPending    = "qr_pending"
	SessionStatusConnected    = "connected"
	SessionStatusExpired      = "expired"
)

// MaxConnectionFailures is the strike count after which the stored
// credential is considered dead and a fresh QR scan is required.
const MaxConnectionFailures = 3

// DateOf formats t as the local calendar date used for daily counter resets.
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// Campaign is a drip loop: either the always-on default loop or a
// user-defined filtered campaign.
type Campaign struct {
	ID                 uuid.UUID       `json:"id"`
	ReferrerUserID     uuid.UUID       `json:"referrer_user_id"`
	Name               string          `json:"name"`
	Type               string          `json:"type"`   // default, filtered
	Status             string          `json:"status"` // draft, scheduled, active, paused, completed, cancelled
	TargetFilter       *CampaignFilter `json:"target_filter,omitempty"`
	TargetsEnrolled    int             `json:"targets_enrolled"`
	TargetsCompleted   int             `json:"targets_completed"`
	TargetsExited      int             `json:"targets_exited"`
	MessagesSent       int             `json:"messages_sent"`
	MessagesDelivered  int             `json:"messages_delivered"`
	MessagesFailed     int             `json:"messages_failed"`
	MaxMessagesPerDay  int             `json:"max_messages_per_day"`
	MaxTargets         int             `json:"max_targets"`
	ScheduledStartAt   *time.Time      `json:"scheduled_start_at,omitempty"`
	ActualStartAt      *time.Time      `json:"actual_start_at,omitempty"`
	ActualEndAt        *time.Time      `json:"actual_end_at,omitempty"`
	RunAfterCampaignID *uuid.UUID      `json:"run_after_campaign_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	// Populated on demand
	DayMessages []*DayMessage `json:"day_messages,omitempty"`
}

// Campaign type constants
const (
	CampaignTypeDefault  = "default"
	CampaignTypeFiltered = "filtered"
)

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

// Deletable reports whether the campaign may be deleted in its current state.
func (c *Campaign) Deletable() bool {
	if c.Type == CampaignTypeDefault {
		return false
	}
	switch c.Status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusCompleted, CampaignStatusCancelled:
		return true
	}
	return false
}

// DayMessage is a campaign-level override of the default template for one
// day of the drip. It only takes effect when both languages are set.
type DayMessage struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Day        int       `json:"day"`
	BodyFR     string    `json:"body_fr"`
	BodyEN     string    `json:"body_en"`
	MediaURL   *string   `json:"media_url,omitempty"`
}

// IsSet reports whether the override is complete enough to replace the
// default template. Partial overrides (one language empty) fall back.
func (m *DayMessage) IsSet() bool {
	return m != nil && m.BodyFR != "" && m.BodyEN != ""
}

// Body returns the override text for the given language.
func (m *DayMessage) Body(language string) string {
	if language == LangEN {
		return m.BodyEN
	}
	return m.BodyFR
}

// DripDays is the length of the loop: one message per day.
const DripDays = 7

// DripInterval is the cadence between messages for one target.
const DripInterval = 24 * time.Hour

// Target is one referral enrolled in a drip loop, tracked day by day.
type Target struct {
	ID                uuid.UUID  `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	ReferrerUserID    uuid.UUID  `json:"referrer_user_id"`
	ReferralUserID    uuid.UUID  `json:"referral_user_id"`
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	Language          string     `json:"language"`
	CurrentDay        int        `json:"current_day"` // 1..7
	EnteredLoopAt     time.Time  `json:"entered_loop_at"`
	NextMessageDue    *time.Time `json:"next_message_due,omitempty"`
	LastMessageSentAt *time.Time `json:"last_message_sent_at,omitempty"`
	Status            string     `json:"status"` // active, completed, paused, exited
	ExitReason        *string    `json:"exit_reason,omitempty"`
	ExitedLoopAt      *time.Time `json:"exited_loop_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Populated on demand
	Deliveries []*MessageDelivery `json:"deliveries,omitempty"`
}

// Target status constants
const (
	TargetStatusActive    = "active"
	TargetStatusCompleted = "completed"
	TargetStatusPaused    = "paused"
	TargetStatusExited    = "exited"
)

// Exit reason constants
const (
	ExitReasonPaid              = "paid"
	ExitReasonCompleted7Days    = "completed_7days"
	ExitReasonManual            = "manual"
	ExitReasonReferrerInactive  = "referrer_inactive"
	ExitReasonCampaignCancelled = "campaign_cancelled"
)

// Terminal reports whether the target reached a final state. Terminal
// targets never change status, exit reason or exit timestamp again.
func (t *Target) Terminal() bool {
	return t.Status == TargetStatusCompleted || t.Status == TargetStatusExited
}

// MessageDelivery is the record of one send attempt for one (target, day).
type MessageDelivery struct {
	ID           uuid.UUID `json:"id"`
	TargetID     uuid.UUID `json:"target_id"`
	Day          int       `json:"day"`
	SentAt       time.Time `json:"sent_at"`
	Status       string    `json:"status"` // delivered, failed
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// Delivery status constants
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// Candidate is the read model the filter predicate evaluates: one referral
// of the referrer, with the signals preview and enrollment both need.
type Candidate struct {
	UserID          uuid.UUID `json:"user_id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	Country         string    `json:"country"`
	Language        string    `json:"language"`
	RegisteredAt    time.Time `json:"registered_at"`
	Subscribed      bool      `json:"subscribed"`
	Paid            bool      `json:"paid"`
	UnpaidReferrals int       `json:"unpaid_referrals"`
	HasActiveTarget bool      `json:"has_active_target"`
}

// PreviewResult is the non-mutating audience estimate for a filter.
type PreviewResult struct {
	TotalCount  int          `json:"total_count"`
	SampleUsers []*Candidate `json:"sample_users"`
}

// DefaultStats aggregates the default loop counters for the client.
type DefaultStats struct {
	Campaign       *Campaign     `json:"campaign"`
	DayProgression [DripDays]int `json:"day_progression"`
}

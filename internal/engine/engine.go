package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
	"github.com/tontinex/relance/internal/repository"
	"github.com/tontinex/relance/pkg/config"
)

// Transport sends WhatsApp messages through a referrer's own connection.
// PurgeCredential invalidates the stored pairing so the next connect
// requires a fresh QR scan.
type Transport interface {
	Connected(referrerID uuid.UUID) bool
	SendText(ctx context.Context, referrerID uuid.UUID, phone, body string) error
	SendMedia(ctx context.Context, referrerID uuid.UUID, phone, caption, mediaURL string) error
	PurgeCredential(ctx context.Context, referrerID uuid.UUID) error
}

// UserStore reads referrer profiles.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// ReferralStore reads the referral graph as enrollment signals.
type ReferralStore interface {
	Candidates(ctx context.Context, referrerID uuid.UUID) ([]*domain.Candidate, error)
	PendingDefaultEnrollments(ctx context.Context, grace time.Duration, limit int) ([]*repository.PendingEnrollment, error)
}

// SessionStore persists per-referrer session state and counters.
type SessionStore interface {
	GetByReferrer(ctx context.Context, referrerID uuid.UUID) (*domain.Session, error)
	GetOrCreate(ctx context.Context, referrerID uuid.UUID, defaultCap int) (*domain.Session, error)
	ListSendable(ctx context.Context) ([]*domain.Session, error)
	ResetDailyCounter(ctx context.Context, referrerID uuid.UUID, date string) error
	IncrementSentToday(ctx context.Context, referrerID uuid.UUID) error
	IncrementFailureCount(ctx context.Context, referrerID uuid.UUID) (int, error)
	ResetFailureCount(ctx context.Context, referrerID uuid.UUID) error
	MarkExpired(ctx context.Context, referrerID uuid.UUID) error
}

// CampaignStore persists campaigns, their day messages and counters.
type CampaignStore interface {
	Create(ctx context.Context, c *domain.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	GetByReferrer(ctx context.Context, referrerID uuid.UUID) ([]*domain.Campaign, error)
	GetOrCreateDefault(ctx context.Context, referrerID uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, c *domain.Campaign) error
	Delete(ctx context.Context, id uuid.UUID) (int, error)
	ActiveFilteredCount(ctx context.Context, referrerID uuid.UUID) (int, error)
	ListScheduled(ctx context.Context) ([]*domain.Campaign, error)
	IncrementEnrolled(ctx context.Context, id uuid.UUID, n int) error
	IncrementCompleted(ctx context.Context, id uuid.UUID, n int) error
	IncrementExited(ctx context.Context, id uuid.UUID, n int) error
	IncrementMessageCounters(ctx context.Context, id uuid.UUID, delivered bool) error
	GetDayMessages(ctx context.Context, campaignID uuid.UUID) ([]*domain.DayMessage, error)
	UpsertDayMessages(ctx context.Context, campaignID uuid.UUID, messages []*domain.DayMessage) error
}

// TargetStore persists enrolled targets and their drip progress.
type TargetStore interface {
	Enroll(ctx context.Context, targets []*domain.Target) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Target, error)
	DueByReferrer(ctx context.Context, referrerID uuid.UUID, now time.Time) ([]*domain.Target, error)
	RecordDelivery(ctx context.Context, d *domain.MessageDelivery) (bool, error)
	HasDelivery(ctx context.Context, targetID uuid.UUID, day int) (bool, error)
	Advance(ctx context.Context, t *domain.Target) error
	Exit(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	ExitActiveByCampaign(ctx context.Context, campaignID uuid.UUID, reason string, now time.Time) (int, error)
	ExitPaid(ctx context.Context, now time.Time) ([]*domain.Target, error)
	ExitReferrerInactive(ctx context.Context, now time.Time) ([]*domain.Target, error)
	ActiveCount(ctx context.Context, campaignID uuid.UUID) (int, error)
	DayProgression(ctx context.Context, campaignID uuid.UUID) ([domain.DripDays]int, error)
	GetByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Target, error)
}

// Notifier pushes live updates to connected clients.
type Notifier interface {
	BroadcastSessionStatus(userID uuid.UUID, status string)
	BroadcastCampaignProgress(userID, campaignID uuid.UUID, data interface{})
	BroadcastToUser(userID uuid.UUID, event string, data interface{})
}

// Cache is an optional short-lived JSON cache for preview results.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DelPattern(ctx context.Context, pattern string) error
}

// Stores bundles the persistence interfaces the engine works against.
type Stores struct {
	Users     UserStore
	Referrals ReferralStore
	Sessions  SessionStore
	Campaigns CampaignStore
	Targets   TargetStore
}

// StoresFromRepositories adapts the pgx repositories to the engine's
// store interfaces.
func StoresFromRepositories(repos *repository.Repositories) Stores {
	return Stores{
		Users:     repos.User,
		Referrals: repos.Referral,
		Sessions:  repos.Session,
		Campaigns: repos.Campaign,
		Targets:   repos.Target,
	}
}

// Engine drives enrollment, the drip scheduler and campaign lifecycle.
type Engine struct {
	stores    Stores
	transport Transport
	hub       Notifier
	cache     Cache
	cfg       *config.Config

	// serializes scheduler work per referrer
	referrerMu sync.Map

	// clock, overridable in tests
	now func() time.Time
}

// NewEngine creates the engine. cache may be nil when redis is not
// configured; previews are then computed on every call.
func NewEngine(stores Stores, transport Transport, hub Notifier, cache Cache, cfg *config.Config) *Engine {
	return &Engine{
		stores:    stores,
		transport: transport,
		hub:       hub,
		cache:     cache,
		cfg:       cfg,
		now:       time.Now,
	}
}

// lockReferrer serializes all drip work for one referrer. Enrollment and
// sending never interleave for the same session.
func (e *Engine) lockReferrer(referrerID uuid.UUID) func() {
	v, _ := e.referrerMu.LoadOrStore(referrerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

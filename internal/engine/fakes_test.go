package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
	"github.com/tontinex/relance/internal/repository"
	"github.com/tontinex/relance/pkg/config"
)

// memDB is a shared in-memory backing store for the fake repositories.
type memDB struct {
	mu          sync.Mutex
	clock       time.Time
	users       map[uuid.UUID]*domain.User
	referrals   []*domain.Referral
	sessions    map[uuid.UUID]*domain.Session
	campaigns   map[uuid.UUID]*domain.Campaign
	dayMessages map[uuid.UUID][]*domain.DayMessage
	targets     map[uuid.UUID]*domain.Target
	deliveries  map[string]*domain.MessageDelivery
}

func newMemDB() *memDB {
	return &memDB{
		clock:       time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		users:       make(map[uuid.UUID]*domain.User),
		sessions:    make(map[uuid.UUID]*domain.Session),
		campaigns:   make(map[uuid.UUID]*domain.Campaign),
		dayMessages: make(map[uuid.UUID][]*domain.DayMessage),
		targets:     make(map[uuid.UUID]*domain.Target),
		deliveries:  make(map[string]*domain.MessageDelivery),
	}
}

func (db *memDB) now() time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.clock
}

func (db *memDB) advance(d time.Duration) {
	db.mu.Lock()
	db.clock = db.clock.Add(d)
	db.mu.Unlock()
}

func (db *memDB) addUser(name, country, language string, subscribed bool, registeredAt time.Time) *domain.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	u := &domain.User{
		ID:           uuid.New(),
		Username:     name,
		DisplayName:  name,
		Country:      country,
		Language:     language,
		Subscribed:   subscribed,
		IsActive:     true,
		RegisteredAt: registeredAt,
	}
	phone := "2376" + u.ID.String()[:8]
	u.Phone = &phone
	db.users[u.ID] = u
	return u
}

func (db *memDB) addReferral(referrerID, referralID uuid.UUID, paid bool) *domain.Referral {
	db.mu.Lock()
	defer db.mu.Unlock()
	r := &domain.Referral{
		ID:             uuid.New(),
		ReferrerUserID: referrerID,
		ReferralUserID: referralID,
		Paid:           paid,
	}
	db.referrals = append(db.referrals, r)
	return r
}

func (db *memDB) addSession(referrerID uuid.UUID, cap int) *domain.Session {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := &domain.Session{
		ID:                uuid.New(),
		ReferrerUserID:    referrerID,
		WhatsAppStatus:    domain.SessionStatusConnected,
		MessagesSentToday: 0,
		LastResetDate:     domain.DateOf(db.clock),
		MaxMessagesPerDay: cap,
	}
	db.sessions[referrerID] = s
	return s
}

func (db *memDB) target(id uuid.UUID) *domain.Target {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.targets[id]
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (db *memDB) campaignTargets(campaignID uuid.UUID) []*domain.Target {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*domain.Target
	for _, t := range db.targets {
		if t.CampaignID == campaignID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// fakeUsers implements UserStore.
type fakeUsers struct{ db *memDB }

func (f fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	u := f.db.users[id]
	if u == nil {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// fakeReferrals implements ReferralStore.
type fakeReferrals struct{ db *memDB }

func (f fakeReferrals) Candidates(_ context.Context, referrerID uuid.UUID) ([]*domain.Candidate, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Candidate
	for _, ref := range f.db.referrals {
		if ref.ReferrerUserID != referrerID {
			continue
		}
		u := f.db.users[ref.ReferralUserID]
		if u == nil {
			continue
		}
		c := &domain.Candidate{
			UserID:       u.ID,
			Name:         u.DisplayName,
			Country:      u.Country,
			Language:     u.Language,
			RegisteredAt: u.RegisteredAt,
			Subscribed:   u.Subscribed,
			Paid:         ref.Paid,
		}
		if u.Phone != nil {
			c.Phone = *u.Phone
		}
		for _, r2 := range f.db.referrals {
			if r2.ReferrerUserID == u.ID && !r2.Paid {
				c.UnpaidReferrals++
			}
		}
		for _, t := range f.db.targets {
			if t.ReferralUserID == u.ID && t.ReferrerUserID == referrerID && t.Status == domain.TargetStatusActive {
				c.HasActiveTarget = true
				break
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (f fakeReferrals) PendingDefaultEnrollments(_ context.Context, grace time.Duration, limit int) ([]*repository.PendingEnrollment, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	cutoff := f.db.clock.Add(-grace)
	var out []*repository.PendingEnrollment
	for _, ref := range f.db.referrals {
		if ref.Paid {
			continue
		}
		u := f.db.users[ref.ReferralUserID]
		if u == nil || u.RegisteredAt.After(cutoff) {
			continue
		}
		if s := f.db.sessions[ref.ReferrerUserID]; s != nil && s.EnrollmentPaused {
			continue
		}
		enrolled := false
		for _, t := range f.db.targets {
			c := f.db.campaigns[t.CampaignID]
			if c != nil && c.Type == domain.CampaignTypeDefault && c.ReferrerUserID == ref.ReferrerUserID && t.ReferralUserID == u.ID {
				enrolled = true
				break
			}
		}
		if enrolled {
			continue
		}
		p := &repository.PendingEnrollment{
			ReferrerUserID: ref.ReferrerUserID,
			Candidate: &domain.Candidate{
				UserID:       u.ID,
				Name:         u.DisplayName,
				Country:      u.Country,
				Language:     u.Language,
				RegisteredAt: u.RegisteredAt,
				Subscribed:   u.Subscribed,
			},
		}
		if u.Phone != nil {
			p.Candidate.Phone = *u.Phone
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeSessions implements SessionStore.
type fakeSessions struct{ db *memDB }

func (f fakeSessions) GetByReferrer(_ context.Context, referrerID uuid.UUID) (*domain.Session, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s := f.db.sessions[referrerID]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f fakeSessions) GetOrCreate(ctx context.Context, referrerID uuid.UUID, defaultCap int) (*domain.Session, error) {
	if s, _ := f.GetByReferrer(ctx, referrerID); s != nil {
		return s, nil
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s := &domain.Session{
		ID:                uuid.New(),
		ReferrerUserID:    referrerID,
		WhatsAppStatus:    domain.SessionStatusDisconnected,
		LastResetDate:     domain.DateOf(f.db.clock),
		MaxMessagesPerDay: defaultCap,
	}
	f.db.sessions[referrerID] = s
	cp := *s
	return &cp, nil
}

func (f fakeSessions) ListSendable(_ context.Context) ([]*domain.Session, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.db.sessions {
		if s.WhatsAppStatus == domain.SessionStatusConnected && !s.SendingPaused {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f fakeSessions) ResetDailyCounter(_ context.Context, referrerID uuid.UUID, date string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s := f.db.sessions[referrerID]; s != nil && s.LastResetDate != date {
		s.MessagesSentToday = 0
		s.LastResetDate = date
	}
	return nil
}

func (f fakeSessions) IncrementSentToday(_ context.Context, referrerID uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s := f.db.sessions[referrerID]; s != nil {
		s.MessagesSentToday++
	}
	return nil
}

func (f fakeSessions) IncrementFailureCount(_ context.Context, referrerID uuid.UUID) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s := f.db.sessions[referrerID]
	if s == nil {
		return 0, fmt.Errorf("session not found")
	}
	s.ConnectionFailureCount++
	return s.ConnectionFailureCount, nil
}

func (f fakeSessions) ResetFailureCount(_ context.Context, referrerID uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s := f.db.sessions[referrerID]; s != nil {
		s.ConnectionFailureCount = 0
	}
	return nil
}

func (f fakeSessions) MarkExpired(_ context.Context, referrerID uuid.UUID) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if s := f.db.sessions[referrerID]; s != nil {
		s.WhatsAppStatus = domain.SessionStatusExpired
	}
	return nil
}

// fakeCampaigns implements CampaignStore.
type fakeCampaigns struct{ db *memDB }

func (f fakeCampaigns) Create(_ context.Context, c *domain.Campaign) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c.ID = uuid.New()
	if c.Status == "" {
		c.Status = domain.CampaignStatusDraft
	}
	cp := *c
	f.db.campaigns[c.ID] = &cp
	return nil
}

func (f fakeCampaigns) GetByID(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c := f.db.campaigns[id]
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f fakeCampaigns) GetByReferrer(_ context.Context, referrerID uuid.UUID) ([]*domain.Campaign, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range f.db.campaigns {
		if c.ReferrerUserID == referrerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f fakeCampaigns) GetOrCreateDefault(_ context.Context, referrerID uuid.UUID) (*domain.Campaign, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range f.db.campaigns {
		if c.ReferrerUserID == referrerID && c.Type == domain.CampaignTypeDefault {
			cp := *c
			return &cp, nil
		}
	}
	now := f.db.clock
	c := &domain.Campaign{
		ID:             uuid.New(),
		ReferrerUserID: referrerID,
		Name:           "Relance automatique",
		Type:           domain.CampaignTypeDefault,
		Status:         domain.CampaignStatusActive,
		ActualStartAt:  &now,
	}
	f.db.campaigns[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f fakeCampaigns) Update(_ context.Context, c *domain.Campaign) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	stored := f.db.campaigns[c.ID]
	if stored == nil {
		return fmt.Errorf("campaign not found")
	}
	// Counter fields are owned by the Increment methods.
	cp := *c
	cp.TargetsEnrolled = stored.TargetsEnrolled
	cp.TargetsCompleted = stored.TargetsCompleted
	cp.TargetsExited = stored.TargetsExited
	cp.MessagesSent = stored.MessagesSent
	cp.MessagesDelivered = stored.MessagesDelivered
	cp.MessagesFailed = stored.MessagesFailed
	f.db.campaigns[c.ID] = &cp
	return nil
}

func (f fakeCampaigns) Delete(_ context.Context, id uuid.UUID) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	count := 0
	for tid, t := range f.db.targets {
		if t.CampaignID == id {
			delete(f.db.targets, tid)
			count++
		}
	}
	delete(f.db.campaigns, id)
	return count, nil
}

func (f fakeCampaigns) ActiveFilteredCount(_ context.Context, referrerID uuid.UUID) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	n := 0
	for _, c := range f.db.campaigns {
		if c.ReferrerUserID == referrerID && c.Type == domain.CampaignTypeFiltered && c.Status == domain.CampaignStatusActive {
			n++
		}
	}
	return n, nil
}

func (f fakeCampaigns) ListScheduled(_ context.Context) ([]*domain.Campaign, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range f.db.campaigns {
		if c.Status == domain.CampaignStatusScheduled {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f fakeCampaigns) IncrementEnrolled(_ context.Context, id uuid.UUID, n int) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if c := f.db.campaigns[id]; c != nil {
		c.TargetsEnrolled += n
	}
	return nil
}

func (f fakeCampaigns) IncrementCompleted(_ context.Context, id uuid.UUID, n int) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if c := f.db.campaigns[id]; c != nil {
		c.TargetsCompleted += n
	}
	return nil
}

func (f fakeCampaigns) IncrementExited(_ context.Context, id uuid.UUID, n int) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if c := f.db.campaigns[id]; c != nil {
		c.TargetsExited += n
	}
	return nil
}

func (f fakeCampaigns) IncrementMessageCounters(_ context.Context, id uuid.UUID, delivered bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if c := f.db.campaigns[id]; c != nil {
		c.MessagesSent++
		if delivered {
			c.MessagesDelivered++
		} else {
			c.MessagesFailed++
		}
	}
	return nil
}

func (f fakeCampaigns) GetDayMessages(_ context.Context, campaignID uuid.UUID) ([]*domain.DayMessage, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.db.dayMessages[campaignID], nil
}

func (f fakeCampaigns) UpsertDayMessages(_ context.Context, campaignID uuid.UUID, messages []*domain.DayMessage) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.dayMessages[campaignID] = messages
	return nil
}

// fakeTargets implements TargetStore.
type fakeTargets struct{ db *memDB }

func deliveryKey(targetID uuid.UUID, day int) string {
	return fmt.Sprintf("%s|%d", targetID, day)
}

func (f fakeTargets) Enroll(_ context.Context, targets []*domain.Target) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	created := 0
	for _, t := range targets {
		dup := false
		for _, existing := range f.db.targets {
			if existing.CampaignID == t.CampaignID && existing.ReferralUserID == t.ReferralUserID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		t.ID = uuid.New()
		cp := *t
		f.db.targets[t.ID] = &cp
		created++
	}
	return created, nil
}

func (f fakeTargets) GetByID(_ context.Context, id uuid.UUID) (*domain.Target, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	t := f.db.targets[id]
	if t == nil {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f fakeTargets) DueByReferrer(_ context.Context, referrerID uuid.UUID, now time.Time) ([]*domain.Target, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Target
	for _, t := range f.db.targets {
		if t.ReferrerUserID != referrerID || t.Status != domain.TargetStatusActive {
			continue
		}
		if t.NextMessageDue == nil || t.NextMessageDue.After(now) {
			continue
		}
		c := f.db.campaigns[t.CampaignID]
		if c == nil || c.Status != domain.CampaignStatusActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextMessageDue.Before(*out[j].NextMessageDue)
	})
	return out, nil
}

func (f fakeTargets) RecordDelivery(_ context.Context, d *domain.MessageDelivery) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	key := deliveryKey(d.TargetID, d.Day)
	if _, ok := f.db.deliveries[key]; ok {
		return false, nil
	}
	d.ID = uuid.New()
	cp := *d
	f.db.deliveries[key] = &cp
	return true, nil
}

func (f fakeTargets) HasDelivery(_ context.Context, targetID uuid.UUID, day int) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	_, ok := f.db.deliveries[deliveryKey(targetID, day)]
	return ok, nil
}

func (f fakeTargets) Advance(_ context.Context, t *domain.Target) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	stored := f.db.targets[t.ID]
	if stored == nil || stored.Status != domain.TargetStatusActive {
		return nil
	}
	cp := *t
	f.db.targets[t.ID] = &cp
	return nil
}

func (f fakeTargets) Exit(_ context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	t := f.db.targets[id]
	if t == nil || (t.Status != domain.TargetStatusActive && t.Status != domain.TargetStatusPaused) {
		return false, nil
	}
	t.Status = domain.TargetStatusExited
	t.ExitReason = &reason
	t.ExitedLoopAt = &now
	t.NextMessageDue = nil
	return true, nil
}

func (f fakeTargets) ExitActiveByCampaign(_ context.Context, campaignID uuid.UUID, reason string, now time.Time) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	n := 0
	for _, t := range f.db.targets {
		if t.CampaignID != campaignID {
			continue
		}
		if t.Status != domain.TargetStatusActive && t.Status != domain.TargetStatusPaused {
			continue
		}
		r := reason
		t.Status = domain.TargetStatusExited
		t.ExitReason = &r
		t.ExitedLoopAt = &now
		t.NextMessageDue = nil
		n++
	}
	return n, nil
}

func (f fakeTargets) ExitPaid(_ context.Context, now time.Time) ([]*domain.Target, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Target
	for _, t := range f.db.targets {
		if t.Status != domain.TargetStatusActive {
			continue
		}
		for _, ref := range f.db.referrals {
			if ref.ReferrerUserID == t.ReferrerUserID && ref.ReferralUserID == t.ReferralUserID && ref.Paid {
				reason := domain.ExitReasonPaid
				t.Status = domain.TargetStatusExited
				t.ExitReason = &reason
				t.ExitedLoopAt = &now
				t.NextMessageDue = nil
				cp := *t
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (f fakeTargets) ExitReferrerInactive(_ context.Context, now time.Time) ([]*domain.Target, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Target
	for _, t := range f.db.targets {
		if t.Status != domain.TargetStatusActive {
			continue
		}
		u := f.db.users[t.ReferrerUserID]
		if u == nil || (u.IsActive && u.Subscribed) {
			continue
		}
		reason := domain.ExitReasonReferrerInactive
		t.Status = domain.TargetStatusExited
		t.ExitReason = &reason
		t.ExitedLoopAt = &now
		t.NextMessageDue = nil
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f fakeTargets) ActiveCount(_ context.Context, campaignID uuid.UUID) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	n := 0
	for _, t := range f.db.targets {
		if t.CampaignID == campaignID && t.Status == domain.TargetStatusActive {
			n++
		}
	}
	return n, nil
}

func (f fakeTargets) DayProgression(_ context.Context, campaignID uuid.UUID) ([domain.DripDays]int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var buckets [domain.DripDays]int
	for _, t := range f.db.targets {
		if t.CampaignID == campaignID && t.Status == domain.TargetStatusActive && t.CurrentDay >= 1 && t.CurrentDay <= domain.DripDays {
			buckets[t.CurrentDay-1]++
		}
	}
	return buckets, nil
}

func (f fakeTargets) GetByCampaign(_ context.Context, campaignID uuid.UUID) ([]*domain.Target, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*domain.Target
	for _, t := range f.db.targets {
		if t.CampaignID == campaignID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeTransport implements Transport. Sends to phones listed in failing
// return that error.
type fakeTransport struct {
	mu        sync.Mutex
	connected map[uuid.UUID]bool
	failing   map[string]error
	sent      []fakeSend
	purged    []uuid.UUID
}

type fakeSend struct {
	ReferrerID uuid.UUID
	Phone      string
	Body       string
	MediaURL   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: make(map[uuid.UUID]bool),
		failing:   make(map[string]error),
	}
}

func (t *fakeTransport) Connected(referrerID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[referrerID]
}

func (t *fakeTransport) SendText(_ context.Context, referrerID uuid.UUID, phone, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failing[phone]; err != nil {
		return err
	}
	t.sent = append(t.sent, fakeSend{ReferrerID: referrerID, Phone: phone, Body: body})
	return nil
}

func (t *fakeTransport) SendMedia(_ context.Context, referrerID uuid.UUID, phone, caption, mediaURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failing[phone]; err != nil {
		return err
	}
	t.sent = append(t.sent, fakeSend{ReferrerID: referrerID, Phone: phone, Body: caption, MediaURL: mediaURL})
	return nil
}

func (t *fakeTransport) PurgeCredential(_ context.Context, referrerID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purged = append(t.purged, referrerID)
	t.connected[referrerID] = false
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// fakeHub implements Notifier and records the events it saw.
type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (h *fakeHub) BroadcastSessionStatus(_ uuid.UUID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "session:"+status)
}

func (h *fakeHub) BroadcastCampaignProgress(_, _ uuid.UUID, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "progress")
}

func (h *fakeHub) BroadcastToUser(_ uuid.UUID, event string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func newTestEngine() (*Engine, *memDB, *fakeTransport) {
	db := newMemDB()
	transport := newFakeTransport()
	cfg := &config.Config{
		SchedulerInterval: time.Second,
		SendTimeout:       5 * time.Second,
		QRTimeout:         time.Minute,
		EnrollGraceDelay:  time.Hour,
		DailySendCap:      50,
	}
	stores := Stores{
		Users:     fakeUsers{db},
		Referrals: fakeReferrals{db},
		Sessions:  fakeSessions{db},
		Campaigns: fakeCampaigns{db},
		Targets:   fakeTargets{db},
	}
	e := NewEngine(stores, transport, &fakeHub{}, nil, cfg)
	e.now = db.now
	return e, db, transport
}

// seedReferrer creates a referrer with a connected session and n unpaid
// referrals registered past the grace delay.
func seedReferrer(db *memDB, transport *fakeTransport, n int) (*domain.User, []*domain.User) {
	registered := db.now().Add(-30 * 24 * time.Hour)
	referrer := db.addUser("referrer", "CM", domain.LangFR, true, registered)
	db.addSession(referrer.ID, 50)
	transport.connected[referrer.ID] = true

	var referrals []*domain.User
	for i := 0; i < n; i++ {
		u := db.addUser(fmt.Sprintf("referral-%d", i), "CM", domain.LangFR, false, db.now().Add(-2*time.Hour))
		db.addReferral(referrer.ID, u.ID, false)
		referrals = append(referrals, u)
	}
	return referrer, referrals
}

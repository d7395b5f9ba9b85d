package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tontinex/relance/internal/domain"
)

type Repositories struct {
	db       *pgxpool.Pool
	User     *UserRepository
	Referral *ReferralRepository
	Session  *SessionRepository
	Campaign *CampaignRepository
	Target   *TargetRepository
}

func NewRepositories(db *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:       db,
		User:     &UserRepository{db: db},
		Referral: &ReferralRepository{db: db},
		Session:  &SessionRepository{db: db},
		Campaign: &CampaignRepository{db: db},
		Target:   &TargetRepository{db: db},
	}
}

// DB returns the underlying database pool.
func (r *Repositories) DB() *pgxpool.Pool {
	return r.db
}

// UserRepository handles platform user data access
type UserRepository struct {
	db *pgxpool.Pool
}

const userColumns = `id, username, password_hash, display_name, phone, country, language, subscribed, is_active, registered_at, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	user := &domain.User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &user.Phone,
		&user.Country, &user.Language, &user.Subscribed, &user.IsActive,
		&user.RegisteredAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return user, err
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE username = $1 AND is_active = TRUE
	`, username))
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id))
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, display_name, phone, country, language, subscribed, is_active, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
		RETURNING id, registered_at, created_at, updated_at
	`, user.Username, user.PasswordHash, user.DisplayName, user.Phone, user.Country, user.Language, user.Subscribed).Scan(
		&user.ID, &user.RegisteredAt, &user.CreatedAt, &user.UpdatedAt,
	)
}

// ReferralRepository reads the referral graph as enrollment signals
type ReferralRepository struct {
	db *pgxpool.Pool
}

// Candidates loads the referrer's level-1 referrals with every signal the
// audience predicate needs: profile fields, unpaid-referral count of the
// candidate itself, payment state, and whether the candidate is already an
// active target of this referrer. Preview and enrollment both consume this.
func (r *ReferralRepository) Candidates(ctx context.Context, referrerID uuid.UUID) ([]*domain.Candidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.id, u.display_name, COALESCE(u.phone, ''), u.country, u.language, u.registered_at, u.subscribed, ref.paid,
			(SELECT COUNT(*) FROM referrals r2 WHERE r2.referrer_user_id = u.id AND r2.paid = FALSE) AS unpaid_referrals,
			EXISTS (
				SELECT 1 FROM targets t
				WHERE t.referral_user_id = u.id AND t.referrer_user_id = ref.referrer_user_id AND t.status = 'active'
			) AS has_active_target
		FROM referrals ref
		JOIN users u ON u.id = ref.referral_user_id
		WHERE ref.referrer_user_id = $1
		ORDER BY u.registered_at DESC
	`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*domain.Candidate
	for rows.Next() {
		c := &domain.Candidate{}
		if err := rows.Scan(
			&c.UserID, &c.Name, &c.Phone, &c.Country, &c.Language, &c.RegisteredAt,
			&c.Subscribed, &c.Paid, &c.UnpaidReferrals, &c.HasActiveTarget,
		); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// PendingEnrollment pairs a referrer with one referral awaiting default-loop
// enrollment.
type PendingEnrollment struct {
	ReferrerUserID uuid.UUID
	Candidate      *domain.Candidate
}

// PendingDefaultEnrollments selects unpaid referrals past the grace delay
// that were never enrolled into their referrer's default loop, for referrers
// with enrollment enabled. Selection is state-based, so enrollments missed
// during downtime are picked up on the next cycle.
func (r *ReferralRepository) PendingDefaultEnrollments(ctx context.Context, grace time.Duration, limit int) ([]*PendingEnrollment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ref.referrer_user_id, u.id, u.display_name, COALESCE(u.phone, ''), u.country, u.language, u.registered_at, u.subscribed
		FROM referrals ref
		JOIN users u ON u.id = ref.referral_user_id
		LEFT JOIN sessions s ON s.referrer_user_id = ref.referrer_user_id
		WHERE ref.paid = FALSE
		  AND u.registered_at <= NOW() - $1::interval
		  AND COALESCE(s.enrollment_paused, FALSE) = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM targets t
			JOIN campaigns c ON c.id = t.campaign_id
			WHERE t.referral_user_id = u.id
			  AND c.referrer_user_id = ref.referrer_user_id
			  AND c.type = 'default'
		  )
		ORDER BY u.registered_at
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(grace.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*PendingEnrollment
	for rows.Next() {
		p := &PendingEnrollment{Candidate: &domain.Candidate{}}
		c := p.Candidate
		if err := rows.Scan(
			&p.ReferrerUserID, &c.UserID, &c.Name, &c.Phone, &c.Country, &c.Language,
			&c.RegisteredAt, &c.Subscribed,
		); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, nil
}

// SessionRepository handles WhatsApp session state persistence
type SessionRepository struct {
	db *pgxpool.Pool
}

const sessionColumns = `id, referrer_user_id, whatsapp_status, whatsapp_jid, connection_failure_count, last_qr_scan_at,
	last_connection_check, messages_sent_today, last_reset_date, max_messages_per_day,
	enrollment_paused, sending_paused, default_campaign_paused, allow_simultaneous_campaigns,
	created_at, updated_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	err := row.Scan(
		&s.ID, &s.ReferrerUserID, &s.WhatsAppStatus, &s.WhatsAppJID, &s.ConnectionFailureCount, &s.LastQRScanAt,
		&s.LastConnectionCheck, &s.MessagesSentToday, &s.LastResetDate, &s.MaxMessagesPerDay,
		&s.EnrollmentPaused, &s.SendingPaused, &s.DefaultCampaignPaused, &s.AllowSimultaneousCampaigns,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepository) GetByReferrer(ctx context.Context, referrerID uuid.UUID) (*domain.Session, error) {
	return scanSession(r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE referrer_user_id = $1
	`, referrerID))
}

func (r *SessionRepository) GetOrCreate(ctx context.Context, referrerID uuid.UUID, defaultCap int) (*domain.Session, error) {
	session, err := r.GetByReferrer(ctx, referrerID)
	if err != nil || session != nil {
		return session, err
	}
	return scanSession(r.db.QueryRow(ctx, `
		INSERT INTO sessions (referrer_user_id, max_messages_per_day, last_reset_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (referrer_user_id) DO UPDATE SET updated_at = NOW()
		RETURNING `+sessionColumns+`
	`, referrerID, defaultCap, domain.DateOf(time.Now())))
}

func (r *SessionRepository) UpdateSwitches(ctx context.Context, s *domain.Session) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET enrollment_paused = $2, sending_paused = $3, default_campaign_paused = $4,
			allow_simultaneous_campaigns = $5, max_messages_per_day = $6, updated_at = NOW()
		WHERE referrer_user_id = $1
	`, s.ReferrerUserID, s.EnrollmentPaused, s.SendingPaused, s.DefaultCampaignPaused,
		s.AllowSimultaneousCampaigns, s.MaxMessagesPerDay)
	return err
}

func (r *SessionRepository) SetStatus(ctx context.Context, referrerID uuid.UUID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET whatsapp_status = $2, updated_at = NOW() WHERE referrer_user_id = $1
	`, referrerID, status)
	return err
}

// UpdateJID records the paired WhatsApp identity so the stored credential
// can be matched back to the referrer after a restart or a plain
// disconnect. An empty jid clears the mapping.
func (r *SessionRepository) UpdateJID(ctx context.Context, referrerID uuid.UUID, jid string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET whatsapp_jid = NULLIF($2, ''), updated_at = NOW() WHERE referrer_user_id = $1
	`, referrerID, jid)
	return err
}

func (r *SessionRepository) TouchQRScan(ctx context.Context, referrerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET last_qr_scan_at = NOW(), updated_at = NOW() WHERE referrer_user_id = $1
	`, referrerID)
	return err
}

// IncrementFailureCount bumps the consecutive-failure counter and returns
// the new value so the caller can apply the strike policy.
func (r *SessionRepository) IncrementFailureCount(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE sessions SET connection_failure_count = connection_failure_count + 1, updated_at = NOW()
		WHERE referrer_user_id = $1
		RETURNING connection_failure_count
	`, referrerID).Scan(&count)
	return count, err
}

// ResetFailureCount clears the counter after a successful send and records
// the connection check.
func (r *SessionRepository) ResetFailureCount(ctx context.Context, referrerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET connection_failure_count = 0, last_connection_check = NOW(), updated_at = NOW()
		WHERE referrer_user_id = $1
	`, referrerID)
	return err
}

// MarkExpired forces the session into the expired state and drops the JID
// mapping; the credential purge happens in the session pool, and the strike
// counter clears on the next successful connect.
func (r *SessionRepository) MarkExpired(ctx context.Context, referrerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET whatsapp_status = 'expired', whatsapp_jid = NULL, updated_at = NOW() WHERE referrer_user_id = $1
	`, referrerID)
	return err
}

// ResetFailures is used by a forced disconnect: credential gone, counter
// back to zero.
func (r *SessionRepository) ResetFailures(ctx context.Context, referrerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET connection_failure_count = 0, updated_at = NOW() WHERE referrer_user_id = $1
	`, referrerID)
	return err
}

func (r *SessionRepository) IncrementSentToday(ctx context.Context, referrerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET messages_sent_today = messages_sent_today + 1, updated_at = NOW()
		WHERE referrer_user_id = $1
	`, referrerID)
	return err
}

// ResetDailyCounter resets the per-day send counter exactly once per
// calendar day. The guard is the stored date, not a midnight job, so a
// worker that slept across midnight still resets correctly.
func (r *SessionRepository) ResetDailyCounter(ctx context.Context, referrerID uuid.UUID, date string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET messages_sent_today = 0, last_reset_date = $2, updated_at = NOW()
		WHERE referrer_user_id = $1 AND last_reset_date <> $2
	`, referrerID, date)
	return err
}

// ListSendable returns sessions eligible for a scheduler pass: connected
// and not paused for sending.
func (r *SessionRepository) ListSendable(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE whatsapp_status = 'connected' AND sending_paused = FALSE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// CampaignRepository handles campaign data access
type CampaignRepository struct {
	db *pgxpool.Pool
}

const campaignColumns = `id, referrer_user_id, name, type, status, target_filter,
	targets_enrolled, targets_completed, targets_exited,
	messages_sent, messages_delivered, messages_failed,
	max_messages_per_day, max_targets,
	scheduled_start_at, actual_start_at, actual_end_at, run_after_campaign_id,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var filterJSON []byte
	err := row.Scan(
		&c.ID, &c.ReferrerUserID, &c.Name, &c.Type, &c.Status, &filterJSON,
		&c.TargetsEnrolled, &c.TargetsCompleted, &c.TargetsExited,
		&c.MessagesSent, &c.MessagesDelivered, &c.MessagesFailed,
		&c.MaxMessagesPerDay, &c.MaxTargets,
		&c.ScheduledStartAt, &c.ActualStartAt, &c.ActualEndAt, &c.RunAfterCampaignID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(filterJSON) > 0 {
		f := &domain.CampaignFilter{}
		if err := json.Unmarshal(filterJSON, f); err == nil {
			c.TargetFilter = f
		}
	}
	return c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *domain.Campaign) error {
	c.ID = uuid.New()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.CampaignStatusDraft
	}
	var filterJSON []byte
	if c.TargetFilter != nil {
		b, err := json.Marshal(c.TargetFilter)
		if err != nil {
			return err
		}
		filterJSON = b
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO campaigns (id, referrer_user_id, name, type, status, target_filter,
			max_messages_per_day, max_targets, scheduled_start_at, run_after_campaign_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.ReferrerUserID, c.Name, c.Type, c.Status, filterJSON,
		c.MaxMessagesPerDay, c.MaxTargets, c.ScheduledStartAt, c.RunAfterCampaignID, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return scanCampaign(r.db.QueryRow(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE id = $1
	`, id))
}

func (r *CampaignRepository) GetByReferrer(ctx context.Context, referrerID uuid.UUID) ([]*domain.Campaign, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE referrer_user_id = $1 ORDER BY created_at DESC LIMIT 100
	`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

// GetOrCreateDefault returns the referrer's always-on default loop,
// creating it active on first access.
func (r *CampaignRepository) GetOrCreateDefault(ctx context.Context, referrerID uuid.UUID) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE referrer_user_id = $1 AND type = 'default'
	`, referrerID))
	if err != nil || c != nil {
		return c, err
	}
	c = &domain.Campaign{
		ReferrerUserID: referrerID,
		Name:           "Relance automatique",
		Type:           domain.CampaignTypeDefault,
		Status:         domain.CampaignStatusActive,
	}
	now := time.Now()
	c.ActualStartAt = &now
	if err := r.Create(ctx, c); err != nil {
		return nil, err
	}
	_, err = r.db.Exec(ctx, `UPDATE campaigns SET actual_start_at = $2 WHERE id = $1`, c.ID, now)
	return c, err
}

func (r *CampaignRepository) Update(ctx context.Context, c *domain.Campaign) error {
	c.UpdatedAt = time.Now()
	var filterJSON []byte
	if c.TargetFilter != nil {
		b, err := json.Marshal(c.TargetFilter)
		if err != nil {
			return err
		}
		filterJSON = b
	}
	_, err := r.db.Exec(ctx, `
		UPDATE campaigns SET name=$1, status=$2, target_filter=$3, max_messages_per_day=$4, max_targets=$5,
			scheduled_start_at=$6, actual_start_at=$7, actual_end_at=$8, run_after_campaign_id=$9, updated_at=$10
		WHERE id=$11
	`, c.Name, c.Status, filterJSON, c.MaxMessagesPerDay, c.MaxTargets,
		c.ScheduledStartAt, c.ActualStartAt, c.ActualEndAt, c.RunAfterCampaignID, c.UpdatedAt, c.ID)
	return err
}

// Delete removes the campaign and cascades to its targets, returning how
// many targets were removed.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM targets WHERE campaign_id = $1`, id).Scan(&count); err != nil {
		return 0, err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id); err != nil {
		return 0, err
	}
	return count, nil
}

// ActiveFilteredCount counts the referrer's filtered campaigns currently
// active, the input to the mutual-exclusion policy.
func (r *CampaignRepository) ActiveFilteredCount(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaigns
		WHERE referrer_user_id = $1 AND type = 'filtered' AND status = 'active'
	`, referrerID).Scan(&count)
	return count, err
}

// ListScheduled returns campaigns waiting on a start date or a predecessor.
func (r *CampaignRepository) ListScheduled(ctx context.Context) ([]*domain.Campaign, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE status = 'scheduled' ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

func (r *CampaignRepository) IncrementEnrolled(ctx context.Context, id uuid.UUID, n int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE campaigns SET targets_enrolled = targets_enrolled + $2, updated_at = NOW() WHERE id = $1
	`, id, n)
	return err
}

func (r *CampaignRepository) IncrementCompleted(ctx context.Context, id uuid.UUID, n int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE campaigns SET targets_completed = targets_completed + $2, updated_at = NOW() WHERE id = $1
	`, id, n)
	return err
}

func (r *CampaignRepository) IncrementExited(ctx context.Context, id uuid.UUID, n int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE campaigns SET targets_exited = targets_exited + $2, updated_at = NOW() WHERE id = $1
	`, id, n)
	return err
}

// IncrementMessageCounters records one send attempt on the campaign totals.
func (r *CampaignRepository) IncrementMessageCounters(ctx context.Context, id uuid.UUID, delivered bool) error {
	if delivered {
		_, err := r.db.Exec(ctx, `
			UPDATE campaigns SET messages_sent = messages_sent + 1, messages_delivered = messages_delivered + 1, updated_at = NOW()
			WHERE id = $1
		`, id)
		return err
	}
	_, err := r.db.Exec(ctx, `
		UPDATE campaigns SET messages_sent = messages_sent + 1, messages_failed = messages_failed + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (r *CampaignRepository) GetDayMessages(ctx context.Context, campaignID uuid.UUID) ([]*domain.DayMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, campaign_id, day, body_fr, body_en, media_url
		FROM campaign_day_messages WHERE campaign_id = $1 ORDER BY day
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.DayMessage
	for rows.Next() {
		m := &domain.DayMessage{}
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.Day, &m.BodyFR, &m.BodyEN, &m.MediaURL); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (r *CampaignRepository) UpsertDayMessages(ctx context.Context, campaignID uuid.UUID, messages []*domain.DayMessage) error {
	for _, m := range messages {
		if m.Day < 1 || m.Day > domain.DripDays {
			return fmt.Errorf("invalid day %d: must be between 1 and %d", m.Day, domain.DripDays)
		}
		_, err := r.db.Exec(ctx, `
			INSERT INTO campaign_day_messages (campaign_id, day, body_fr, body_en, media_url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (campaign_id, day) DO UPDATE SET body_fr = EXCLUDED.body_fr, body_en = EXCLUDED.body_en, media_url = EXCLUDED.media_url
		`, campaignID, m.Day, m.BodyFR, m.BodyEN, m.MediaURL)
		if err != nil {
			return err
		}
	}
	return nil
}

// TargetRepository handles enrolled target data access
type TargetRepository struct {
	db *pgxpool.Pool
}

const targetColumns = `id, campaign_id, referrer_user_id, referral_user_id, name, phone, language,
	current_day, entered_loop_at, next_message_due, last_message_sent_at,
	status, exit_reason, exited_loop_at, created_at, updated_at`

func scanTarget(row pgx.Row) (*domain.Target, error) {
	t := &domain.Target{}
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.ReferrerUserID, &t.ReferralUserID, &t.Name, &t.Phone, &t.Language,
		&t.CurrentDay, &t.EnteredLoopAt, &t.NextMessageDue, &t.LastMessageSentAt,
		&t.Status, &t.ExitReason, &t.ExitedLoopAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// Enroll inserts targets idempotently on (campaign_id, referral_user_id)
// and returns how many rows were actually created.
func (r *TargetRepository) Enroll(ctx context.Context, targets []*domain.Target) (int, error) {
	created := 0
	for _, t := range targets {
		t.ID = uuid.New()
		tag, err := r.db.Exec(ctx, `
			INSERT INTO targets (id, campaign_id, referrer_user_id, referral_user_id, name, phone, language,
				current_day, entered_loop_at, next_message_due, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'active')
			ON CONFLICT (campaign_id, referral_user_id) DO NOTHING
		`, t.ID, t.CampaignID, t.ReferrerUserID, t.ReferralUserID, t.Name, t.Phone, t.Language,
			t.CurrentDay, t.EnteredLoopAt, t.NextMessageDue)
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (r *TargetRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Target, error) {
	return scanTarget(r.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
}

func (r *TargetRepository) GetByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Target, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE campaign_id = $1 ORDER BY entered_loop_at DESC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// DueByReferrer selects the referrer's targets eligible for a send: active,
// past due, and belonging to an active campaign.
func (r *TargetRepository) DueByReferrer(ctx context.Context, referrerID uuid.UUID, now time.Time) ([]*domain.Target, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.id, t.campaign_id, t.referrer_user_id, t.referral_user_id, t.name, t.phone, t.language,
			t.current_day, t.entered_loop_at, t.next_message_due, t.last_message_sent_at,
			t.status, t.exit_reason, t.exited_loop_at, t.created_at, t.updated_at
		FROM targets t
		JOIN campaigns c ON c.id = t.campaign_id
		WHERE t.referrer_user_id = $1 AND t.status = 'active'
		  AND t.next_message_due IS NOT NULL AND t.next_message_due <= $2
		  AND c.status = 'active'
		ORDER BY t.next_message_due
	`, referrerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// RecordDelivery writes the send attempt for one (target, day). Returns
// false when that day was already recorded, making retries within a cycle
// no-ops.
func (r *TargetRepository) RecordDelivery(ctx context.Context, d *domain.MessageDelivery) (bool, error) {
	d.ID = uuid.New()
	tag, err := r.db.Exec(ctx, `
		INSERT INTO message_deliveries (id, target_id, day, sent_at, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (target_id, day) DO NOTHING
	`, d.ID, d.TargetID, d.Day, d.SentAt, d.Status, d.ErrorMessage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// HasDelivery reports whether an attempt for this (target, day) is already
// on record.
func (r *TargetRepository) HasDelivery(ctx context.Context, targetID uuid.UUID, day int) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM message_deliveries WHERE target_id = $1 AND day = $2)
	`, targetID, day).Scan(&exists)
	return exists, err
}

func (r *TargetRepository) GetDeliveries(ctx context.Context, targetID uuid.UUID) ([]*domain.MessageDelivery, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, target_id, day, sent_at, status, error_message
		FROM message_deliveries WHERE target_id = $1 ORDER BY day
	`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*domain.MessageDelivery
	for rows.Next() {
		d := &domain.MessageDelivery{}
		if err := rows.Scan(&d.ID, &d.TargetID, &d.Day, &d.SentAt, &d.Status, &d.ErrorMessage); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Advance moves an active target forward after its day's attempt was
// recorded. Guarding on status keeps a concurrent exit from being undone.
func (r *TargetRepository) Advance(ctx context.Context, t *domain.Target) error {
	_, err := r.db.Exec(ctx, `
		UPDATE targets SET current_day = $2, next_message_due = $3, last_message_sent_at = $4,
			status = $5, exit_reason = $6, exited_loop_at = $7, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, t.ID, t.CurrentDay, t.NextMessageDue, t.LastMessageSentAt, t.Status, t.ExitReason, t.ExitedLoopAt)
	return err
}

// Exit transitions one active target to exited with the given reason.
func (r *TargetRepository) Exit(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE targets SET status = 'exited', exit_reason = $2, exited_loop_at = $3, next_message_due = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'paused')
	`, id, reason, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExitActiveByCampaign force-exits every non-terminal target of a campaign.
func (r *TargetRepository) ExitActiveByCampaign(ctx context.Context, campaignID uuid.UUID, reason string, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE targets SET status = 'exited', exit_reason = $2, exited_loop_at = $3, next_message_due = NULL, updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('active', 'paused')
	`, campaignID, reason, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ExitPaid exits every active target whose referral has paid, returning the
// affected rows so campaign counters can be adjusted.
func (r *TargetRepository) ExitPaid(ctx context.Context, now time.Time) ([]*domain.Target, error) {
	return r.exitWhere(ctx, `
		UPDATE targets t SET status = 'exited', exit_reason = 'paid', exited_loop_at = $1, next_message_due = NULL, updated_at = NOW()
		FROM referrals ref
		WHERE t.status = 'active'
		  AND ref.referrer_user_id = t.referrer_user_id AND ref.referral_user_id = t.referral_user_id
		  AND ref.paid = TRUE
		RETURNING `+prefixedTargetColumns("t"), now)
}

// ExitReferrerInactive exits every active target whose referrer account is
// no longer active or subscribed.
func (r *TargetRepository) ExitReferrerInactive(ctx context.Context, now time.Time) ([]*domain.Target, error) {
	return r.exitWhere(ctx, `
		UPDATE targets t SET status = 'exited', exit_reason = 'referrer_inactive', exited_loop_at = $1, next_message_due = NULL, updated_at = NOW()
		FROM users u
		WHERE t.status = 'active'
		  AND u.id = t.referrer_user_id
		  AND (u.is_active = FALSE OR u.subscribed = FALSE)
		RETURNING `+prefixedTargetColumns("t"), now)
}

func prefixedTargetColumns(alias string) string {
	return alias + `.id, ` + alias + `.campaign_id, ` + alias + `.referrer_user_id, ` + alias + `.referral_user_id, ` +
		alias + `.name, ` + alias + `.phone, ` + alias + `.language, ` + alias + `.current_day, ` + alias + `.entered_loop_at, ` +
		alias + `.next_message_due, ` + alias + `.last_message_sent_at, ` + alias + `.status, ` + alias + `.exit_reason, ` +
		alias + `.exited_loop_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (r *TargetRepository) exitWhere(ctx context.Context, query string, now time.Time) ([]*domain.Target, error) {
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (r *TargetRepository) ActiveCount(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM targets WHERE campaign_id = $1 AND status = 'active'
	`, campaignID).Scan(&count)
	return count, err
}

// DayProgression buckets the campaign's active targets by current day.
func (r *TargetRepository) DayProgression(ctx context.Context, campaignID uuid.UUID) ([domain.DripDays]int, error) {
	var buckets [domain.DripDays]int
	rows, err := r.db.Query(ctx, `
		SELECT current_day, COUNT(*) FROM targets
		WHERE campaign_id = $1 AND status = 'active'
		GROUP BY current_day
	`, campaignID)
	if err != nil {
		return buckets, err
	}
	defer rows.Close()

	for rows.Next() {
		var day, count int
		if err := rows.Scan(&day, &count); err != nil {
			return buckets, err
		}
		if day >= 1 && day <= domain.DripDays {
			buckets[day-1] = count
		}
	}
	return buckets, nil
}

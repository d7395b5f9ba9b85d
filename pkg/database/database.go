package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tontinex/relance/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

func Connect(databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func Migrate(db *pgxpool.Pool) error {
	ctx := context.Background()

	migrations := []string{
		// Platform users (referrers and referred users alike)
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			username VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL DEFAULT '',
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			phone VARCHAR(50),
			country VARCHAR(2) NOT NULL DEFAULT 'CM',
			language VARCHAR(5) NOT NULL DEFAULT 'fr',
			subscribed BOOLEAN DEFAULT FALSE,
			is_active BOOLEAN DEFAULT TRUE,
			registered_at TIMESTAMPTZ DEFAULT NOW(),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		// Referral graph edges
		`CREATE TABLE IF NOT EXISTS referrals (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			referrer_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			referral_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			paid BOOLEAN DEFAULT FALSE,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(referrer_user_id, referral_user_id)
		)`,

		// WhatsApp sessions, one per referrer
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			referrer_user_id UUID UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			whatsapp_status VARCHAR(50) DEFAULT 'disconnected',
			whatsapp_jid VARCHAR(255),
			connection_failure_count INT DEFAULT 0,
			last_qr_scan_at TIMESTAMPTZ,
			last_connection_check TIMESTAMPTZ,
			messages_sent_today INT DEFAULT 0,
			last_reset_date VARCHAR(10) DEFAULT '',
			max_messages_per_day INT DEFAULT 50,
			enrollment_paused BOOLEAN DEFAULT FALSE,
			sending_paused BOOLEAN DEFAULT FALSE,
			default_campaign_paused BOOLEAN DEFAULT FALSE,
			allow_simultaneous_campaigns BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		// Campaigns: the default loop plus user-defined filtered campaigns
		`CREATE TABLE IF NOT EXISTS campaigns (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			referrer_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			type VARCHAR(20) NOT NULL DEFAULT 'filtered',
			status VARCHAR(50) DEFAULT 'draft',
			target_filter JSONB,
			targets_enrolled INT DEFAULT 0,
			targets_completed INT DEFAULT 0,
			targets_exited INT DEFAULT 0,
			messages_sent INT DEFAULT 0,
			messages_delivered INT DEFAULT 0,
			messages_failed INT DEFAULT 0,
			max_messages_per_day INT DEFAULT 0,
			max_targets INT DEFAULT 0,
			scheduled_start_at TIMESTAMPTZ,
			actual_start_at TIMESTAMPTZ,
			actual_end_at TIMESTAMPTZ,
			run_after_campaign_id UUID REFERENCES campaigns(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		// Per-day message overrides (fr+en required before they apply)
		`CREATE TABLE IF NOT EXISTS campaign_day_messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			campaign_id UUID NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			day INT NOT NULL CHECK (day BETWEEN 1 AND 7),
			body_fr TEXT NOT NULL DEFAULT '',
			body_en TEXT NOT NULL DEFAULT '',
			media_url TEXT,
			UNIQUE(campaign_id, day)
		)`,

		// Enrolled targets, one per (campaign, referral)
		`CREATE TABLE IF NOT EXISTS targets (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			campaign_id UUID NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			referrer_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			referral_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL DEFAULT '',
			phone VARCHAR(50) NOT NULL DEFAULT '',
			language VARCHAR(5) NOT NULL DEFAULT 'fr',
			current_day INT NOT NULL DEFAULT 1 CHECK (current_day BETWEEN 1 AND 7),
			entered_loop_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			next_message_due TIMESTAMPTZ,
			last_message_sent_at TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			exit_reason VARCHAR(50),
			exited_loop_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(campaign_id, referral_user_id)
		)`,

		// One send attempt per (target, day); the conflict key makes
		// day advancement idempotent within a cycle.
		`CREATE TABLE IF NOT EXISTS message_deliveries (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			target_id UUID NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			day INT NOT NULL CHECK (day BETWEEN 1 AND 7),
			sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			status VARCHAR(20) NOT NULL,
			error_message TEXT,
			UNIQUE(target_id, day)
		)`,

		// Indexes for scheduler selection paths
		`CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_referral ON referrals(referral_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_referrer ON campaigns(referrer_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_campaign ON targets(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_referrer ON targets(referrer_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_due ON targets(status, next_message_due)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_target ON message_deliveries(target_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}

func SeedAdmin(db *pgxpool.Pool, cfg *config.Config) error {
	ctx := context.Background()

	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = $1", cfg.AdminUser).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check admin existence: %w", err)
	}
	if count > 0 {
		return nil
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO users (username, password_hash, display_name, subscribed, is_active)
		VALUES ($1, $2, 'Administrateur', TRUE, TRUE)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
	`, cfg.AdminUser, string(hashedPassword))
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	return nil
}

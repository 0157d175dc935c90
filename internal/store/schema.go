package store

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		campaign_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		message_text TEXT,
		interval_seconds INT,
		is_active TINYINT(1) NOT NULL DEFAULT 0,
		last_run_at DATETIME(3),
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		KEY idx_campaigns_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS telegram_accounts (
		account_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		phone_number VARCHAR(32) NOT NULL,
		session_material BLOB,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		is_flood_wait TINYINT(1) NOT NULL DEFAULT 0,
		flood_wait_until DATETIME(3),
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_accounts_phone (phone_number),
		KEY idx_accounts_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS target_groups (
		user_id VARCHAR(64) NOT NULL,
		group_id VARCHAR(32) NOT NULL,
		title VARCHAR(255) NOT NULL DEFAULT '',
		kind VARCHAR(16) NOT NULL,
		access_hash BIGINT NOT NULL DEFAULT 0,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (user_id, group_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS broadcast_attempts (
		attempt_id VARCHAR(64) PRIMARY KEY,
		campaign_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		target_group_id VARCHAR(32) NOT NULL,
		assigned_account_id VARCHAR(64) NOT NULL,
		sequence INT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		next_attempt_at DATETIME(3),
		started_at DATETIME(3),
		sent_at DATETIME(3),
		terminal_reason_code VARCHAR(64),
		last_error TEXT,
		idempotency_key VARCHAR(128) NOT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		UNIQUE KEY uq_attempts_campaign_target (campaign_id, target_group_id),
		UNIQUE KEY uq_attempts_idempotency (idempotency_key),
		KEY idx_attempts_user_campaign_status (user_id, campaign_id, status),
		KEY idx_attempts_campaign_sequence (campaign_id, sequence)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE INDEX idx_attempts_claim
		ON broadcast_attempts (user_id, campaign_id, assigned_account_id, status, next_attempt_at)`,
}

// Migrate applies the schema idempotently on startup. CREATE INDEX has no IF
// NOT EXISTS on MySQL, so a duplicate-name error on re-run is tolerated.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

const (
	stmtGetCampaign       = "getCampaign"
	stmtUserCampaign      = "userCampaign"
	stmtDueCampaigns      = "dueCampaigns"
	stmtUpdateLastRunAt   = "updateCampaignLastRunAt"
	stmtUpsertCampaign    = "upsertCampaign"
	stmtSetCampaignConfig = "setCampaignConfig"
)

// GetCampaign loads one campaign by id. Returns nil, nil when not found.
func (d *DB) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	stmt, err := d.prepared(ctx, stmtGetCampaign, `
		SELECT campaign_id, user_id, message_text, interval_seconds, is_active, last_run_at
		FROM campaigns
		WHERE campaign_id = ?`)
	if err != nil {
		return nil, err
	}

	var c Campaign
	var lastRunAt sql.NullTime
	err = stmt.QueryRowContext(ctx, campaignID).Scan(
		&c.CampaignID, &c.UserID, &c.MessageText, &c.IntervalSeconds, &c.IsActive, &lastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get campaign")
	}
	if lastRunAt.Valid {
		c.LastRunAt = &lastRunAt.Time
	}
	return &c, nil
}

// UserCampaign loads the campaign owned by userID, the config surface the UI
// collaborator reads. Returns nil, nil when the user has none yet.
func (d *DB) UserCampaign(ctx context.Context, userID string) (*Campaign, error) {
	stmt, err := d.prepared(ctx, stmtUserCampaign, `
		SELECT campaign_id, user_id, message_text, interval_seconds, is_active, last_run_at
		FROM campaigns
		WHERE user_id = ?
		LIMIT 1`)
	if err != nil {
		return nil, err
	}

	var c Campaign
	var lastRunAt sql.NullTime
	err = stmt.QueryRowContext(ctx, userID).Scan(
		&c.CampaignID, &c.UserID, &c.MessageText, &c.IntervalSeconds, &c.IsActive, &lastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user campaign")
	}
	if lastRunAt.Valid {
		c.LastRunAt = &lastRunAt.Time
	}
	return &c, nil
}

// UpsertCampaign creates or replaces a campaign row; last_run_at is
// preserved on update so an edit does not reset the schedule.
func (d *DB) UpsertCampaign(ctx context.Context, c Campaign) error {
	stmt, err := d.prepared(ctx, stmtUpsertCampaign, `
		INSERT INTO campaigns (campaign_id, user_id, message_text, interval_seconds, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE message_text = VALUES(message_text),
			interval_seconds = VALUES(interval_seconds), is_active = VALUES(is_active)`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, c.CampaignID, c.UserID, c.MessageText, c.IntervalSeconds, c.IsActive); err != nil {
		return errors.Wrap(err, "upsert campaign")
	}
	return nil
}

// SetCampaignConfig updates the user-tunable knobs of an existing campaign.
// Nil fields are left unchanged. Interval changes take effect on the next
// scheduler tick.
func (d *DB) SetCampaignConfig(ctx context.Context, campaignID string, message *string, intervalSeconds *int, isActive *bool) error {
	stmt, err := d.prepared(ctx, stmtSetCampaignConfig, `
		UPDATE campaigns
		SET message_text = COALESCE(?, message_text),
		    interval_seconds = COALESCE(?, interval_seconds),
		    is_active = COALESCE(?, is_active)
		WHERE campaign_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, message, intervalSeconds, isActive, campaignID); err != nil {
		return errors.Wrap(err, "set campaign config")
	}
	return nil
}

// DueCampaigns returns campaigns eligible for scheduling, ordered by
// last_run_at ascending (NULLs first): active, with a message and interval
// set, and at least one active telegram account for the owning user.
func (d *DB) DueCampaigns(ctx context.Context, limit int) ([]Campaign, error) {
	stmt, err := d.prepared(ctx, stmtDueCampaigns, `
		SELECT c.campaign_id, c.user_id, c.message_text, c.interval_seconds, c.is_active, c.last_run_at
		FROM campaigns c
		WHERE c.is_active = 1
		  AND c.message_text IS NOT NULL AND c.message_text <> ''
		  AND c.interval_seconds IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM telegram_accounts a
		      WHERE a.user_id = c.user_id AND a.is_active = 1
		  )
		ORDER BY (c.last_run_at IS NULL) DESC, c.last_run_at ASC
		LIMIT ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due campaigns")
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var lastRunAt sql.NullTime
		if err := rows.Scan(&c.CampaignID, &c.UserID, &c.MessageText, &c.IntervalSeconds, &c.IsActive, &lastRunAt); err != nil {
			return nil, errors.Wrap(err, "scan due campaign")
		}
		if lastRunAt.Valid {
			c.LastRunAt = &lastRunAt.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate due campaigns")
	}
	return out, nil
}

// UpdateLastRunAt stamps last_run_at = at after a successful scheduler
// enqueue, so the same (campaign, slot) is not re-emitted on a later tick.
func (d *DB) UpdateLastRunAt(ctx context.Context, campaignID string, at time.Time) error {
	stmt, err := d.prepared(ctx, stmtUpdateLastRunAt, `
		UPDATE campaigns SET last_run_at = ? WHERE campaign_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, at, campaignID); err != nil {
		return errors.Wrap(err, "update campaign last_run_at")
	}
	return nil
}

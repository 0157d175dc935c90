package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

const (
	stmtRecoverStuckInFlight   = "recoverStuckInFlightAttempts"
	stmtAttemptStatusCounts    = "attemptStatusCounts"
	stmtNextDueInMs            = "attemptNextDueInMs"
	stmtInsertAttempt          = "insertAttempt"
	stmtCandidateAttemptID     = "candidateAttemptID"
	stmtClaimAttempt           = "claimAttempt"
	stmtGetAttempt             = "getAttempt"
	stmtRollbackAttemptPending = "rollbackAttemptToPending"
	stmtMarkAttemptSent        = "markAttemptSent"
	stmtMarkAttemptRetriable   = "markAttemptRetriable"
	stmtMarkAttemptTerminal    = "markAttemptTerminal"
	stmtGetTargetGroup         = "getTargetGroupForAttempt"
)

// RolloverCycle brings delivered/terminal attempts for (userID, campaignID)
// back to pending once cycleSeconds have elapsed, starting the next cycle.
func (d *DB) RolloverCycle(ctx context.Context, userID, campaignID string, now time.Time, cycleSeconds int) error {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.Add(-time.Duration(cycleSeconds) * time.Second)

	sentStmt, err := tx.PrepareContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending', retry_count = 0, next_attempt_at = ?, started_at = NULL,
		    sent_at = NULL, terminal_reason_code = NULL, last_error = NULL, updated_at = ?
		WHERE user_id = ? AND campaign_id = ? AND status = 'sent' AND sent_at <= ?`)
	if err != nil {
		return errors.Wrap(err, "prepare rollover sent")
	}
	defer sentStmt.Close()
	if _, err := sentStmt.ExecContext(ctx, now, now, userID, campaignID, cutoff); err != nil {
		return errors.Wrap(err, "rollover sent attempts")
	}

	terminalStmt, err := tx.PrepareContext(ctx, `
		UPDATE broadcast_attempts
		SET status = 'pending', retry_count = 0, next_attempt_at = ?, started_at = NULL,
		    terminal_reason_code = NULL, last_error = NULL, updated_at = ?
		WHERE user_id = ? AND campaign_id = ? AND status = 'failed-terminal' AND updated_at <= ?`)
	if err != nil {
		return errors.Wrap(err, "prepare rollover terminal")
	}
	defer terminalStmt.Close()
	if _, err := terminalStmt.ExecContext(ctx, now, now, userID, campaignID, cutoff); err != nil {
		return errors.Wrap(err, "rollover terminal attempts")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit rollover")
	}
	return nil
}

// RecoverStuckInFlight resets attempts stuck in-flight since before the
// stuckBefore cutoff, the safety net for a worker that crashed mid-send.
func (d *DB) RecoverStuckInFlight(ctx context.Context, userID, campaignID string, now, stuckBefore time.Time) error {
	stmt, err := d.prepared(ctx, stmtRecoverStuckInFlight, `
		UPDATE broadcast_attempts
		SET status = 'pending', next_attempt_at = ?, last_error = 'Recovered stuck in-flight', updated_at = ?
		WHERE user_id = ? AND campaign_id = ? AND status = 'in-flight' AND started_at <= ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, now, now, userID, campaignID, stuckBefore); err != nil {
		return errors.Wrap(err, "recover stuck in-flight attempts")
	}
	return nil
}

// AttemptStatusCounts tallies attempts for (userID, campaignID) by status,
// plus the ready-pending count and minimum future next_attempt_at, used both
// for the seeding skip check and the end-of-run summary.
func (d *DB) AttemptStatusCounts(ctx context.Context, userID, campaignID string, now time.Time) (AttemptStatusCounts, error) {
	stmt, err := d.prepared(ctx, stmtAttemptStatusCounts, `
		SELECT status, COUNT(*) FROM broadcast_attempts
		WHERE user_id = ? AND campaign_id = ?
		GROUP BY status`)
	if err != nil {
		return AttemptStatusCounts{}, err
	}

	rows, err := stmt.QueryContext(ctx, userID, campaignID)
	if err != nil {
		return AttemptStatusCounts{}, errors.Wrap(err, "query attempt status counts")
	}
	var counts AttemptStatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return AttemptStatusCounts{}, errors.Wrap(err, "scan attempt status count")
		}
		switch AttemptStatus(status) {
		case AttemptStatusPending:
			counts.Pending = n
		case AttemptStatusInFlight:
			counts.InFlight = n
		case AttemptStatusSent:
			counts.Sent = n
		case AttemptStatusFailedTerminal:
			counts.FailedTerminal = n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return AttemptStatusCounts{}, errors.Wrap(err, "iterate attempt status counts")
	}
	rows.Close()

	readyStmt, err := d.prepared(ctx, stmtNextDueInMs, `
		SELECT
			SUM(CASE WHEN next_attempt_at IS NULL OR next_attempt_at <= ? THEN 1 ELSE 0 END) AS ready,
			MIN(CASE WHEN next_attempt_at > ? THEN next_attempt_at ELSE NULL END) AS next_due,
			SUM(CASE WHEN terminal_reason_code = 'retriable-rate-limit' THEN 1 ELSE 0 END) AS constrained
		FROM broadcast_attempts
		WHERE user_id = ? AND campaign_id = ? AND status = 'pending'`)
	if err != nil {
		return AttemptStatusCounts{}, err
	}

	var ready sql.NullInt64
	var nextDue sql.NullTime
	var constrained sql.NullInt64
	if err := readyStmt.QueryRowContext(ctx, now, now, userID, campaignID).Scan(&ready, &nextDue, &constrained); err != nil {
		return AttemptStatusCounts{}, errors.Wrap(err, "query ready/next-due pending attempts")
	}
	counts.ReadyPendingCount = int(ready.Int64)
	counts.ProviderConstrained = constrained.Int64 > 0
	if nextDue.Valid {
		ms := nextDue.Time.Sub(now).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		counts.NextDueInMs = &ms
	}
	return counts, nil
}

// SeedAttempts inserts one pending row per target, round-robin assigned
// across accounts, skipping any (campaign, group) idempotency key that
// already exists. Intended to be called only when the cycle has no active
// attempts yet (see the caller's AttemptStatusCounts check).
func (d *DB) SeedAttempts(ctx context.Context, userID, campaignID string, targets []TargetGroup, accounts []TelegramAccount, maxRetries int, now time.Time) error {
	if len(accounts) == 0 {
		return errors.New("seed attempts: no accounts available")
	}

	stmt, err := d.prepared(ctx, stmtInsertAttempt, `
		INSERT IGNORE INTO broadcast_attempts
			(attempt_id, campaign_id, user_id, target_group_id, assigned_account_id, sequence,
			 status, retry_count, max_retries, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	for i, target := range targets {
		account := accounts[i%len(accounts)]
		idempotencyKey := fmt.Sprintf("%s:%s", campaignID, target.GroupID)
		attemptID := uuid.NewString()
		if _, err := stmt.ExecContext(ctx, attemptID, campaignID, userID, target.GroupID,
			account.AccountID, i+1, maxRetries, idempotencyKey, now, now); err != nil {
			return errors.Wrapf(err, "insert attempt for target %s", target.GroupID)
		}
	}
	return nil
}

// ClaimNextAttempt selects one pending attempt for (userID, campaignID,
// accountID) due now or earlier, and atomically transitions it to in-flight.
// If the conditional update loses a race to another lane, the candidate query
// is retried. Returns nil, nil when nothing is due.
func (d *DB) ClaimNextAttempt(ctx context.Context, userID, campaignID, accountID string, now time.Time) (*BroadcastAttempt, error) {
	candidateStmt, err := d.prepared(ctx, stmtCandidateAttemptID, `
		SELECT attempt_id FROM broadcast_attempts
		WHERE user_id = ? AND campaign_id = ? AND assigned_account_id = ? AND status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY sequence ASC, created_at ASC
		LIMIT 1`)
	if err != nil {
		return nil, err
	}
	claimStmt, err := d.prepared(ctx, stmtClaimAttempt, `
		UPDATE broadcast_attempts SET status = 'in-flight', started_at = ?, updated_at = ?
		WHERE attempt_id = ? AND status = 'pending'`)
	if err != nil {
		return nil, err
	}

	for {
		var attemptID string
		err = candidateStmt.QueryRowContext(ctx, userID, campaignID, accountID, now).Scan(&attemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "select candidate attempt")
		}

		result, err := claimStmt.ExecContext(ctx, now, now, attemptID)
		if err != nil {
			return nil, errors.Wrap(err, "claim attempt")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "claim attempt rows affected")
		}
		if affected == 0 {
			// Another lane took the candidate between select and update.
			continue
		}
		return d.GetAttempt(ctx, attemptID)
	}
}

// GetAttempt loads one attempt row by id.
func (d *DB) GetAttempt(ctx context.Context, attemptID string) (*BroadcastAttempt, error) {
	stmt, err := d.prepared(ctx, stmtGetAttempt, `
		SELECT attempt_id, campaign_id, user_id, target_group_id, assigned_account_id, sequence,
		       status, retry_count, max_retries, next_attempt_at, started_at, sent_at,
		       terminal_reason_code, last_error, idempotency_key, created_at, updated_at
		FROM broadcast_attempts WHERE attempt_id = ?`)
	if err != nil {
		return nil, err
	}

	var a BroadcastAttempt
	var status string
	var nextAttemptAt, startedAt, sentAt sql.NullTime
	var terminalReasonCode, lastError sql.NullString
	err = stmt.QueryRowContext(ctx, attemptID).Scan(
		&a.AttemptID, &a.CampaignID, &a.UserID, &a.TargetGroupID, &a.AssignedAccountID, &a.Sequence,
		&status, &a.RetryCount, &a.MaxRetries, &nextAttemptAt, &startedAt, &sentAt,
		&terminalReasonCode, &lastError, &a.IdempotencyKey, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get attempt")
	}
	a.Status = AttemptStatus(status)
	if nextAttemptAt.Valid {
		a.NextAttemptAt = &nextAttemptAt.Time
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if sentAt.Valid {
		a.SentAt = &sentAt.Time
	}
	a.TerminalReasonCode = terminalReasonCode.String
	a.LastError = lastError.String
	return &a, nil
}

// GetTargetGroup loads the target group an attempt is addressed to.
func (d *DB) GetTargetGroup(ctx context.Context, userID, groupID string) (*TargetGroup, error) {
	stmt, err := d.prepared(ctx, stmtGetTargetGroup, `
		SELECT user_id, group_id, title, kind, access_hash, is_active
		FROM target_groups WHERE user_id = ? AND group_id = ?`)
	if err != nil {
		return nil, err
	}

	var g TargetGroup
	err = stmt.QueryRowContext(ctx, userID, groupID).Scan(
		&g.UserID, &g.GroupID, &g.Title, &g.Kind, &g.AccessHash, &g.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get target group")
	}
	return &g, nil
}

// RollbackAttemptToPending is the defensive rollback for an attempt whose
// sent_at survived a prior crash: return it to pending with a deferred
// next_attempt_at instead of re-sending immediately.
func (d *DB) RollbackAttemptToPending(ctx context.Context, attemptID string, nextAttemptAt, now time.Time) error {
	stmt, err := d.prepared(ctx, stmtRollbackAttemptPending, `
		UPDATE broadcast_attempts SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE attempt_id = ? AND status = 'in-flight'`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, nextAttemptAt, now, attemptID); err != nil {
		return errors.Wrap(err, "rollback attempt to pending")
	}
	return nil
}

// MarkAttemptSent records a successful delivery, conditioned on the row
// still being in-flight (it should be, since this lane owns it).
func (d *DB) MarkAttemptSent(ctx context.Context, attemptID string, now time.Time) error {
	stmt, err := d.prepared(ctx, stmtMarkAttemptSent, `
		UPDATE broadcast_attempts
		SET status = 'sent', sent_at = ?, last_error = NULL, terminal_reason_code = NULL, updated_at = ?
		WHERE attempt_id = ? AND status = 'in-flight'`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, now, now, attemptID); err != nil {
		return errors.Wrap(err, "mark attempt sent")
	}
	return nil
}

// MarkAttemptRetriable records a retriable failure, scheduling the next
// attempt at nextAttemptAt.
func (d *DB) MarkAttemptRetriable(ctx context.Context, attemptID string, retryCount int, nextAttemptAt, now time.Time, lastError string) error {
	stmt, err := d.prepared(ctx, stmtMarkAttemptRetriable, `
		UPDATE broadcast_attempts
		SET status = 'pending', retry_count = ?, next_attempt_at = ?,
		    last_error = ?, terminal_reason_code = 'retriable-rate-limit', updated_at = ?
		WHERE attempt_id = ? AND status = 'in-flight'`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, retryCount, nextAttemptAt, lastError, now, attemptID); err != nil {
		return errors.Wrap(err, "mark attempt retriable")
	}
	return nil
}

// MarkAttemptTerminal records a non-retriable failure (including retry
// exhaustion) under reasonCode.
func (d *DB) MarkAttemptTerminal(ctx context.Context, attemptID string, reasonCode, lastError string, now time.Time) error {
	stmt, err := d.prepared(ctx, stmtMarkAttemptTerminal, `
		UPDATE broadcast_attempts
		SET status = 'failed-terminal', terminal_reason_code = ?, last_error = ?, updated_at = ?
		WHERE attempt_id = ? AND status = 'in-flight'`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, reasonCode, lastError, now, attemptID); err != nil {
		return errors.Wrap(err, "mark attempt terminal")
	}
	return nil
}

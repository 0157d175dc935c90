package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

const (
	stmtAvailableAccounts    = "availableAccounts"
	stmtGetAccount           = "getAccount"
	stmtSetAccountFloodWait  = "setAccountFloodWait"
	stmtUpdateAccountSession = "updateAccountSession"
)

// GetAccount loads one telegram account by id. Returns nil, nil when not found.
func (d *DB) GetAccount(ctx context.Context, accountID string) (*TelegramAccount, error) {
	stmt, err := d.prepared(ctx, stmtGetAccount, `
		SELECT account_id, user_id, phone_number, session_material, is_active, is_flood_wait, flood_wait_until
		FROM telegram_accounts
		WHERE account_id = ?`)
	if err != nil {
		return nil, err
	}

	var a TelegramAccount
	var floodWaitUntil sql.NullTime
	err = stmt.QueryRowContext(ctx, accountID).Scan(&a.AccountID, &a.UserID, &a.PhoneNumber,
		&a.SessionMaterial, &a.IsActive, &a.IsFloodWait, &floodWaitUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get telegram account")
	}
	if floodWaitUntil.Valid {
		a.FloodWaitUntil = &floodWaitUntil.Time
	}
	return &a, nil
}

// UpdateAccountSession persists a refreshed MTProto session blob for accountID.
// Called by the client pool whenever gotd rewrites the session.
func (d *DB) UpdateAccountSession(ctx context.Context, accountID string, material []byte) error {
	stmt, err := d.prepared(ctx, stmtUpdateAccountSession, `
		UPDATE telegram_accounts SET session_material = ? WHERE account_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, material, accountID); err != nil {
		return errors.Wrap(err, "update account session")
	}
	return nil
}

// AvailableAccounts returns every account for userID whose is_active flag is
// set, regardless of flood-wait state; callers filter with Available(now).
func (d *DB) AvailableAccounts(ctx context.Context, userID string) ([]TelegramAccount, error) {
	stmt, err := d.prepared(ctx, stmtAvailableAccounts, `
		SELECT account_id, user_id, phone_number, session_material, is_active, is_flood_wait, flood_wait_until
		FROM telegram_accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY account_id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query available accounts")
	}
	defer rows.Close()

	var out []TelegramAccount
	for rows.Next() {
		var a TelegramAccount
		var floodWaitUntil sql.NullTime
		if err := rows.Scan(&a.AccountID, &a.UserID, &a.PhoneNumber, &a.SessionMaterial,
			&a.IsActive, &a.IsFloodWait, &floodWaitUntil); err != nil {
			return nil, errors.Wrap(err, "scan telegram account")
		}
		if floodWaitUntil.Valid {
			a.FloodWaitUntil = &floodWaitUntil.Time
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate telegram accounts")
	}
	return out, nil
}

// SetAccountFloodWait marks accountID as flood-waited until until, recorded
// after a retriable provider error reported a concrete retry_after.
func (d *DB) SetAccountFloodWait(ctx context.Context, accountID string, until time.Time) error {
	stmt, err := d.prepared(ctx, stmtSetAccountFloodWait, `
		UPDATE telegram_accounts SET is_flood_wait = 1, flood_wait_until = ? WHERE account_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, until, accountID); err != nil {
		return errors.Wrap(err, "set account flood wait")
	}
	return nil
}

package store

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

const (
	stmtActiveTargetGroups = "activeTargetGroups"
	stmtUpsertTargetGroup  = "upsertTargetGroup"
	stmtDeactivateTarget   = "deactivateTargetGroup"
	stmtListTargetGroups   = "listTargetGroups"
)

// ActiveTargetGroups returns every active target group for userID, ordered
// by group_id ascending: the stable sort key attempt seeding relies on.
func (d *DB) ActiveTargetGroups(ctx context.Context, userID string) ([]TargetGroup, error) {
	stmt, err := d.prepared(ctx, stmtActiveTargetGroups, `
		SELECT user_id, group_id, title, kind, access_hash, is_active
		FROM target_groups
		WHERE user_id = ? AND is_active = 1
		ORDER BY group_id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query active target groups")
	}
	defer rows.Close()

	var out []TargetGroup
	for rows.Next() {
		var g TargetGroup
		if err := rows.Scan(&g.UserID, &g.GroupID, &g.Title, &g.Kind, &g.AccessHash, &g.IsActive); err != nil {
			return nil, errors.Wrap(err, "scan target group")
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate target groups")
	}
	return out, nil
}

// ListTargetGroups returns every target group for userID regardless of
// activity, for the UI collaborator's listing surface.
func (d *DB) ListTargetGroups(ctx context.Context, userID string) ([]TargetGroup, error) {
	stmt, err := d.prepared(ctx, stmtListTargetGroups, `
		SELECT user_id, group_id, title, kind, access_hash, is_active
		FROM target_groups
		WHERE user_id = ?
		ORDER BY group_id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query target groups")
	}
	defer rows.Close()

	var out []TargetGroup
	for rows.Next() {
		var g TargetGroup
		if err := rows.Scan(&g.UserID, &g.GroupID, &g.Title, &g.Kind, &g.AccessHash, &g.IsActive); err != nil {
			return nil, errors.Wrap(err, "scan target group")
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate target groups")
	}
	return out, nil
}

// UpsertTargetGroup adds a new target group or reactivates/updates an
// existing one for the (user_id, group_id) pair. Supergroup ids are
// normalized to the canonical -100<digits> form before the row is written.
func (d *DB) UpsertTargetGroup(ctx context.Context, g TargetGroup) error {
	g.GroupID = normalizeGroupID(g.Kind, g.GroupID)
	stmt, err := d.prepared(ctx, stmtUpsertTargetGroup, `
		INSERT INTO target_groups (user_id, group_id, title, kind, access_hash, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE title = VALUES(title), kind = VALUES(kind),
			access_hash = VALUES(access_hash), is_active = 1`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, g.UserID, g.GroupID, g.Title, g.Kind, g.AccessHash); err != nil {
		return errors.Wrap(err, "upsert target group")
	}
	return nil
}

// DeactivateTargetGroup marks a target group inactive; campaigns stop
// delivering to it without losing delivery history.
func (d *DB) DeactivateTargetGroup(ctx context.Context, userID, groupID string) error {
	stmt, err := d.prepared(ctx, stmtDeactivateTarget, `
		UPDATE target_groups SET is_active = 0 WHERE user_id = ? AND group_id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, userID, groupID); err != nil {
		return errors.Wrap(err, "deactivate target group")
	}
	return nil
}

// normalizeGroupID forces supergroup ids into the canonical -100<digits>
// form; plain group ids just get the leading minus.
func normalizeGroupID(kind TargetGroupKind, groupID string) string {
	id := strings.TrimSpace(groupID)
	if kind == TargetGroupKindSupergroup {
		if strings.HasPrefix(id, "-100") {
			return id
		}
		return "-100" + strings.TrimLeft(id, "-")
	}
	if strings.HasPrefix(id, "-") {
		return id
	}
	return "-" + id
}

// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Usage log actions
const (
	ActionActivate   = "ACTIVATE"
	ActionExtend     = "EXTEND"
	ActionRevoke     = "REVOKE"
	ActionBan        = "BAN"
	ActionResetHWID  = "RESET_HWID"
	ActionOrderPaid  = "ORDER_PAID"
	ActionTrialIssue = "TRIAL_ISSUE"
)

// UsageLog is an append-only audit record of an action taken against a
// license key. Rows are never updated or deleted except alongside key
// deletion.
type UsageLog struct {
	ID           string          `json:"id"`
	LicenseKeyID int             `json:"license_key_id"`
	Action       string          `json:"action"`
	Actor        string          `json:"actor"`
	Detail       json.RawMessage `json:"detail"`
	CreatedAt    time.Time       `json:"created_at"`
}

type UsageLogStore struct {
	db *sql.DB
}

func NewUsageLogStore(db *sql.DB) *UsageLogStore {
	return &UsageLogStore{db: db}
}

func (s *UsageLogStore) Append(ctx context.Context, keyID int, action, actor string, detail any) error {
	return appendUsageLogIn(ctx, s.db, keyID, action, actor, detail)
}

// AppendTx appends within a caller-owned transaction so lifecycle mutations
// and their audit records commit together.
func (s *UsageLogStore) AppendTx(ctx context.Context, tx *sql.Tx, keyID int, action, actor string, detail any) error {
	return appendUsageLogIn(ctx, tx, keyID, action, actor, detail)
}

func appendUsageLogIn(ctx context.Context, q dbtx, keyID int, action, actor string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		detailJSON = b
	}

	query := `
		INSERT INTO usage_logs (id, license_key_id, action, actor, detail)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query, ulid.Make().String(), keyID, action, actor, string(detailJSON))
	return err
}

func (s *UsageLogStore) ListForKey(ctx context.Context, keyID int) ([]*UsageLog, error) {
	query := `
		SELECT id, license_key_id, action, actor, detail, created_at
		FROM usage_logs
		WHERE license_key_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, keyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		entry := &UsageLog{}
		var detail string
		err := rows.Scan(
			&entry.ID,
			&entry.LicenseKeyID,
			&entry.Action,
			&entry.Actor,
			&detail,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.Detail = json.RawMessage(detail)
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

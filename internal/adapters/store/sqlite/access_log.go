package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/platform/id"
)

// AccessChainHash 计算访问日志链式 hash。校验方必须使用同一公式。
func AccessChainHash(prev, evidenceID, action, userID string, at time.Time) string {
	return hash.Text(prev, evidenceID, action, userID, formatTime(at))
}

// LogAccess 写入一条访问日志（实现审计 sink），按证据维度串成 hash 链以便后续校验。
func (s *Store) LogAccess(ctx context.Context, evidenceID, action, userID string, at time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx access log: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM access_logs
		WHERE evidence_id = ?
		ORDER BY rowid DESC
		LIMIT 1
	`, evidenceID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query previous chain hash: %w", err)
	}
	err = nil

	chain := AccessChainHash(prev, evidenceID, action, userID, at)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO access_logs(
			event_id, evidence_id, action, user_id, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, id.New("acc"), evidenceID, action, userID, formatTime(at), nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit access log: %w", err)
	}
	return nil
}

// ListAccessLogs 返回证据的访问日志（按写入顺序）。
func (s *Store) ListAccessLogs(ctx context.Context, evidenceID string, limit int) ([]model.AccessLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			evidence_id,
			action,
			user_id,
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM access_logs
		WHERE evidence_id = ?
		ORDER BY rowid ASC
		LIMIT ?
	`, evidenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query access logs: %w", err)
	}
	defer rows.Close()

	out := []model.AccessLog{}
	for rows.Next() {
		var item model.AccessLog
		var at string
		if err := rows.Scan(
			&item.EventID,
			&item.EvidenceID,
			&item.Action,
			&item.UserID,
			&at,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		if item.OccurredAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("decode access log %s time: %w", item.EventID, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access logs: %w", err)
	}
	return out, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"

	_ "modernc.org/sqlite"
)

var _ store.Repository = (*Store)(nil)

// Store 封装证据仓储与访问日志在 SQLite 上的读写逻辑。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenDB 打开 SQLite 并执行迁移。单连接 + busy_timeout，避免本地多 goroutine 写入时出现 SQLITE_BUSY。
// path 为 ":memory:" 时使用内存库（测试用）。
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Create 写入证据主记录、已封存的监管链条目与派生物，使用事务保证原子性。
func (s *Store) Create(ctx context.Context, ev *model.Evidence) (err error) {
	hashesJSON, err := json.Marshal(ev.Hashes)
	if err != nil {
		return fmt.Errorf("marshal hashes: %w", err)
	}
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create evidence: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, case_id, case_number, original_file_name, size_bytes, evidence_type,
			classification, status, hashes_json, storage_path, ingested_at, signature,
			metadata_json, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		nullIfEmpty(ev.CaseID),
		nullIfEmpty(ev.CaseNumber),
		ev.OriginalFileName,
		ev.SizeBytes,
		string(ev.Type),
		ev.Classification,
		string(ev.Status),
		string(hashesJSON),
		ev.StoragePath,
		formatTime(ev.IngestedAt),
		ev.Signature,
		string(metaJSON),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert evidence %s: %w", ev.ID, model.ErrConflict)
		}
		return fmt.Errorf("insert evidence: %w", err)
	}

	for _, e := range ev.ChainOfCustody {
		if err = insertEntry(ctx, tx, ev.ID, e); err != nil {
			return err
		}
	}
	for _, p := range ev.ProcessedVersions {
		if err = insertProcessed(ctx, tx, ev.ID, p); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create evidence: %w", err)
	}
	return nil
}

// Get 返回证据完整记录，监管链按 seq 升序。
func (s *Store) Get(ctx context.Context, id string) (*model.Evidence, error) {
	var (
		ev                   model.Evidence
		caseID, caseNumber   sql.NullString
		evType, status       string
		hashesJSON, metaJSON string
		ingestedAt           string
		integrityValid       sql.NullInt64
		integrityCheckedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			evidence_id, case_id, case_number, original_file_name, size_bytes, evidence_type,
			classification, status, hashes_json, storage_path, ingested_at, signature,
			metadata_json, integrity_valid, integrity_checked_at
		FROM evidence
		WHERE evidence_id = ?
		LIMIT 1
	`, id).Scan(
		&ev.ID, &caseID, &caseNumber, &ev.OriginalFileName, &ev.SizeBytes, &evType,
		&ev.Classification, &status, &hashesJSON, &ev.StoragePath, &ingestedAt, &ev.Signature,
		&metaJSON, &integrityValid, &integrityCheckedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("query evidence %s: %w", id, err)
	}

	ev.CaseID = caseID.String
	ev.CaseNumber = caseNumber.String
	ev.Type = model.EvidenceType(evType)
	ev.Status = model.Status(status)
	if err := json.Unmarshal([]byte(hashesJSON), &ev.Hashes); err != nil {
		return nil, fmt.Errorf("decode hashes of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	if ev.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return nil, fmt.Errorf("decode ingested_at of %s: %w", id, err)
	}
	if integrityValid.Valid {
		v := integrityValid.Int64 == 1
		ev.IntegrityValid = &v
	}
	if integrityCheckedAt.Valid {
		at, err := parseTime(integrityCheckedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode integrity_checked_at of %s: %w", id, err)
		}
		ev.IntegrityCheckedAt = &at
	}

	if ev.ChainOfCustody, err = s.listEntries(ctx, id); err != nil {
		return nil, err
	}
	if ev.ProcessedVersions, err = s.listProcessed(ctx, id); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) listEntries(ctx context.Context, evidenceID string) ([]model.ChainOfCustodyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, seq, occurred_at, action, actor, details, prev_hash, entry_hash
		FROM custody_entries
		WHERE evidence_id = ?
		ORDER BY seq ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody entries: %w", err)
	}
	defer rows.Close()

	out := []model.ChainOfCustodyEntry{}
	for rows.Next() {
		var e model.ChainOfCustodyEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Sequence, &ts, &e.Action, &e.Actor, &e.Details, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan custody entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("decode custody entry %s timestamp: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody entries: %w", err)
	}
	return out, nil
}

func (s *Store) listProcessed(ctx context.Context, evidenceID string) ([]model.ProcessedEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			processed_id, processing_type, processed_hash, storage_path, size_bytes,
			success, COALESCE(error_message, ''), duration_ns, created_at
		FROM processed_evidence
		WHERE evidence_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query processed evidence: %w", err)
	}
	defer rows.Close()

	out := []model.ProcessedEvidence{}
	for rows.Next() {
		var (
			p        model.ProcessedEvidence
			success  int
			duration int64
			created  string
		)
		if err := rows.Scan(&p.ID, &p.ProcessingType, &p.ProcessedHash, &p.StoragePath, &p.SizeBytes,
			&success, &p.ErrorMessage, &duration, &created); err != nil {
			return nil, fmt.Errorf("scan processed evidence: %w", err)
		}
		p.OriginalEvidenceID = evidenceID
		p.Success = success == 1
		p.Duration = time.Duration(duration)
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("decode processed %s created_at: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed evidence: %w", err)
	}
	return out, nil
}

// List 返回证据列表视图（按入库时间倒序）。
func (s *Store) List(ctx context.Context, filter model.EvidenceFilter) ([]model.EvidenceSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 5000 {
		limit = 5000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.CaseID != "" {
		where = append(where, "e.case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			e.evidence_id,
			COALESCE(e.case_id, ''),
			COALESCE(e.case_number, ''),
			e.original_file_name,
			e.evidence_type,
			e.classification,
			e.status,
			e.size_bytes,
			e.hashes_json,
			e.ingested_at,
			(SELECT COUNT(1) FROM custody_entries c WHERE c.evidence_id = e.evidence_id),
			(SELECT COUNT(1) FROM processed_evidence p WHERE p.evidence_id = e.evidence_id)
		FROM evidence e
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY e.ingested_at DESC, e.evidence_id DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence list: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceSummary{}
	for rows.Next() {
		var (
			item               model.EvidenceSummary
			evType, status     string
			hashesJSON, ingest string
		)
		if err := rows.Scan(&item.ID, &item.CaseID, &item.CaseNumber, &item.OriginalFileName, &evType,
			&item.Classification, &status, &item.SizeBytes, &hashesJSON, &ingest,
			&item.ChainLength, &item.ProcessedCount); err != nil {
			return nil, fmt.Errorf("scan evidence summary: %w", err)
		}
		item.Type = model.EvidenceType(evType)
		item.Status = model.Status(status)
		var hashes map[string]string
		if err := json.Unmarshal([]byte(hashesJSON), &hashes); err == nil {
			item.SHA256 = hashes[model.PrimaryHashAlgorithm]
		}
		if item.IngestedAt, err = parseTime(ingest); err != nil {
			return nil, fmt.Errorf("decode ingested_at of %s: %w", item.ID, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence list: %w", err)
	}
	return out, nil
}

// AppendCustody 追加一条监管链条目。
func (s *Store) AppendCustody(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx append custody: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = currentStatus(ctx, tx, evidenceID); err != nil {
		return err
	}
	if err = checkNextSeq(ctx, tx, evidenceID, entry.Sequence); err != nil {
		return err
	}
	if err = insertEntry(ctx, tx, evidenceID, entry); err != nil {
		return err
	}
	if err = touch(ctx, tx, evidenceID); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append custody: %w", err)
	}
	return nil
}

// RecordProcessing 写入派生物 + 监管链条目 + 状态。
func (s *Store) RecordProcessing(ctx context.Context, evidenceID string, p model.ProcessedEvidence, entry model.ChainOfCustodyEntry, status model.Status) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx record processing: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = currentStatus(ctx, tx, evidenceID); err != nil {
		return err
	}
	if err = checkNextSeq(ctx, tx, evidenceID, entry.Sequence); err != nil {
		return err
	}
	if err = insertProcessed(ctx, tx, evidenceID, p); err != nil {
		return err
	}
	if err = insertEntry(ctx, tx, evidenceID, entry); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE evidence SET status = ?, updated_at = ? WHERE evidence_id = ?
	`, string(status), time.Now().Unix(), evidenceID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit record processing: %w", err)
	}
	return nil
}

// Transition 追加监管链条目并以 CAS 方式推进状态。
func (s *Store) Transition(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry, from, to model.Status) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := currentStatus(ctx, tx, evidenceID)
	if err != nil {
		return err
	}
	if cur != from {
		return fmt.Errorf("%w: status of %s is %s, expected %s", model.ErrConflict, evidenceID, cur, from)
	}
	if err = checkNextSeq(ctx, tx, evidenceID, entry.Sequence); err != nil {
		return err
	}
	if err = insertEntry(ctx, tx, evidenceID, entry); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE evidence SET status = ?, updated_at = ? WHERE evidence_id = ?
	`, string(to), time.Now().Unix(), evidenceID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// SetIntegrity 缓存最近一次完整性校验结果。
func (s *Store) SetIntegrity(ctx context.Context, evidenceID string, valid bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence
		SET integrity_valid = ?, integrity_checked_at = ?, updated_at = ?
		WHERE evidence_id = ?
	`, boolToInt(valid), formatTime(at), time.Now().Unix(), evidenceID)
	if err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update integrity rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, evidenceID)
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, evidenceID string) (model.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM evidence WHERE evidence_id = ?`, evidenceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", model.ErrNotFound, evidenceID)
		}
		return "", fmt.Errorf("query status: %w", err)
	}
	return model.Status(status), nil
}

// checkNextSeq 保证新条目紧接在当前链尾之后，拒绝分叉与空洞。
func checkNextSeq(ctx context.Context, tx *sql.Tx, evidenceID string, seq int) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM custody_entries WHERE evidence_id = ?`, evidenceID).Scan(&n); err != nil {
		return fmt.Errorf("count custody entries: %w", err)
	}
	if seq != n {
		return fmt.Errorf("%w: custody sequence %d for %s, chain length is %d", model.ErrConflict, seq, evidenceID, n)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, evidenceID string, e model.ChainOfCustodyEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_entries(
			entry_id, evidence_id, seq, occurred_at, action, actor, details, prev_hash, entry_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, evidenceID, e.Sequence, formatTime(e.Timestamp), e.Action, e.Actor, e.Details, e.PreviousHash, e.Hash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert custody entry %d: %w", e.Sequence, model.ErrConflict)
		}
		return fmt.Errorf("insert custody entry: %w", err)
	}
	return nil
}

func insertProcessed(ctx context.Context, tx *sql.Tx, evidenceID string, p model.ProcessedEvidence) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_evidence(
			processed_id, evidence_id, processing_type, processed_hash, storage_path,
			size_bytes, success, error_message, duration_ns, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, evidenceID, p.ProcessingType, p.ProcessedHash, p.StoragePath,
		p.SizeBytes, boolToInt(p.Success), nullIfEmpty(p.ErrorMessage), int64(p.Duration), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert processed evidence: %w", err)
	}
	return nil
}

func touch(ctx context.Context, tx *sql.Tx, evidenceID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE evidence SET updated_at = ? WHERE evidence_id = ?`, time.Now().Unix(), evidenceID); err != nil {
		return fmt.Errorf("touch evidence: %w", err)
	}
	return nil
}

// timeLayout 是定宽的 RFC3339 纳秒格式：小数位不省略尾零，文本序即时间序，
// ORDER BY ingested_at / created_at 因此可以直接按字符串比较。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// 时间统一以 UTC 定宽文本落库，读回后与写入值逐纳秒一致（监管链 hash 依赖这一点）。
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

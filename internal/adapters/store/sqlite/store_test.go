package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"evidence-custody/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := OpenDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), db
}

func sampleEvidence(id string) *model.Evidence {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	return &model.Evidence{
		ID:               id,
		CaseID:           "case_1",
		CaseNumber:       "CN-001",
		OriginalFileName: "photo.jpg",
		SizeBytes:        42,
		Type:             model.TypeImage,
		Classification:   "UNCLASSIFIED",
		Status:           model.StatusIngested,
		Hashes:           map[string]string{"SHA-256": "aa", "MD5": "bb"},
		StoragePath:      "/tmp/" + id + ".evidence",
		IngestedAt:       ts,
		Signature:        "sig",
		Metadata: model.EvidenceMetadata{
			CollectedBy:  "officer",
			CustomFields: map[string]string{"bag": "B-7"},
		},
		ChainOfCustody: []model.ChainOfCustodyEntry{{
			ID:           "coc_" + id + "_0",
			Sequence:     0,
			Timestamp:    ts,
			Action:       model.ActionIngested,
			Actor:        "officer",
			Details:      "genesis",
			PreviousHash: "aa",
			Hash:         "h0",
		}},
	}
}

func entry(id string, seq int, prev string) model.ChainOfCustodyEntry {
	return model.ChainOfCustodyEntry{
		ID:           fmt.Sprintf("coc_%s_%d", id, seq),
		Sequence:     seq,
		Timestamp:    time.Now().UTC(),
		Action:       model.ActionNote,
		Actor:        "analyst",
		Details:      "note",
		PreviousHash: prev,
		Hash:         fmt.Sprintf("h%d", seq),
	}
}

func TestMigratorIsIdempotent(t *testing.T) {
	_, db := newTestStore(t)
	m := NewMigrator(db)

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ran)

	applied, err := m.Applied(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, applied)
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ev := sampleEvidence("ev_1")
	require.NoError(t, s.Create(ctx, ev))

	got, err := s.Get(ctx, "ev_1")
	require.NoError(t, err)
	assert.Equal(t, ev.Hashes, got.Hashes)
	assert.Equal(t, ev.Metadata.CustomFields, got.Metadata.CustomFields)
	assert.True(t, ev.IngestedAt.Equal(got.IngestedAt))
	require.Len(t, got.ChainOfCustody, 1)
	// 纳秒精度必须保留，否则监管链 hash 无法复算。
	assert.Equal(t, ev.ChainOfCustody[0].Timestamp.Format(time.RFC3339Nano), got.ChainOfCustody[0].Timestamp.Format(time.RFC3339Nano))
	assert.Empty(t, got.ProcessedVersions)
	assert.Nil(t, got.IntegrityValid)

	err = s.Create(ctx, ev)
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestAppendCustodyEnforcesSequence(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, sampleEvidence("ev_1")))

	require.NoError(t, s.AppendCustody(ctx, "ev_1", entry("ev_1", 1, "h0")))
	// 同一 seq 再次写入视为并发分叉。
	err := s.AppendCustody(ctx, "ev_1", entry("ev_1x", 1, "h0"))
	require.ErrorIs(t, err, model.ErrConflict)
	// 跳号同样拒绝。
	err = s.AppendCustody(ctx, "ev_1", entry("ev_1", 5, "h1"))
	require.ErrorIs(t, err, model.ErrConflict)

	err = s.AppendCustody(ctx, "missing", entry("missing", 0, "x"))
	require.ErrorIs(t, err, model.ErrNotFound)

	got, err := s.Get(ctx, "ev_1")
	require.NoError(t, err)
	require.Len(t, got.ChainOfCustody, 2)
	assert.Equal(t, "h0", got.ChainOfCustody[1].PreviousHash)
}

func TestCustodyEntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	require.NoError(t, s.Create(ctx, sampleEvidence("ev_1")))

	_, err := db.ExecContext(ctx, `UPDATE custody_entries SET details = 'x'`)
	require.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM custody_entries`)
	require.Error(t, err)
}

func TestRecordProcessingAndTransition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, sampleEvidence("ev_1")))

	p := model.ProcessedEvidence{
		ID:                 "proc_1",
		OriginalEvidenceID: "ev_1",
		ProcessingType:     "OCR",
		ProcessedHash:      "cc",
		StoragePath:        "/tmp/Processed/proc_1_photo.jpg",
		SizeBytes:          10,
		Success:            true,
		Duration:           1500 * time.Millisecond,
		CreatedAt:          time.Now().UTC(),
	}
	e1 := entry("ev_1", 1, "h0")
	e1.Action = model.ProcessedAction("OCR")
	require.NoError(t, s.RecordProcessing(ctx, "ev_1", p, e1, model.StatusAnalyzed))

	got, err := s.Get(ctx, "ev_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, got.Status)
	require.Len(t, got.ProcessedVersions, 1)
	assert.Equal(t, p.Duration, got.ProcessedVersions[0].Duration)
	assert.Equal(t, "ev_1", got.ProcessedVersions[0].OriginalEvidenceID)

	e2 := entry("ev_1", 2, "h1")
	err = s.Transition(ctx, "ev_1", e2, model.StatusIngested, model.StatusArchived)
	require.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.Transition(ctx, "ev_1", e2, model.StatusAnalyzed, model.StatusArchived))
	got, err = s.Get(ctx, "ev_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)
	assert.Len(t, got.ChainOfCustody, 3)
}

func TestSetIntegrityAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Create(ctx, sampleEvidence("ev_1")))
	other := sampleEvidence("ev_2")
	other.CaseID = "case_2"
	require.NoError(t, s.Create(ctx, other))

	at := time.Now().UTC()
	require.NoError(t, s.SetIntegrity(ctx, "ev_1", false, at))
	require.ErrorIs(t, s.SetIntegrity(ctx, "nope", true, at), model.ErrNotFound)

	got, err := s.Get(ctx, "ev_1")
	require.NoError(t, err)
	require.NotNil(t, got.IntegrityValid)
	assert.False(t, *got.IntegrityValid)

	all, err := s.List(ctx, model.EvidenceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byCase, err := s.List(ctx, model.EvidenceFilter{CaseID: "case_2"})
	require.NoError(t, err)
	require.Len(t, byCase, 1)
	assert.Equal(t, "ev_2", byCase[0].ID)
	assert.Equal(t, "aa", byCase[0].SHA256)
	assert.Equal(t, 1, byCase[0].ChainLength)

	none, err := s.List(ctx, model.EvidenceFilter{Status: model.StatusArchived})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAccessLogChain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.LogAccess(ctx, "ev_1", "INGEST", "u1", t0))
	require.NoError(t, s.LogAccess(ctx, "ev_1", "EXPORT", "u2", t0.Add(time.Second)))
	require.NoError(t, s.LogAccess(ctx, "ev_2", "VERIFY", "u1", t0))

	logs, err := s.ListAccessLogs(ctx, "ev_1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Empty(t, logs[0].ChainPrevHash)
	assert.Equal(t, logs[0].ChainHash, logs[1].ChainPrevHash)
	assert.Equal(t, AccessChainHash(logs[0].ChainHash, "ev_1", "EXPORT", "u2", t0.Add(time.Second)), logs[1].ChainHash)
}

func TestListOrdersByIngestTimeWithSubSecondPrecision(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	older := sampleEvidence("ev_older")
	older.IngestedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	newer := sampleEvidence("ev_newer")
	newer.IngestedAt = time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)
	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.Create(ctx, newer))

	rows, err := s.List(ctx, model.EvidenceFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ev_newer", rows[0].ID)
	assert.Equal(t, "ev_older", rows[1].ID)

	got, err := s.Get(ctx, "ev_newer")
	require.NoError(t, err)
	assert.True(t, newer.IngestedAt.Equal(got.IngestedAt))
}

func TestFormatTimeIsFixedWidth(t *testing.T) {
	whole := formatTime(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	half := formatTime(time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC))
	assert.Equal(t, "2024-05-01T10:00:00.000000000Z", whole)
	assert.Len(t, half, len(whole))
	assert.Less(t, whole, half)

	local := time.Date(2024, 5, 1, 12, 0, 0, 7, time.FixedZone("CEST", 2*3600))
	back, err := parseTime(formatTime(local))
	require.NoError(t, err)
	assert.True(t, local.Equal(back))
	assert.Equal(t, time.UTC, back.Location())
}

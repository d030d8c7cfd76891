package lifecycle

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"testing"

	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store/sqlite"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/ingest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, quarantine bool) (*Manager, *ingest.Gate, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.OpenDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewStore(db)

	ledger := custody.New(repo)
	gate := ingest.New(ingest.Options{Repo: repo, Ledger: ledger, Policy: policy.Default(t.TempDir())})
	m := New(Options{Repo: repo, Ledger: ledger, QuarantineOnFailure: quarantine})
	return m, gate, repo
}

func ingestOne(t *testing.T, gate *ingest.Gate) *model.Evidence {
	t.Helper()
	ev, err := gate.Ingest(context.Background(), ingest.Request{Reader: bytes.NewReader([]byte("content")), FileName: "a.txt", Actor: "officer"})
	require.NoError(t, err)
	return ev
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	m, gate, repo := setup(t, true)
	ev := ingestOne(t, gate)

	archived, err := m.Archive(ctx, ev.ID, "supervisor", "case closed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, archived.Status)

	got, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)
	require.Len(t, got.ChainOfCustody, 2)
	assert.Equal(t, model.ActionArchived, got.ChainOfCustody[1].Action)
	assert.Equal(t, "case closed", got.ChainOfCustody[1].Details)
	assert.True(t, custody.Validate(got).OK)

	_, err = m.Archive(ctx, ev.ID, "supervisor", "again")
	require.ErrorIs(t, err, model.ErrArchived)
	_, err = m.Quarantine(ctx, ev.ID, "supervisor", "late")
	require.ErrorIs(t, err, model.ErrArchived)
	_, err = m.Archive(ctx, "missing", "supervisor", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestQuarantineIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	m, gate, repo := setup(t, true)
	ev := ingestOne(t, gate)

	_, err := m.Quarantine(ctx, ev.ID, "officer", "suspicious")
	require.NoError(t, err)
	_, err = m.Quarantine(ctx, ev.ID, "officer", "again")
	require.NoError(t, err)

	got, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQuarantined, got.Status)
	assert.Len(t, got.ChainOfCustody, 2)

	_, err = m.Archive(ctx, ev.ID, "officer", "")
	require.ErrorIs(t, err, model.ErrQuarantined)
}

func TestCheckIntegrityCachesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	m, gate, repo := setup(t, true)
	ev := ingestOne(t, gate)

	ok, err := m.CheckIntegrity(ctx, ev.ID, "auditor")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IntegrityValid)
	assert.True(t, *got.IntegrityValid)
	assert.Equal(t, model.StatusIngested, got.Status)

	require.NoError(t, os.WriteFile(ev.StoragePath, []byte("CONTENT"), 0o644))
	ok, err = m.CheckIntegrity(ctx, ev.ID, "auditor")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, *got.IntegrityValid)
	assert.Equal(t, model.StatusQuarantined, got.Status)
	assert.Equal(t, model.ActionQuarantined, got.LastEntry().Action)
	assert.True(t, custody.Validate(got).OK)
}

func TestCheckIntegrityWithoutQuarantine(t *testing.T) {
	ctx := context.Background()
	m, gate, repo := setup(t, false)
	ev := ingestOne(t, gate)
	require.NoError(t, os.Remove(ev.StoragePath))

	ok, err := m.CheckIntegrity(ctx, ev.ID, "auditor")
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIngested, got.Status)
}

func TestVerifyBatch(t *testing.T) {
	ctx := context.Background()
	m, gate, repo := setup(t, true)

	var evs []*model.Evidence
	for i := 0; i < 7; i++ {
		evs = append(evs, ingestOne(t, gate))
	}
	require.NoError(t, os.WriteFile(evs[2].StoragePath, []byte("tampered"), 0o644))
	require.NoError(t, os.Remove(evs[5].StoragePath))

	var seen atomic.Int32
	sum, err := m.VerifyBatch(ctx, model.EvidenceFilter{}, 3, "auditor", func(BatchItem) { seen.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 7, sum.Total)
	assert.Equal(t, 5, sum.Valid)
	assert.Equal(t, 2, sum.Invalid)
	assert.Zero(t, sum.Failed)
	assert.False(t, sum.OK())
	assert.EqualValues(t, 7, seen.Load())

	for _, i := range []int{2, 5} {
		got, err := repo.Get(ctx, evs[i].ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQuarantined, got.Status)
	}

	only, err := m.VerifyBatch(ctx, model.EvidenceFilter{Status: model.StatusIngested}, 2, "auditor", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, only.Total)
	assert.True(t, only.OK())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.VerifyBatch(cancelled, model.EvidenceFilter{}, 2, "auditor", nil)
	require.Error(t, err)
}

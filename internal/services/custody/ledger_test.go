package custody

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	}
}

func seeded(t *testing.T, l *Ledger, repo *memory.Store, evID string) *model.Evidence {
	t.Helper()
	ev := &model.Evidence{
		ID:         evID,
		Status:     model.StatusIngested,
		Hashes:     map[string]string{model.PrimaryHashAlgorithm: digest},
		IngestedAt: time.Now().UTC(),
	}
	_, err := l.Seal(ev, model.ActionIngested, "officer", "ingested test.pdf")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), ev))
	return ev
}

func TestComputeHashFormula(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.FixedZone("X", 3600))
	e := model.ChainOfCustodyEntry{
		Timestamp:    ts,
		Action:       "INGESTED",
		Actor:        "alice",
		Details:      " spaced ",
		PreviousHash: digest,
	}
	raw := ts.UTC().Format(time.RFC3339Nano) + "|INGESTED|alice| spaced |" + digest
	sum := sha256.Sum256([]byte(raw))
	assert.Equal(t, hex.EncodeToString(sum[:]), ComputeHash(e))
}

func TestSealGenesis(t *testing.T) {
	repo := memory.New()
	l := New(repo, WithClock(fixedClock()))
	ev := seeded(t, l, repo, "ev_1")

	require.Len(t, ev.ChainOfCustody, 1)
	g := ev.ChainOfCustody[0]
	assert.Equal(t, 0, g.Sequence)
	assert.Equal(t, digest, g.PreviousHash)
	assert.Equal(t, ComputeHash(g), g.Hash)

	_, err := l.Seal(&model.Evidence{ID: "x"}, model.ActionIngested, "a", "")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestAppendLinksEntries(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	l := New(repo, WithClock(fixedClock()))
	seeded(t, l, repo, "ev_1")

	e1, err := l.Append(ctx, "ev_1", model.ActionNote, "bob", "looked at it")
	require.NoError(t, err)
	e2, err := l.Append(ctx, "ev_1", " transferred ", "bob", "handed to lab")
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.Equal(t, "TRANSFERRED", e2.Action)

	ev, res, err := l.ValidateID(ctx, "ev_1")
	require.NoError(t, err)
	assert.Len(t, ev.ChainOfCustody, 3)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, -1, res.FirstDivergence)

	_, err = l.Append(ctx, "missing", model.ActionNote, "bob", "")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, _, err = l.ValidateID(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = l.Append(ctx, "ev_1", "  ", "bob", "")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestAppendRejectsLifecycleActions(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	l := New(repo)
	seeded(t, l, repo, "ev_1")

	for _, action := range []string{model.ActionIngested, "archived", model.ActionQuarantined, model.ProcessedAction("ocr")} {
		_, err := l.Append(ctx, "ev_1", action, "bob", "")
		require.ErrorIs(t, err, model.ErrValidation, action)
	}
	ev, err := repo.Get(ctx, "ev_1")
	require.NoError(t, err)
	assert.Len(t, ev.ChainOfCustody, 1)
}

func TestAppendRejectsArchived(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	l := New(repo)
	ev := seeded(t, l, repo, "ev_1")

	entry := l.Next(ev, model.ActionArchived, "bob", "closed")
	require.NoError(t, repo.Transition(ctx, "ev_1", entry, model.StatusIngested, model.StatusArchived))

	_, err := l.Append(ctx, "ev_1", model.ActionNote, "bob", "late note")
	require.ErrorIs(t, err, model.ErrArchived)
}

func TestConcurrentAppendsKeepChainLinear(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	l := New(repo)
	seeded(t, l, repo, "ev_a")
	seeded(t, l, repo, "ev_b")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, evID := range []string{"ev_a", "ev_b"} {
			wg.Add(1)
			go func(evID string, i int) {
				defer wg.Done()
				_, err := l.Append(ctx, evID, model.ActionNote, "worker", fmt.Sprintf("note %d", i))
				errs <- err
			}(evID, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, evID := range []string{"ev_a", "ev_b"} {
		ev, err := repo.Get(ctx, evID)
		require.NoError(t, err)
		require.Len(t, ev.ChainOfCustody, n+1)
		res := Validate(ev)
		assert.True(t, res.OK, "%s: %+v", evID, res.Failure)
	}
}

func TestValidateDetectsTampering(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	l := New(repo, WithClock(fixedClock()))
	seeded(t, l, repo, "ev_1")
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "ev_1", model.ActionNote, "bob", fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}
	ev, err := repo.Get(ctx, "ev_1")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(ev *model.Evidence)
		index  int
		reason string
	}{
		{"details edited", func(ev *model.Evidence) { ev.ChainOfCustody[2].Details = "forged" }, 2, ReasonHashMismatch},
		{"hash rewritten", func(ev *model.Evidence) {
			ev.ChainOfCustody[3].Details = "forged"
			ev.ChainOfCustody[3].Hash = ComputeHash(ev.ChainOfCustody[3])
		}, 4, ReasonPrevHashMismatch},
		{"entry removed", func(ev *model.Evidence) {
			ev.ChainOfCustody = append(ev.ChainOfCustody[:1], ev.ChainOfCustody[2:]...)
		}, 1, ReasonPrevHashMismatch},
		{"digest changed", func(ev *model.Evidence) { ev.Hashes[model.PrimaryHashAlgorithm] = "00" }, 0, ReasonPrevHashMismatch},
		{"timestamp shifted", func(ev *model.Evidence) {
			ev.ChainOfCustody[1].Timestamp = ev.ChainOfCustody[1].Timestamp.Add(time.Nanosecond)
		}, 1, ReasonHashMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ev.Clone()
			tc.mutate(c)
			res := Validate(c)
			require.False(t, res.OK)
			assert.Equal(t, tc.index, res.FirstDivergence)
			require.NotNil(t, res.Failure)
			assert.Equal(t, tc.reason, res.Failure.Reason)
		})
	}

	assert.True(t, Validate(ev).OK)
}

func TestValidateEmptyChain(t *testing.T) {
	res := Validate(&model.Evidence{Status: model.StatusPending})
	assert.True(t, res.OK)

	res = Validate(&model.Evidence{Status: model.StatusIngested})
	assert.False(t, res.OK)
	assert.Equal(t, 0, res.FirstDivergence)
	assert.Equal(t, ReasonEmptyChain, res.Failure.Reason)
}

package integrity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFile(t *testing.T, repo *memory.Store, content []byte) *model.Evidence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ev_1.evidence")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	set, err := hash.NewSet(hash.SHA256, hash.MD5, hash.BLAKE2b256)
	require.NoError(t, err)
	n, err := set.Write(content)
	require.NoError(t, err)
	sums := set.Sums()
	ev := &model.Evidence{
		ID:               "ev_1",
		OriginalFileName: "report.pdf",
		SizeBytes:        int64(n),
		Status:           model.StatusIngested,
		Hashes:           sums,
		StoragePath:      path,
		IngestedAt:       time.Now().UTC(),
	}
	ev.Signature = hash.Signature(ev.ID, ev.OriginalFileName, ev.SizeBytes, ev.Hashes)
	require.NoError(t, repo.Create(context.Background(), ev))
	return ev
}

func TestVerifyValid(t *testing.T) {
	repo := memory.New()
	ev := storeFile(t, repo, []byte("evidence bytes"))
	v := New(repo, nil, nil)

	ok, err := v.Verify(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := v.Inspect(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.SizeMatches)
	require.Len(t, res.Checks, 3)
	for _, c := range res.Checks {
		assert.True(t, c.Match, c.Algorithm)
	}
	assert.True(t, CheckSignature(ev))
}

func TestVerifyDetectsFlippedByte(t *testing.T) {
	repo := memory.New()
	content := []byte("evidence bytes")
	ev := storeFile(t, repo, content)

	content[3] ^= 0x01
	require.NoError(t, os.WriteFile(ev.StoragePath, content, 0o644))

	ok, err := New(repo, nil, nil).Verify(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMissingFileIsFalse(t *testing.T) {
	repo := memory.New()
	ev := storeFile(t, repo, []byte("evidence bytes"))
	require.NoError(t, os.Remove(ev.StoragePath))

	v := New(repo, nil, nil)
	ok, err := v.Verify(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := v.Inspect(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.FileMissing)
}

func TestVerifyNotFound(t *testing.T) {
	_, err := New(memory.New(), nil, nil).Verify(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerifyCancelled(t *testing.T) {
	repo := memory.New()
	ev := storeFile(t, repo, []byte("evidence bytes"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(repo, nil, nil).Verify(ctx, ev.ID)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckSignatureDetectsEdit(t *testing.T) {
	repo := memory.New()
	ev := storeFile(t, repo, []byte("evidence bytes"))
	ev.OriginalFileName = "renamed.pdf"
	assert.False(t, CheckSignature(ev))
	ev.Signature = ""
	assert.False(t, CheckSignature(ev))
}

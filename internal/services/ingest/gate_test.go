package ingest

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evidence-custody/internal/adapters/audit"
	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/integrity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root   string
	repo   *memory.Store
	policy *policy.Policy
	gate   *Gate
	events []string
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	rows, err := f.repo.List(context.Background(), model.EvidenceFilter{Limit: 1000})
	require.NoError(t, err)
	return len(rows)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), repo: memory.New()}
	f.policy = policy.Default(f.root)
	sink := audit.SinkFunc(func(_ context.Context, evidenceID, action, _ string, _ time.Time) error {
		f.events = append(f.events, action+":"+evidenceID)
		return nil
	})
	f.gate = New(Options{
		Repo:   f.repo,
		Policy: f.policy,
		Audit:  audit.NewGuard(sink, nil, nil),
	})
	return f
}

// countFiles 统计 root 下的普通文件数（含临时文件）。
func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	}))
	return n
}

func TestIngestTenMegabytes(t *testing.T) {
	f := newFixture(t)
	content := make([]byte, 10<<20)
	_, err := rand.Read(content)
	require.NoError(t, err)

	ev, err := f.gate.Ingest(context.Background(), Request{
		Reader:   bytes.NewReader(content),
		FileName: "disk.img",
		Metadata: model.EvidenceMetadata{CaseNumber: "C-1", Classification: "UNCLASSIFIED"},
		Actor:    "officer",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusIngested, ev.Status)
	require.Len(t, ev.ChainOfCustody, 1)
	assert.Equal(t, model.ActionIngested, ev.ChainOfCustody[0].Action)
	assert.Equal(t, int64(len(content)), ev.SizeBytes)
	assert.Equal(t, model.TypeDiskImage, ev.Type)
	assert.Equal(t, filepath.Join(f.root, "UNCLASSIFIED", ev.ID+".evidence"), ev.StoragePath)

	sha := sha256.Sum256(content)
	md := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(sha[:]), ev.Hashes[hash.SHA256])
	assert.Equal(t, hex.EncodeToString(md[:]), ev.Hashes[hash.MD5])
	assert.Equal(t, ev.Hashes[hash.SHA256], ev.ChainOfCustody[0].PreviousHash)
	assert.True(t, integrity.CheckSignature(ev))
	assert.True(t, custody.Validate(ev).OK)

	stored, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Signature, stored.Signature)

	ok, err := integrity.New(f.repo, nil, nil).Verify(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"INGEST:" + ev.ID}, f.events)
	assert.Equal(t, 1, countFiles(t, f.root))
}

func TestIngestRejectsDisallowedExtension(t *testing.T) {
	f := newFixture(t)
	r := &countingReader{r: strings.NewReader("MZ...")}

	_, err := f.gate.Ingest(context.Background(), Request{Reader: r, FileName: "payload.EXE"})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, r.n, "stream must not be read")
	assert.Zero(t, f.count(t))
	assert.Zero(t, countFiles(t, f.root))
	assert.Empty(t, f.events)
}

func TestIngestRejectsOversizeAndCleansUp(t *testing.T) {
	f := newFixture(t)
	f.policy.MaxFileSizeBytes = 1024

	_, err := f.gate.Ingest(context.Background(), Request{
		Reader:   bytes.NewReader(make([]byte, 1025)),
		FileName: "big.bin.txt",
	})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, f.count(t))
	assert.Zero(t, countFiles(t, f.root))

	_, err = f.gate.Ingest(context.Background(), Request{
		Reader:   bytes.NewReader(make([]byte, 10)),
		FileName: "declared.txt",
		Size:     4096,
	})
	require.ErrorIs(t, err, model.ErrValidation)

	ev, err := f.gate.Ingest(context.Background(), Request{
		Reader:   bytes.NewReader(make([]byte, 1024)),
		FileName: "exact.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), ev.SizeBytes)
}

func TestIngestIdenticalContentTwice(t *testing.T) {
	f := newFixture(t)
	content := []byte("same bytes")

	a, err := f.gate.Ingest(context.Background(), Request{Reader: bytes.NewReader(content), FileName: "a.txt"})
	require.NoError(t, err)
	b, err := f.gate.Ingest(context.Background(), Request{Reader: bytes.NewReader(content), FileName: "a.txt"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.StoragePath, b.StoragePath)
	assert.Equal(t, a.PrimaryHash(), b.PrimaryHash())
	assert.NotEqual(t, a.Signature, b.Signature)
	assert.True(t, custody.Validate(a).OK)
	assert.True(t, custody.Validate(b).OK)
	assert.Equal(t, 2, f.count(t))
}

func TestIngestClassificationMapping(t *testing.T) {
	f := newFixture(t)
	f.policy.Classifications["SECRET"] = "vault/secret"

	ev, err := f.gate.Ingest(context.Background(), Request{
		Reader:   strings.NewReader("x"),
		FileName: "note.txt",
		Metadata: model.EvidenceMetadata{Classification: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SECRET", ev.Classification)
	assert.Equal(t, filepath.Join(f.root, "vault", "secret", ev.ID+".evidence"), ev.StoragePath)

	ev, err = f.gate.Ingest(context.Background(), Request{
		Reader:   strings.NewReader("x"),
		FileName: "note.txt",
		Metadata: model.EvidenceMetadata{Classification: "restricted"},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "RESTRICTED", ev.ID+".evidence"), ev.StoragePath)

	_, err = f.gate.Ingest(context.Background(), Request{
		Reader:   strings.NewReader("x"),
		FileName: "note.txt",
		Metadata: model.EvidenceMetadata{Classification: "../etc"},
	})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestIngestRejectsInvalidMetadata(t *testing.T) {
	f := newFixture(t)
	fields := map[string]string{}
	for i := 0; i < model.MaxCustomFields+1; i++ {
		fields[strings.Repeat("k", i+1)] = "v"
	}
	_, err := f.gate.Ingest(context.Background(), Request{
		Reader:   strings.NewReader("x"),
		FileName: "note.txt",
		Metadata: model.EvidenceMetadata{CustomFields: fields},
	})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, countFiles(t, f.root))
}

func TestIngestCancelledMidStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &cancellingReader{cancel: cancel}

	_, err := f.gate.Ingest(ctx, Request{Reader: r, FileName: "stream.log"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.count(t))
	assert.Zero(t, countFiles(t, f.root))
}

func TestIngestRemovesFileWhenPersistFails(t *testing.T) {
	f := newFixture(t)
	f.gate.repo = failingRepo{Store: f.repo}

	_, err := f.gate.Ingest(context.Background(), Request{Reader: strings.NewReader("x"), FileName: "note.txt"})
	require.Error(t, err)
	assert.Zero(t, f.count(t))
	assert.Zero(t, countFiles(t, f.root))
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// cancellingReader 第一次读返回数据并取消 ctx，之后的读取不应再发生。
type cancellingReader struct {
	cancel context.CancelFunc
	reads  int
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	c.reads++
	if c.reads > 1 {
		return 0, errors.New("read after cancel")
	}
	c.cancel()
	return copy(p, "partial content"), nil
}

type failingRepo struct {
	*memory.Store
}

func (failingRepo) Create(context.Context, *model.Evidence) error {
	return errors.New("database is locked")
}

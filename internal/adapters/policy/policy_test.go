package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultPolicy(t *testing.T) {
	p := Default("/data/evidence")
	assert.True(t, p.AllowsExtension("scan.PDF"))
	assert.True(t, p.AllowsExtension("disk.e01"))
	assert.False(t, p.AllowsExtension("payload.exe"))
	assert.False(t, p.AllowsExtension("noext"))
	assert.Equal(t, DefaultMaxFileSize, p.MaxFileSize())
	assert.Equal(t, []string{hash.MD5, hash.SHA256}, p.DigestAlgorithms())
}

func TestClassificationDir(t *testing.T) {
	p := Default("/root")
	p.Classifications = map[string]string{"SECRET": "vault/secret"}

	c, dir, err := p.ClassificationDir("")
	require.NoError(t, err)
	assert.Equal(t, DefaultClassification, c)
	assert.Equal(t, filepath.Join("/root", "UNCLASSIFIED"), dir)

	c, dir, err = p.ClassificationDir("secret")
	require.NoError(t, err)
	assert.Equal(t, "SECRET", c)
	assert.Equal(t, filepath.Join("/root", "vault", "secret"), dir)

	_, dir, err = p.ClassificationDir("Restricted")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/root", "RESTRICTED"), dir)

	_, _, err = p.ClassificationDir("../etc")
	require.True(t, errors.Is(err, model.ErrValidation))
}

func TestClassificationRejectsReservedDirs(t *testing.T) {
	p := Default("/root")
	for _, name := range []string{"PROCESSED", "processed", "Chunks", " CHUNKS "} {
		_, _, err := p.ClassificationDir(name)
		require.ErrorIs(t, err, model.ErrValidation, name)
	}

	c, _, err := p.ClassificationDir("PROCESSED_OCR")
	require.NoError(t, err)
	assert.Equal(t, "PROCESSED_OCR", c)
}

func TestLoaderLoad(t *testing.T) {
	path := writePolicy(t, `
version: "2024-01"
root: /ignored
allowed_extensions: [pdf, ".JPG"]
max_file_size_bytes: 1048576
default_classification: internal
classifications:
  secret: vault/secret
hash_algorithms: ["SHA-1"]
chunk_compression: lz4
`)
	root := t.TempDir()
	loaded, err := NewLoader(path, root).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded.SHA256, 64)

	p := loaded.Policy
	assert.Equal(t, root, p.StorageRoot())
	assert.True(t, p.AllowsExtension("a.jpg"))
	assert.False(t, p.AllowsExtension("a.png"))
	assert.EqualValues(t, 1048576, p.MaxFileSize())
	assert.Equal(t, "vault/secret", p.Classifications["SECRET"])
	assert.Equal(t, []string{hash.MD5, hash.SHA1, hash.SHA256}, p.DigestAlgorithms())

	c, _, err := p.ClassificationDir("")
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL", c)
}

func TestLoaderRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing version":  "allowed_extensions: [pdf]\nmax_file_size_bytes: 10\n",
		"escape root":      "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\nclassifications:\n  secret: ../../etc\n",
		"bad algorithm":    "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\nhash_algorithms: [CRC32]\n",
		"bad compression":  "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\nchunk_compression: brotli\n",
		"reserved name":    "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\nclassifications:\n  processed: vault\n",
		"reserved target":  "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\nclassifications:\n  secret: chunks/secret\n",
		"reserved default": "version: v\nallowed_extensions: [pdf]\nmax_file_size_bytes: 10\ndefault_classification: Chunks\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(writePolicy(t, body), t.TempDir()).Load(context.Background())
			require.Error(t, err)
		})
	}
}

func TestLoaderBuiltinWhenNoFile(t *testing.T) {
	loaded, err := NewLoader("", "/evidence").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "builtin", loaded.Source)
	assert.Equal(t, "/evidence", loaded.Policy.Root)
}

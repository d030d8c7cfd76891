package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evidence-custody/internal/adapters/policy"
	"evidence-custody/internal/adapters/store/memory"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/custody"
	"evidence-custody/internal/services/ingest"
	"evidence-custody/internal/services/processing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	root string
	repo *memory.Store
	gate *ingest.Gate
	reg  *processing.Registry
	asm  *Assembler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{root: t.TempDir(), repo: memory.New()}
	ledger := custody.New(e.repo)
	e.gate = ingest.New(ingest.Options{Repo: e.repo, Ledger: ledger, Policy: policy.Default(e.root)})
	e.reg = processing.New(processing.Options{Repo: e.repo, Ledger: ledger, Root: e.root})
	e.asm = New(Config{Repo: e.repo})
	return e
}

func (e *env) seed(t *testing.T) *model.Evidence {
	t.Helper()
	ctx := context.Background()
	ev, err := e.gate.Ingest(ctx, ingest.Request{
		Reader:   strings.NewReader("the quick brown fox\x00\x01 jumps"),
		FileName: "memo.txt",
		Metadata: model.EvidenceMetadata{CaseNumber: "2024-CR-7"},
		Actor:    "officer",
	})
	require.NoError(t, err)
	_, err = e.reg.Process(ctx, ev.ID, processing.TypeStrings, processing.PrintableStrings, "analyst")
	require.NoError(t, err)
	return ev
}

func readReport(t *testing.T, path string) (model.ChainOfCustodyReport, []byte) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rep model.ChainOfCustodyReport
	require.NoError(t, json.Unmarshal(raw, &rep))
	return rep, raw
}

func TestExportLayoutAndReport(t *testing.T) {
	e := newEnv(t)
	ev := e.seed(t)
	dest := t.TempDir()

	exp, err := e.asm.Export(context.Background(), ev.ID, dest, Options{Actor: "clerk"})
	require.NoError(t, err)
	assert.True(t, exp.IntegrityValid)
	assert.Empty(t, exp.Warnings)
	assert.Equal(t, filepath.Join(dest, ev.ID), exp.ExportDir)
	assert.Equal(t, filepath.Join(dest, "chain_of_custody_"+ev.ID+".json"), exp.ReportPath)

	kinds := map[string]int{}
	for _, f := range exp.Files {
		kinds[f.Kind]++
		_, err := os.Stat(f.Path)
		require.NoError(t, err, f.Path)
	}
	assert.Equal(t, map[string]int{model.ExportKindOriginal: 1, model.ExportKindDerivative: 1, model.ExportKindReport: 1}, kinds)

	orig, err := os.ReadFile(filepath.Join(dest, ev.ID, "memo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox\x00\x01 jumps", string(orig))

	rep, raw := readReport(t, exp.ReportPath)
	assert.Equal(t, ev.ID, rep.EvidenceID)
	assert.Equal(t, "2024-CR-7", rep.CaseNumber)
	assert.True(t, rep.IntegrityValid)
	assert.True(t, rep.ChainValid)
	assert.Equal(t, -1, rep.FirstDivergence)
	assert.True(t, rep.SignatureValid)
	require.Len(t, rep.ChainEntries, 2)
	assert.Equal(t, "PROCESSED_STRINGS", rep.ChainEntries[1].Action)
	require.Len(t, rep.ProcessedVersions, 1)
	assert.Equal(t, ev.Hashes, rep.OriginalHashes)

	for _, field := range []string{`"evidenceId"`, `"originalFileName"`, `"caseNumber"`, `"chainEntries"`, `"processedVersions"`, `"integrityValid"`, `"originalHashes"`, `"signature"`, `"generatedAt"`, `"previousHash"`} {
		assert.Contains(t, string(raw), field)
	}

	digest, err := ReportDigest(raw)
	require.NoError(t, err)
	assert.Equal(t, exp.ReportDigest, digest)

	// 导出不追加监管链条目。
	got, err := e.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, got.ChainOfCustody, 2)
}

func TestExportTwiceIsByteIdenticalAndReverifies(t *testing.T) {
	e := newEnv(t)
	ev := e.seed(t)
	dest := t.TempDir()
	ctx := context.Background()

	first, err := e.asm.Export(ctx, ev.ID, dest, Options{})
	require.NoError(t, err)
	snapshot := map[string][]byte{}
	for _, f := range first.Files {
		if f.Kind == model.ExportKindReport {
			continue
		}
		b, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		snapshot[f.Path] = b
	}

	second, err := e.asm.Export(ctx, ev.ID, dest, Options{})
	require.NoError(t, err)
	for _, f := range second.Files {
		if f.Kind == model.ExportKindReport {
			continue
		}
		b, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		assert.Equal(t, snapshot[f.Path], b, f.Path)
	}
	assert.True(t, second.IntegrityValid)

	// 篡改原件后再次导出，integrityValid 必须来自本次校验。
	got, err := e.repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(got.StoragePath, []byte("tampered"), 0o644))

	third, err := e.asm.Export(ctx, ev.ID, dest, Options{})
	require.NoError(t, err)
	assert.False(t, third.IntegrityValid)
	assert.NotEmpty(t, third.Warnings)
	rep, _ := readReport(t, third.ReportPath)
	assert.False(t, rep.IntegrityValid)
	assert.True(t, rep.ChainValid)
}

func TestExportMissingDerivativeIsWarning(t *testing.T) {
	e := newEnv(t)
	ev := e.seed(t)
	got, err := e.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(got.ProcessedVersions[0].StoragePath))

	exp, err := e.asm.Export(context.Background(), ev.ID, t.TempDir(), Options{})
	require.NoError(t, err)
	assert.True(t, exp.IntegrityValid)
	require.Len(t, exp.Warnings, 1)
	assert.Contains(t, exp.Warnings[0], "derivative")
}

func TestExportWithPDFAndArchive(t *testing.T) {
	e := newEnv(t)
	ev := e.seed(t)
	dest := t.TempDir()

	exp, err := e.asm.Export(context.Background(), ev.ID, dest, Options{PDF: true, Archive: true})
	require.NoError(t, err)

	pdfPath := filepath.Join(dest, "chain_of_custody_"+ev.ID+".pdf")
	pdfRaw, err := os.ReadFile(pdfPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdfRaw, []byte("%PDF-")))

	zipPath := filepath.Join(dest, ev.ID+"_export.zip")
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]*zip.File{}
	for _, f := range zr.File {
		names[f.Name] = f
	}
	for _, want := range []string{
		ev.ID + "/memo.txt",
		"chain_of_custody_" + ev.ID + ".json",
		"chain_of_custody_" + ev.ID + ".pdf",
		"manifest.json",
		"hashes.sha256",
	} {
		assert.Contains(t, names, want)
	}

	rc, err := names["hashes.sha256"].Open()
	require.NoError(t, err)
	hashes, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	for _, f := range exp.Files {
		if f.Kind == model.ExportKindOriginal {
			assert.Contains(t, string(hashes), f.SHA256+"  "+ev.ID+"/memo.txt")
		}
	}

	kinds := map[string]bool{}
	for _, f := range exp.Files {
		kinds[f.Kind] = true
	}
	assert.True(t, kinds[model.ExportKindPDF])
	assert.True(t, kinds[model.ExportKindArchive])
}

func TestExportErrors(t *testing.T) {
	e := newEnv(t)
	_, err := e.asm.Export(context.Background(), "missing", t.TempDir(), Options{})
	require.ErrorIs(t, err, model.ErrNotFound)

	ev := e.seed(t)
	_, err = e.asm.Export(context.Background(), ev.ID, " ", Options{})
	require.ErrorIs(t, err, model.ErrValidation)
}

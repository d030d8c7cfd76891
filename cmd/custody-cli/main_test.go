package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig 在临时目录下写一份指向 sqlite 的配置文件。
func writeConfig(t *testing.T, extra string) (cfgPath, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	cfgPath = filepath.Join(dataDir, "custody.yaml")
	body := fmt.Sprintf("data_dir: %q\nrepository: sqlite\nlog_level: error\n%s", dataDir, extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dataDir
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--quiet", "--no-color", "--actor", "tester"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, cfgPath string, v any, args ...string) {
	t.Helper()
	out, err := run(t, cfgPath, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func writeSample(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCLIWorkflow(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	src := writeSample(t, "statement.txt", "witness statement, signed 2024-03-01")

	meta := writeSample(t, "meta.yaml", "case_number: 2024-CR-11\ncustom_fields:\n  seal: A-17\n")
	var ev model.Evidence
	runJSON(t, cfgPath, &ev, "ingest", src, "--metadata", meta, "--case-id", "case-11", "--field", "bag=B-2")
	assert.Equal(t, model.StatusIngested, ev.Status)
	assert.Equal(t, "tester", ev.ChainOfCustody[0].Actor)
	assert.Equal(t, "2024-CR-11", ev.CaseNumber)
	assert.Equal(t, "case-11", ev.CaseID)
	assert.Equal(t, map[string]string{"seal": "A-17", "bag": "B-2"}, ev.Metadata.CustomFields)

	var rows []model.EvidenceSummary
	runJSON(t, cfgPath, &rows, "list", "--case-id", "case-11")
	require.Len(t, rows, 1)
	assert.Equal(t, ev.ID, rows[0].ID)

	var p model.ProcessedEvidence
	runJSON(t, cfgPath, &p, "process", ev.ID, "--type", "ocr", "--builtin", "strings")
	assert.True(t, p.Success)
	assert.FileExists(t, p.StoragePath)

	var chain struct {
		Entries    []model.ChainOfCustodyEntry `json:"entries"`
		Validation struct {
			OK bool `json:"ok"`
		} `json:"validation"`
	}
	runJSON(t, cfgPath, &chain, "chain", ev.ID)
	require.Len(t, chain.Entries, 2)
	assert.Equal(t, "PROCESSED_OCR", chain.Entries[1].Action)
	assert.True(t, chain.Validation.OK)

	var item lifecycle.BatchItem
	runJSON(t, cfgPath, &item, "verify", ev.ID)
	assert.True(t, item.Valid)

	dest := t.TempDir()
	var exp model.EvidenceExport
	runJSON(t, cfgPath, &exp, "export", ev.ID, "--dest", dest)
	assert.True(t, exp.IntegrityValid)
	assert.FileExists(t, filepath.Join(dest, "chain_of_custody_"+ev.ID+".json"))
	assert.FileExists(t, filepath.Join(dest, ev.ID, "statement.txt"))

	var dd model.DeduplicationResult
	runJSON(t, cfgPath, &dd, "dedup", "index", ev.ID)
	assert.Equal(t, ev.PrimaryHash(), dd.FileHash)

	restored := filepath.Join(t.TempDir(), "restored.txt")
	_, err := run(t, cfgPath, "dedup", "restore", ev.ID, "--out", restored)
	require.NoError(t, err)
	raw, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "witness statement, signed 2024-03-01", string(raw))

	out, err := run(t, cfgPath, "audit", ev.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "access log chain valid")

	out, err = run(t, cfgPath, "archive", ev.ID, "--reason", "case closed")
	require.NoError(t, err, out)
	assert.Contains(t, out, "archived")

	_, err = run(t, cfgPath, "process", ev.ID, "--type", "strings")
	require.ErrorIs(t, err, model.ErrArchived)
}

func TestCLIVerifyDetectsTampering(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	var good, bad model.Evidence
	runJSON(t, cfgPath, &good, "ingest", writeSample(t, "a.txt", "first"))
	runJSON(t, cfgPath, &bad, "ingest", writeSample(t, "b.txt", "second"))
	require.NoError(t, os.WriteFile(bad.StoragePath, []byte("altered"), 0o644))

	out, err := run(t, cfgPath, "verify", bad.ID)
	require.ErrorIs(t, err, errCheckFailed)
	assert.Contains(t, out, "FAILED")

	_, err = run(t, cfgPath, "process", bad.ID, "--type", "strings")
	require.Error(t, err)

	// 校验失败后证据被隔离，批量校验仍会报告它。
	var shown model.Evidence
	runJSON(t, cfgPath, &shown, "show", bad.ID)
	assert.Equal(t, model.StatusQuarantined, shown.Status)

	out, err = run(t, cfgPath, "--json", "verify", "--all", "--concurrency", "2")
	require.ErrorIs(t, err, errCheckFailed)
	var sum lifecycle.BatchSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum), out)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Valid)
	assert.Equal(t, 1, sum.Invalid)
}

func TestCLIIngestRejectsDisallowedExtension(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")

	_, err := run(t, cfgPath, "ingest", writeSample(t, "tool.exe", "MZ"))
	require.ErrorIs(t, err, model.ErrValidation)

	var rows []model.EvidenceSummary
	runJSON(t, cfgPath, &rows, "list")
	assert.Empty(t, rows)
	entries, err := os.ReadDir(filepath.Join(dataDir, "evidence"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCLIPolicyValidate(t *testing.T) {
	polPath := writeSample(t, "policy.yaml", "version: field-2\nallowed_extensions: [\".txt\"]\nmax_file_size_bytes: 1024\nchunk_compression: lz4\n")
	cfgPath, _ := writeConfig(t, fmt.Sprintf("policy_path: %q\n", polPath))

	var info map[string]any
	runJSON(t, cfgPath, &info, "policy", "validate")
	assert.Equal(t, "field-2", info["version"])
	assert.Equal(t, "lz4", info["chunk_compression"])

	bad := writeSample(t, "bad.yaml", "version: x\nallowed_extensions: []\n")
	_, err := run(t, cfgPath, "policy", "validate", "--file", bad)
	require.Error(t, err)

	_, err = run(t, cfgPath, "ingest", writeSample(t, "scan.pdf", "%PDF-1.4"))
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestCLIArgumentErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	_, err := run(t, cfgPath, "verify")
	require.Error(t, err)

	_, err = run(t, cfgPath, "process", "ev_missing")
	require.Error(t, err)

	_, err = run(t, cfgPath, "process", "ev_missing", "--type", "ocr", "--builtin", "strings", "--exec", "cat")
	require.Error(t, err)

	_, err = run(t, cfgPath, "show", "ev_missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = run(t, cfgPath, "quarantine", "ev_missing")
	require.Error(t, err)
}

func TestCLIMigrateAndVersion(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	var res struct {
		Applied []string `json:"applied"`
	}
	runJSON(t, cfgPath, &res, "migrate")
	assert.Contains(t, res.Applied, "001_init.sql")

	out, err := run(t, cfgPath, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "custody-cli")
}

func TestCLIAppendEntry(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	var ev model.Evidence
	runJSON(t, cfgPath, &ev, "ingest", writeSample(t, "seal.txt", "bag A-17"))

	var e model.ChainOfCustodyEntry
	runJSON(t, cfgPath, &e, "append", ev.ID, "--action", "transferred", "--details", "handed to lab custodian")
	assert.Equal(t, 1, e.Sequence)
	assert.Equal(t, "TRANSFERRED", e.Action)
	assert.Equal(t, "tester", e.Actor)
	assert.Equal(t, ev.ChainOfCustody[0].Hash, e.PreviousHash)

	out, err := run(t, cfgPath, "note", ev.ID, "--details", "seal intact")
	require.NoError(t, err, out)
	assert.Contains(t, out, "NOTE")

	var chain struct {
		Entries    []model.ChainOfCustodyEntry `json:"entries"`
		Validation struct {
			OK bool `json:"ok"`
		} `json:"validation"`
	}
	runJSON(t, cfgPath, &chain, "chain", ev.ID)
	require.Len(t, chain.Entries, 3)
	assert.Equal(t, model.ActionNote, chain.Entries[2].Action)
	assert.True(t, chain.Validation.OK)

	_, err = run(t, cfgPath, "append", ev.ID, "--action", "ARCHIVED")
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = run(t, cfgPath, "append", "ev_missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = run(t, cfgPath, "archive", ev.ID, "--reason", "case closed")
	require.NoError(t, err)
	_, err = run(t, cfgPath, "append", ev.ID, "--details", "late note")
	require.ErrorIs(t, err, model.ErrArchived)
}

package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evidence-custody/internal/app"
	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"
)

const manifestSchemaV1 = "evidence_custody.export_manifest.v1"

type zipEntry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      string `json:"kind"`
}

type zipManifest struct {
	Schema      string    `json:"schema"`
	GeneratedAt time.Time `json:"generated_at"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Evidence       model.EvidenceSummary `json:"evidence"`
	IntegrityValid bool                  `json:"integrity_valid"`
	ChainValid     bool                  `json:"chain_valid"`
	SignatureValid bool                  `json:"signature_valid"`
	Files          []zipEntry            `json:"files"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// writeZip 把已导出的文件打包，附带 manifest.json 与 hashes.sha256（sha256sum 兼容格式）。
// ZIP 内路径相对于导出根目录，条目时间统一取报告生成时间。
func writeZip(ctx context.Context, zipPath, dest string, ev *model.Evidence, rep *model.ChainOfCustodyReport, exp *model.EvidenceExport) error {
	out, err := fsutil.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Abort()

	zw := zip.NewWriter(out)
	modified := rep.GeneratedAt

	destAbs := mustAbs(dest)
	entries := make([]zipEntry, 0, len(exp.Files)+1)
	for _, f := range exp.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := safeRel(destAbs, mustAbs(f.Path))
		if rel == "" {
			rel = filepath.Base(f.Path)
		}
		name := filepath.ToSlash(rel)
		sum, size, err := writeZipFileFromDisk(zw, f.Path, name, modified)
		if err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		entries = append(entries, zipEntry{Path: name, SHA256: sum, SizeBytes: size, Kind: f.Kind})
	}

	manifest := zipManifest{
		Schema:         manifestSchemaV1,
		GeneratedAt:    rep.GeneratedAt,
		Evidence:       ev.Summary(),
		IntegrityValid: rep.IntegrityValid,
		ChainValid:     rep.ChainValid,
		SignatureValid: rep.SignatureValid,
		Warnings:       exp.Warnings,
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	manifest.Files = entries

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, "manifest.json", manifestRaw, modified)
	if err != nil {
		return fmt.Errorf("write manifest to zip: %w", err)
	}
	entries = append(entries, zipEntry{Path: "manifest.json", SHA256: manifestSum, SizeBytes: manifestSize, Kind: "manifest"})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	lines := make([]string, 0, len(entries)+4)
	lines = append(lines, "# evidence custody export hash list")
	lines = append(lines, fmt.Sprintf("# evidence_id=%s", ev.ID))
	lines = append(lines, "# format: <sha256><two spaces><path>")
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s  %s", e.SHA256, e.Path))
	}
	lines = append(lines, "")
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", []byte(strings.Join(lines, "\n")), modified); err != nil {
		return fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return out.Commit()
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// safeRel 返回 target 相对 base 的路径；target 不在 base 下时返回空字符串。
func safeRel(baseAbs, targetAbs string) string {
	if baseAbs == "" || targetAbs == "" {
		return ""
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return ""
	}
	rel = filepath.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return rel
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string, modified time.Time) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipPath
	hdr.Method = zip.Deflate
	hdr.Modified = modified

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte, modified time.Time) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: modified,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

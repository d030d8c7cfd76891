package export

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/fsutil"

	"github.com/phpdave11/gofpdf"
)

// PDFFontEnv 指定 PDF 使用的 UTF-8 字体文件。
const PDFFontEnv = "CUSTODY_PDF_FONT"

// writePDF 生成人工复核用的 PDF 监管链报告，返回生成过程中的提示信息。
func writePDF(path string, ev *model.Evidence, rep *model.ChainOfCustodyReport, warnings []string) ([]string, error) {
	pdf, utf8OK := buildPDF(ev, rep, warnings)
	if err := pdf.Error(); err != nil {
		return nil, err
	}

	out, err := fsutil.Create(path)
	if err != nil {
		return nil, err
	}
	defer out.Abort()
	if err := pdf.Output(out); err != nil {
		return nil, err
	}
	if err := out.Commit(); err != nil {
		return nil, err
	}

	var notes []string
	if !utf8OK {
		notes = append(notes, "pdf utf8 font not available; non-ascii text replaced with '?'")
	}
	return notes, nil
}

func buildPDF(ev *model.Evidence, rep *model.ChainOfCustodyReport, warnings []string) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Chain of Custody Report - "+rep.EvidenceID, false)
	pdf.SetCreationDate(rep.GeneratedAt)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Chain of Custody Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(rep.GeneratedAt)), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Evidence")
	kv(pdf, fontFamily, utf8OK, "Evidence ID", rep.EvidenceID)
	kv(pdf, fontFamily, utf8OK, "File Name", rep.OriginalFileName)
	kv(pdf, fontFamily, utf8OK, "Case Number", rep.CaseNumber)
	kv(pdf, fontFamily, utf8OK, "Type", string(ev.Type))
	kv(pdf, fontFamily, utf8OK, "Classification", ev.Classification)
	kv(pdf, fontFamily, utf8OK, "Status", string(rep.Status))
	kv(pdf, fontFamily, utf8OK, "Size", fmt.Sprintf("%d bytes", ev.SizeBytes))
	kv(pdf, fontFamily, utf8OK, "Ingested At", fmtTime(ev.IngestedAt))
	kv(pdf, fontFamily, utf8OK, "Collected By", ev.Metadata.CollectedBy)
	kv(pdf, fontFamily, utf8OK, "Location", ev.Metadata.CollectionLocation)
	kv(pdf, fontFamily, utf8OK, "Device Source", ev.Metadata.DeviceSource)
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "2. Verification (at export time)")
	kv(pdf, fontFamily, utf8OK, "Integrity", passFail(rep.IntegrityValid))
	chain := passFail(rep.ChainValid)
	if !rep.ChainValid {
		chain += fmt.Sprintf(" (first divergence at entry %d)", rep.FirstDivergence)
	}
	kv(pdf, fontFamily, utf8OK, "Custody Chain", chain)
	kv(pdf, fontFamily, utf8OK, "Signature", passFail(rep.SignatureValid))
	algs := make([]string, 0, len(rep.OriginalHashes))
	for alg := range rep.OriginalHashes {
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	for _, alg := range algs {
		kv(pdf, fontFamily, utf8OK, alg, rep.OriginalHashes[alg])
	}
	kv(pdf, fontFamily, utf8OK, "Signature Value", rep.Signature)
	pdf.Ln(2)

	if len(warnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range warnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "3. Custody Entries")
	for _, e := range rep.ChainEntries {
		pdf.SetFont(fontFamily, "B", 10)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 5, fmt.Sprintf("#%d %s | %s | %s",
			e.Sequence,
			safeText(e.Action, utf8OK),
			safeText(e.Actor, utf8OK),
			fmtTime(e.Timestamp),
		), "", "L", false)
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		if strings.TrimSpace(e.Details) != "" {
			pdf.MultiCell(0, 4.5, "details: "+safeText(e.Details, utf8OK), "", "L", false)
		}
		pdf.MultiCell(0, 4.5, "prev: "+e.PreviousHash, "", "L", false)
		pdf.MultiCell(0, 4.5, "hash: "+e.Hash, "", "L", false)
		pdf.Ln(1)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "4. Derivatives")
	if len(rep.ProcessedVersions) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(none)", "", "L", false)
	}
	for _, p := range rep.ProcessedVersions {
		pdf.SetFont(fontFamily, "B", 10)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s | %s", safeText(p.ProcessingType, utf8OK), p.ID, fmtTime(p.CreatedAt)), "", "L", false)
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("sha256: %s (%d bytes)", p.ProcessedHash, p.SizeBytes), "", "L", false)
		pdf.Ln(1)
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "The JSON report next to this file is the authoritative record; this PDF is a readable rendering of it.", "", "L", false)

	return pdf, utf8OK
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05.000 UTC")
}

// safeText 在没有 UTF-8 字体时把非 ASCII 字符替换为 '?'，保证 PDF 一定能生成。
func safeText(s string, utf8OK bool) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 按 CUSTODY_PDF_FONT、常见系统字体的顺序尝试加载 UTF-8 字体；
// 全部失败时回退到 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv(PDFFontEnv)); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}
	return "Helvetica", false
}

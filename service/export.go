package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// Export formats accepted by the pipeline.
const (
	FormatData   = "data"
	FormatText   = "text"
	FormatRaster = "raster"
)

// A4 aspect ratio used to slice the captured bitmap into pages.
const (
	pageWidthMM  = 210.0
	pageHeightMM = 297.0
)

// ExportPipeline renders one completed audit into durable formats. All three
// formats derive from the same audit snapshot: same score, same finding set,
// same ordering.
type ExportPipeline struct {
	renderer ViewRenderer
	now      func() time.Time
}

func NewExportPipeline(renderer ViewRenderer) *ExportPipeline {
	return &ExportPipeline{renderer: renderer, now: time.Now}
}

// DataSnapshot is the structured-data export payload. The audit field set is
// exhaustive; re-parsing reproduces the snapshot exactly.
type DataSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Audit       *model.Audit `json:"audit"`
}

// ExportData serializes the full audit plus a generation timestamp.
func (p *ExportPipeline) ExportData(audit *model.Audit) ([]byte, error) {
	if err := exportable(audit); err != nil {
		return nil, err
	}
	snapshot := DataSnapshot{GeneratedAt: p.now().UTC(), Audit: audit}
	return json.MarshalIndent(snapshot, "", "  ")
}

// ExportText renders the audit as a deterministic plain-text report: header
// block, findings grouped by severity in fixed order (non-empty groups only),
// gas findings, then a verbatim dump of the analyzed source.
func (p *ExportPipeline) ExportText(audit *model.Audit) ([]byte, error) {
	if err := exportable(audit); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SECURITY AUDIT REPORT\n")
	b.WriteString("=====================\n\n")
	fmt.Fprintf(&b, "Contract:   %s\n", audit.ContractName)
	if audit.SourceAddress != "" {
		fmt.Fprintf(&b, "Address:    %s (%s)\n", audit.SourceAddress, audit.Network)
	}
	fmt.Fprintf(&b, "Created:    %s\n", audit.CreatedAt.UTC().Format(time.RFC3339))
	if audit.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed:  %s\n", audit.CompletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Score:      %d/100\n", audit.OverallScore)
	fmt.Fprintf(&b, "Risk level: %s\n", strings.ToUpper(audit.RiskLevel))

	for _, sev := range model.SeverityOrder {
		group := vulnsBySeverity(audit.Vulnerabilities, sev)
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s FINDINGS (%d)\n", strings.ToUpper(sev), len(group))
		b.WriteString(strings.Repeat("-", len(sev)+13) + "\n")
		for i, v := range group {
			fmt.Fprintf(&b, "%d. %s\n", i+1, v.Title)
			fmt.Fprintf(&b, "   Location:       %s\n", v.Location)
			fmt.Fprintf(&b, "   Description:    %s\n", v.Description)
			fmt.Fprintf(&b, "   Recommendation: %s\n", v.Recommendation)
		}
	}

	if len(audit.GasFindings) > 0 {
		fmt.Fprintf(&b, "\nGAS OPTIMIZATIONS (%d)\n", len(audit.GasFindings))
		b.WriteString(strings.Repeat("-", 21) + "\n")
		for i, g := range audit.GasFindings {
			fmt.Fprintf(&b, "%d. %s (saves ~%d gas)\n", i+1, g.Title, g.GasSaved)
			fmt.Fprintf(&b, "   Location:       %s\n", g.Location)
			fmt.Fprintf(&b, "   Recommendation: %s\n", g.Recommendation)
		}
	}

	if audit.SourceCode != "" {
		b.WriteString("\nANALYZED SOURCE\n")
		b.WriteString("===============\n")
		b.WriteString(audit.SourceCode)
		if !strings.HasSuffix(audit.SourceCode, "\n") {
			b.WriteString("\n")
		}
	}

	return []byte(b.String()), nil
}

// ExportRaster captures a single bitmap of the rendered result view and slices
// it into A4-ratio pages, one PDF page per slice. The last partial slice is
// emitted as a full page. Capture style overrides are removed on every path,
// including when capture panics.
func (p *ExportPipeline) ExportRaster(audit *model.Audit) ([]byte, error) {
	if err := exportable(audit); err != nil {
		return nil, err
	}

	p.renderer.PushCaptureStyle()
	defer p.renderer.ClearCaptureStyle()

	img, err := p.renderer.Capture(audit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderCaptureFailed, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty bitmap %dx%d", ErrRenderCaptureFailed, bounds.Dx(), bounds.Dy())
	}

	width := bounds.Dx()
	pageHeight := int(float64(width) * pageHeightMM / pageWidthMM)

	pdf := fpdf.New("P", "mm", "A4", "")
	for page, y := 0, 0; y < bounds.Dy(); page, y = page+1, y+pageHeight {
		slice := image.NewRGBA(image.Rect(0, 0, width, pageHeight))
		draw.Draw(slice, slice.Bounds(), image.White, image.Point{}, draw.Src)
		draw.Draw(slice, slice.Bounds(), img, image.Pt(bounds.Min.X, bounds.Min.Y+y), draw.Over)

		var buf bytes.Buffer
		if err := png.Encode(&buf, slice); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", page+1, err)
		}

		name := fmt.Sprintf("audit-%s-page-%d", audit.ID, page+1)
		opts := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.AddPage()
		pdf.RegisterImageOptionsReader(name, opts, &buf)
		pdf.ImageOptions(name, 0, 0, pageWidthMM, pageHeightMM, false, opts, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("assemble document: %w", err)
	}
	return out.Bytes(), nil
}

// PageCount returns how many raster pages a bitmap of the given dimensions
// produces.
func PageCount(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	pageHeight := int(float64(width) * pageHeightMM / pageWidthMM)
	return (height + pageHeight - 1) / pageHeight
}

// ContentType maps an export format to its MIME type.
func ContentType(format string) string {
	switch format {
	case FormatData:
		return "application/json"
	case FormatText:
		return "text/plain; charset=utf-8"
	case FormatRaster:
		return "application/pdf"
	}
	return "application/octet-stream"
}

func exportable(audit *model.Audit) error {
	if audit == nil {
		return ErrAuditNotFound
	}
	if audit.Status != model.StatusCompleted {
		return fmt.Errorf("%w: status %s", ErrAuditNotExportable, audit.Status)
	}
	return nil
}

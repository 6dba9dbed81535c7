package service

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// ViewRenderer produces a single bitmap of an audit's rendered result view.
// The export pipeline depends only on this contract, not on any particular
// rendering technology.
//
// PushCaptureStyle applies transient style overrides that normalize the view
// for capture; ClearCaptureStyle removes them. The pipeline guarantees the
// pair is balanced on success and failure paths alike.
type ViewRenderer interface {
	PushCaptureStyle()
	ClearCaptureStyle()
	Capture(audit *model.Audit) (image.Image, error)
}

const (
	renderWidth      = 840
	renderLineHeight = 16
	renderMargin     = 32
)

// ReportRenderer draws an audit report into an RGBA bitmap using a fixed-width
// bitmap font. It is the built-in ViewRenderer; capture style pins the
// background to white and the width to renderWidth.
type ReportRenderer struct {
	mu         sync.Mutex
	styleDepth int
}

func NewReportRenderer() *ReportRenderer {
	return &ReportRenderer{}
}

func (r *ReportRenderer) PushCaptureStyle() {
	r.mu.Lock()
	r.styleDepth++
	r.mu.Unlock()
}

func (r *ReportRenderer) ClearCaptureStyle() {
	r.mu.Lock()
	if r.styleDepth > 0 {
		r.styleDepth--
	}
	r.mu.Unlock()
}

// StyleDepth reports how many capture-style overrides are active.
func (r *ReportRenderer) StyleDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.styleDepth
}

func (r *ReportRenderer) Capture(audit *model.Audit) (image.Image, error) {
	if audit == nil {
		return nil, fmt.Errorf("nil audit")
	}

	lines := reportLines(audit)
	height := renderMargin*2 + len(lines)*renderLineHeight
	img := image.NewRGBA(image.Rect(0, 0, renderWidth, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	y := renderMargin
	for _, line := range lines {
		drawer.Dot = fixed.P(renderMargin, y)
		drawer.DrawString(line)
		y += renderLineHeight
	}
	return img, nil
}

// reportLines lays out the report text, wrapping long lines to the bitmap width.
func reportLines(audit *model.Audit) []string {
	maxChars := (renderWidth - 2*renderMargin) / basicfont.Face7x13.Advance

	var lines []string
	add := func(s string) {
		for _, part := range wrapLine(s, maxChars) {
			lines = append(lines, part)
		}
	}

	add("Security Audit Report")
	add("=====================")
	add("Contract: " + audit.ContractName)
	add(fmt.Sprintf("Score: %d/100    Risk level: %s", audit.OverallScore, strings.ToUpper(audit.RiskLevel)))
	add("Created: " + audit.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	if audit.CompletedAt != nil {
		add("Completed: " + audit.CompletedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	add("")

	for _, sev := range model.SeverityOrder {
		group := vulnsBySeverity(audit.Vulnerabilities, sev)
		if len(group) == 0 {
			continue
		}
		add(strings.ToUpper(sev) + " severity")
		for _, v := range group {
			add(fmt.Sprintf("  [%s] %s", v.Location, v.Title))
			add("    " + v.Description)
			add("    Fix: " + v.Recommendation)
		}
		add("")
	}

	if len(audit.GasFindings) > 0 {
		add("Gas optimizations")
		for _, g := range audit.GasFindings {
			add(fmt.Sprintf("  [%s] %s (saves ~%d gas)", g.Location, g.Title, g.GasSaved))
		}
		add("")
	}

	return lines
}

func vulnsBySeverity(vulns []model.Vulnerability, severity string) []model.Vulnerability {
	var out []model.Vulnerability
	for _, v := range vulns {
		if v.Severity == severity {
			out = append(out, v)
		}
	}
	return out
}

func wrapLine(s string, maxChars int) []string {
	if maxChars < 1 || len(s) <= maxChars {
		return []string{s}
	}
	var out []string
	for len(s) > maxChars {
		cut := maxChars
		if idx := strings.LastIndex(s[:maxChars], " "); idx > maxChars/2 {
			cut = idx
		}
		out = append(out, s[:cut])
		s = strings.TrimLeft(s[cut:], " ")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

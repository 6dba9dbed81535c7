package model

import (
	"time"
)

// Audit represents one analysis job from submission to its final report.
type Audit struct {
	ID              string          `json:"id"`
	ContractName    string          `json:"contract_name"`
	Tenant          string          `json:"tenant"`
	SourceCode      string          `json:"source_code,omitempty"`
	SourceAddress   string          `json:"source_address,omitempty"`
	Network         string          `json:"network,omitempty"`
	SourceURL       string          `json:"source_url,omitempty"`
	Status          string          `json:"status"` // pending, started, analyzing, detecting, generating_report, completed, error
	Progress        int             `json:"progress"`
	OverallScore    int             `json:"overall_score"`
	RiskLevel       string          `json:"risk_level,omitempty"`
	EngineTaskID    string          `json:"engine_task_id,omitempty"`
	ErrorMsg        string          `json:"error_msg,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	GasFindings     []GasFinding    `json:"gas_findings"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Vulnerability is one security finding attached to a completed audit.
type Vulnerability struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Severity       string  `json:"severity"` // critical, high, medium, low, info
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Location       string  `json:"location"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

// GasFinding is one gas optimization opportunity. Structurally parallel to
// Vulnerability but it carries an estimated gas saving instead of a severity.
type GasFinding struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	Recommendation string `json:"recommendation"`
	GasSaved       int64  `json:"gas_saved"`
}

// ProgressEvent is a single status+percentage update for one audit. Only the
// latest event per audit is retained; events are never persisted.
type ProgressEvent struct {
	AuditID                string `json:"audit_id"`
	Status                 string `json:"status"`
	Progress               int    `json:"progress"`
	Message                string `json:"message,omitempty"`
	CurrentStep            string `json:"current_step,omitempty"`
	EstimatedTimeRemaining int    `json:"estimated_time_remaining,omitempty"` // seconds
}

// ComparisonResult is the ephemeral output of comparing two completed audits.
// It is derived on demand and never persisted.
type ComparisonResult struct {
	BeforeID             string         `json:"before_id"`
	AfterID              string         `json:"after_id"`
	ScoreChange          int            `json:"score_change"`
	RiskLevelChange      string         `json:"risk_level_change"` // improved, worsened, unchanged
	SeverityDeltas       map[string]int `json:"severity_deltas"`
	VulnerabilitiesFixed int            `json:"vulnerabilities_fixed"`
	NewVulnerabilities   int            `json:"new_vulnerabilities"`
	Improvements         []string       `json:"improvements"`
	Regressions          []string       `json:"regressions"`
}

// Audit status constants
const (
	StatusPending          = "pending"
	StatusStarted          = "started"
	StatusAnalyzing        = "analyzing"
	StatusDetecting        = "detecting"
	StatusGeneratingReport = "generating_report"
	StatusCompleted        = "completed"
	StatusError            = "error"
)

// Severity constants
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Risk level constants
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// statusOrder is the legal transition order. error is reachable from any
// non-terminal state and is not part of the forward chain.
var statusOrder = []string{
	StatusPending,
	StatusStarted,
	StatusAnalyzing,
	StatusDetecting,
	StatusGeneratingReport,
	StatusCompleted,
}

// SeverityOrder is the fixed print/grouping order for findings.
var SeverityOrder = []string{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// StatusRank returns the position of status in the forward chain, or -1 for
// error and unknown statuses.
func StatusRank(status string) int {
	for i, s := range statusOrder {
		if s == status {
			return i
		}
	}
	return -1
}

// NextStatus returns the immediate successor of status in the forward chain,
// or "" if status is terminal or unknown.
func NextStatus(status string) string {
	rank := StatusRank(status)
	if rank < 0 || rank >= len(statusOrder)-1 {
		return ""
	}
	return statusOrder[rank+1]
}

// IsTerminal reports whether status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// RiskRank orders risk levels low < medium < high < critical.
func RiskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// DeriveRiskLevel computes a risk level from the overall score and the worst
// vulnerability severity. Used when the engine does not supply a level.
func DeriveRiskLevel(score int, vulns []Vulnerability) string {
	worst := ""
	for _, v := range vulns {
		switch v.Severity {
		case SeverityCritical:
			worst = SeverityCritical
		case SeverityHigh:
			if worst != SeverityCritical {
				worst = SeverityHigh
			}
		case SeverityMedium:
			if worst != SeverityCritical && worst != SeverityHigh {
				worst = SeverityMedium
			}
		}
	}
	switch {
	case worst == SeverityCritical || score < 40:
		return RiskCritical
	case worst == SeverityHigh || score < 60:
		return RiskHigh
	case worst == SeverityMedium || score < 80:
		return RiskMedium
	}
	return RiskLow
}

package service

import (
	"fmt"
	"strings"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// Compare computes the delta between two completed audits: score change, risk
// level change, per-severity vulnerability deltas, and which findings were
// fixed or introduced. The result is pure and deterministic: the same two
// audit snapshots always produce an identical result.
//
// Findings are matched across the two audits by (type, location), never by id,
// since ids differ between runs. Duplicate (type, location) pairs on one side
// net out positionally, oldest first, instead of all being flagged.
func Compare(before, after *model.Audit) (*model.ComparisonResult, error) {
	if before == nil || after == nil {
		return nil, ErrAuditNotFound
	}
	if before.Status != model.StatusCompleted || after.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: both audits must be completed", ErrAuditNotComparable)
	}
	if before.ID == after.ID {
		return nil, ErrIdenticalAudits
	}

	result := &model.ComparisonResult{
		BeforeID:        before.ID,
		AfterID:         after.ID,
		ScoreChange:     after.OverallScore - before.OverallScore,
		RiskLevelChange: riskChange(before.RiskLevel, after.RiskLevel),
		SeverityDeltas:  severityDeltas(before.Vulnerabilities, after.Vulnerabilities),
	}

	beforeCounts := matchCounts(before.Vulnerabilities)
	afterCounts := matchCounts(after.Vulnerabilities)

	// A before-finding with no positional partner in after was fixed.
	seen := make(map[string]int)
	for _, v := range before.Vulnerabilities {
		key := matchKey(v)
		pos := seen[key]
		seen[key]++
		if pos >= afterCounts[key] {
			result.VulnerabilitiesFixed++
			result.Improvements = append(result.Improvements,
				fmt.Sprintf("Resolved %s at %s (%s)", v.Type, v.Location, v.Severity))
		}
	}

	// An after-finding with no positional partner in before is new.
	seen = make(map[string]int)
	for _, v := range after.Vulnerabilities {
		key := matchKey(v)
		pos := seen[key]
		seen[key]++
		if pos >= beforeCounts[key] {
			result.NewVulnerabilities++
			result.Regressions = append(result.Regressions,
				fmt.Sprintf("New %s at %s (%s)", v.Type, v.Location, v.Severity))
		}
	}

	return result, nil
}

func riskChange(before, after string) string {
	b, a := model.RiskRank(before), model.RiskRank(after)
	switch {
	case a < b:
		return "improved"
	case a > b:
		return "worsened"
	}
	return "unchanged"
}

func severityDeltas(before, after []model.Vulnerability) map[string]int {
	deltas := make(map[string]int, len(model.SeverityOrder))
	for _, sev := range model.SeverityOrder {
		deltas[sev] = 0
	}
	for _, v := range after {
		deltas[v.Severity]++
	}
	for _, v := range before {
		deltas[v.Severity]--
	}
	return deltas
}

func matchKey(v model.Vulnerability) string {
	return strings.ToLower(strings.TrimSpace(v.Type)) + "|" + strings.ToLower(strings.TrimSpace(v.Location))
}

func matchCounts(vulns []model.Vulnerability) map[string]int {
	counts := make(map[string]int, len(vulns))
	for _, v := range vulns {
		counts[matchKey(v)]++
	}
	return counts
}

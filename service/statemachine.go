package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// JobStateMachine owns the canonical lifecycle of audits. All transitions go
// through it: the forward chain pending -> started -> analyzing -> detecting ->
// generating_report -> completed, plus error from any non-terminal state.
//
// Every successful transition is written to the store before the event is
// published, so a late joiner reading fresh store state never sees a status
// older than the last event anyone received.
type JobStateMachine struct {
	store   *AuditStore
	channel *ProgressChannel
	mu      sync.Mutex
}

func NewJobStateMachine(store *AuditStore, channel *ProgressChannel) *JobStateMachine {
	return &JobStateMachine{store: store, channel: channel}
}

// Advance moves an audit to the next status in the chain. next must be the
// immediate successor of the current status, or error. progress must not
// decrease; on a transition to error the current progress is kept.
func (m *JobStateMachine) Advance(auditID, next string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	audit := m.store.Get(auditID)
	if audit == nil {
		return ErrAuditNotFound
	}
	if model.IsTerminal(audit.Status) {
		return ErrAlreadyTerminal
	}
	if next == model.StatusError {
		return m.failLocked(audit, message)
	}
	if next != model.NextStatus(audit.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, audit.Status, next)
	}
	if next == model.StatusCompleted {
		// Completion carries findings and a score; it must go through Finalize.
		return fmt.Errorf("%w: %s -> %s requires finalize", ErrInvalidTransition, audit.Status, next)
	}
	if progress < audit.Progress {
		return fmt.Errorf("%w: progress %d < %d", ErrInvalidTransition, progress, audit.Progress)
	}
	if progress > 99 {
		progress = 99
	}

	m.store.UpdateProgress(auditID, next, progress)
	m.publish(model.ProgressEvent{
		AuditID:  auditID,
		Status:   next,
		Progress: progress,
		Message:  message,
	})
	slog.Info("audit advanced", "audit_id", auditID, "status", next, "progress", progress)
	return nil
}

// AdvanceTo walks the forward chain one status at a time until target is
// reached. Used by the engine poll path, where consecutive polls may observe
// the engine several states ahead. Each intermediate transition is persisted
// and published in order.
func (m *JobStateMachine) AdvanceTo(auditID, target string, progress int, message string) error {
	targetRank := model.StatusRank(target)
	if targetRank < 0 || target == model.StatusCompleted {
		return fmt.Errorf("%w: cannot advance to %s", ErrInvalidTransition, target)
	}
	for {
		audit := m.store.Get(auditID)
		if audit == nil {
			return ErrAuditNotFound
		}
		rank := model.StatusRank(audit.Status)
		if rank < 0 {
			return ErrAlreadyTerminal
		}
		if rank >= targetRank {
			return nil
		}
		next := model.NextStatus(audit.Status)
		p := stepProgress(next)
		if next == target && progress > p {
			p = progress
		}
		if p < audit.Progress {
			p = audit.Progress
		}
		msg := ""
		if next == target {
			msg = message
		}
		if err := m.Advance(auditID, next, p, msg); err != nil {
			return err
		}
	}
}

// Fail transitions an audit to error from any non-terminal state, recording
// reason as the terminal message. Progress is frozen at its last value.
func (m *JobStateMachine) Fail(auditID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	audit := m.store.Get(auditID)
	if audit == nil {
		return ErrAuditNotFound
	}
	if model.IsTerminal(audit.Status) {
		return ErrAlreadyTerminal
	}
	return m.failLocked(audit, reason)
}

func (m *JobStateMachine) failLocked(audit *model.Audit, reason string) error {
	m.store.MarkError(audit.ID, reason)
	m.publish(model.ProgressEvent{
		AuditID:  audit.ID,
		Status:   model.StatusError,
		Progress: audit.Progress,
		Message:  reason,
	})
	slog.Warn("audit failed", "audit_id", audit.ID, "reason", reason)
	return nil
}

// Finalize completes an audit. Only legal from generating_report. Sets
// progress to 100, stamps completion time and attaches the findings.
func (m *JobStateMachine) Finalize(auditID string, overallScore int, riskLevel string, vulns []model.Vulnerability, gas []model.GasFinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	audit := m.store.Get(auditID)
	if audit == nil {
		return ErrAuditNotFound
	}
	if model.IsTerminal(audit.Status) {
		return ErrAlreadyTerminal
	}
	if audit.Status != model.StatusGeneratingReport {
		return fmt.Errorf("%w: finalize from %s", ErrInvalidTransition, audit.Status)
	}
	if riskLevel == "" {
		riskLevel = model.DeriveRiskLevel(overallScore, vulns)
	}

	m.store.Complete(auditID, overallScore, riskLevel, vulns, gas)
	m.publish(model.ProgressEvent{
		AuditID:  auditID,
		Status:   model.StatusCompleted,
		Progress: 100,
		Message:  "audit completed",
	})
	slog.Info("audit completed", "audit_id", auditID, "score", overallScore, "risk_level", riskLevel)
	return nil
}

func (m *JobStateMachine) publish(ev model.ProgressEvent) {
	if m.channel != nil {
		m.channel.Publish(ev.AuditID, ev)
	}
}

// stepProgress is the default progress value reported when entering a status
// without an engine-supplied percentage.
func stepProgress(status string) int {
	switch status {
	case model.StatusStarted:
		return 10
	case model.StatusAnalyzing:
		return 30
	case model.StatusDetecting:
		return 60
	case model.StatusGeneratingReport:
		return 85
	}
	return 0
}

package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// AuditStore is an in-memory store for audits
// In production, this should be replaced with a database
type AuditStore struct {
	audits    map[string]*model.Audit
	mu        sync.RWMutex
	maxAudits int // Maximum audits to keep, 0 = unlimited
}

var (
	globalStore *AuditStore
	storeOnce   sync.Once
)

// InitAuditStore initializes the global audit store with configuration
func InitAuditStore(cfg *config.StoreConfig) {
	storeOnce.Do(func() {
		maxAudits := cfg.MaxAudits
		if maxAudits < 0 {
			maxAudits = 0
		}
		globalStore = &AuditStore{
			audits:    make(map[string]*model.Audit),
			maxAudits: maxAudits,
		}
		slog.Info("audit store initialized", "max_audits", maxAudits)
	})
}

// GetAuditStore returns the global audit store
func GetAuditStore() *AuditStore {
	if globalStore == nil {
		// Fallback initialization with default settings
		globalStore = &AuditStore{
			audits:    make(map[string]*model.Audit),
			maxAudits: 100,
		}
	}
	return globalStore
}

func (s *AuditStore) Save(audit *model.Audit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	audit.UpdatedAt = time.Now()
	s.audits[audit.ID] = audit

	s.cleanupIfNeeded()
}

func (s *AuditStore) Get(id string) *model.Audit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audits[id]
}

func (s *AuditStore) GetByTenant(tenant string) []*model.Audit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Audit
	for _, a := range s.audits {
		if a.Tenant == tenant {
			result = append(result, a)
		}
	}
	// Stable listing order, newest first
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (s *AuditStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.audits, id)
}

// SetEngineTask records the external engine task id for an audit.
func (s *AuditStore) SetEngineTask(id, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audits[id]; ok {
		a.EngineTaskID = taskID
		a.UpdatedAt = time.Now()
	}
}

// UpdateProgress writes a non-terminal status and progress value.
// Legality of the transition is the state machine's responsibility.
func (s *AuditStore) UpdateProgress(id, status string, progress int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return false
	}
	a.Status = status
	a.Progress = progress
	a.UpdatedAt = time.Now()
	return true
}

// Complete marks an audit completed and attaches its findings.
func (s *AuditStore) Complete(id string, score int, riskLevel string, vulns []model.Vulnerability, gas []model.GasFinding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return false
	}
	now := time.Now()
	a.Status = model.StatusCompleted
	a.Progress = 100
	a.OverallScore = score
	a.RiskLevel = riskLevel
	a.Vulnerabilities = vulns
	a.GasFindings = gas
	a.CompletedAt = &now
	a.UpdatedAt = now
	return true
}

// MarkError freezes the audit in the error state. Progress keeps its last value.
func (s *AuditStore) MarkError(id, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return false
	}
	now := time.Now()
	a.Status = model.StatusError
	a.ErrorMsg = reason
	a.CompletedAt = &now
	a.UpdatedAt = now
	return true
}

// cleanupIfNeeded removes oldest audits if store exceeds maxAudits
// Must be called with lock held
func (s *AuditStore) cleanupIfNeeded() {
	if s.maxAudits <= 0 {
		return // Unlimited
	}

	if len(s.audits) <= s.maxAudits {
		return
	}

	audits := make([]*model.Audit, 0, len(s.audits))
	for _, a := range s.audits {
		audits = append(audits, a)
	}
	sort.Slice(audits, func(i, j int) bool {
		return audits[i].CreatedAt.Before(audits[j].CreatedAt)
	})

	removeCount := len(audits) - s.maxAudits
	for i := 0; i < removeCount; i++ {
		slog.Info("auto-cleaning old audit",
			"audit_id", audits[i].ID,
			"created_at", audits[i].CreatedAt,
		)
		delete(s.audits, audits[i].ID)
	}
}

// Count returns the number of audits in the store
func (s *AuditStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audits)
}

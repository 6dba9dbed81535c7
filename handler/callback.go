package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
	"github.com/peterohwofasa/chainproof-ai-sub001/service"
)

type CallbackHandler struct {
	engineService *service.EngineService
	machine       *service.JobStateMachine
	store         *service.AuditStore
}

func NewCallbackHandler(engineSvc *service.EngineService, machine *service.JobStateMachine) *CallbackHandler {
	return &CallbackHandler{
		engineService: engineSvc,
		machine:       machine,
		store:         service.GetAuditStore(),
	}
}

type CallbackRequest struct {
	Checksum string `json:"checksum"`
	UID      string `json:"uid"`
	Content  string `json:"content"`
}

type CallbackContent struct {
	TaskID          string                `json:"task_id"`
	DataID          string                `json:"data_id"`
	State           string                `json:"state"`
	Progress        int                   `json:"progress"`
	CurrentStep     string                `json:"current_step"`
	OverallScore    int                   `json:"overall_score"`
	RiskLevel       string                `json:"risk_level"`
	Vulnerabilities []model.Vulnerability `json:"vulnerabilities"`
	GasFindings     []model.GasFinding    `json:"gas_findings"`
	ErrorMsg        string                `json:"err_msg"`
}

// HandleCallback receives progress callbacks from the analysis engine.
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !h.engineService.VerifyCallback(req.Checksum, req.Content, req.UID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid checksum"})
		return
	}

	var content CallbackContent
	if err := json.Unmarshal([]byte(req.Content), &content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format"})
		return
	}

	// DataID carries our audit id.
	audit := h.store.Get(content.DataID)
	if audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit not found"})
		return
	}

	switch content.State {
	case "completed":
		if err := h.machine.AdvanceTo(audit.ID, model.StatusGeneratingReport, 99, content.CurrentStep); err == nil {
			h.machine.Finalize(audit.ID, content.OverallScore, content.RiskLevel, content.Vulnerabilities, content.GasFindings)
		}
	case "failed":
		h.machine.Fail(audit.ID, content.ErrorMsg)
	default:
		// Consecutive callbacks can arrive several states apart; walk the
		// chain rather than jumping. Out-of-order or duplicate callbacks for
		// an already-passed state are a no-op.
		if model.StatusRank(content.State) > 0 {
			h.machine.AdvanceTo(audit.ID, content.State, content.Progress, content.CurrentStep)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
}

package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/middleware"
	"github.com/peterohwofasa/chainproof-ai-sub001/model"
	"github.com/peterohwofasa/chainproof-ai-sub001/service"
)

const maxSourceSize = 1 << 20 // 1 MiB of contract source

type AuditHandler struct {
	artifactService *service.ArtifactService
	engineService   *service.EngineService
	store           *service.AuditStore
	machine         *service.JobStateMachine
	progress        *service.ProgressChannel
	pipeline        *service.ExportPipeline
	config          *config.Config
}

func NewAuditHandler(artifactSvc *service.ArtifactService, engineSvc *service.EngineService, machine *service.JobStateMachine, progress *service.ProgressChannel, pipeline *service.ExportPipeline, cfg *config.Config) *AuditHandler {
	return &AuditHandler{
		artifactService: artifactSvc,
		engineService:   engineSvc,
		store:           service.GetAuditStore(),
		machine:         machine,
		progress:        progress,
		pipeline:        pipeline,
		config:          cfg,
	}
}

type SubmitRequest struct {
	ContractName  string `json:"contract_name" binding:"required"`
	SourceCode    string `json:"source_code"`
	SourceAddress string `json:"source_address"`
	Network       string `json:"network"`
}

// Submit creates an audit from inline source code or a deployed address.
func (h *AuditHandler) Submit(c *gin.Context) {
	tenant := middleware.GetTenant(c)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.SourceCode == "" && req.SourceAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Either source_code or source_address is required"})
		return
	}
	if len(req.SourceCode) > maxSourceSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source code too large"})
		return
	}
	if req.SourceAddress != "" && req.Network == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "network is required with source_address"})
		return
	}

	audit := &model.Audit{
		ID:            uuid.New().String(),
		ContractName:  req.ContractName,
		Tenant:        tenant,
		SourceCode:    req.SourceCode,
		SourceAddress: req.SourceAddress,
		Network:       req.Network,
		Status:        model.StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	h.store.Save(audit)

	go h.processEngineTask(audit)

	c.JSON(http.StatusAccepted, gin.H{
		"id":            audit.ID,
		"contract_name": audit.ContractName,
		"status":        audit.Status,
	})
}

// Upload handles contract source file upload
func (h *AuditHandler) Upload(c *gin.Context) {
	tenant := middleware.GetTenant(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".sol" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only Solidity (.sol) files are allowed"})
		return
	}
	if header.Size > maxSourceSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source file too large"})
		return
	}

	source, err := io.ReadAll(io.LimitReader(file, maxSourceSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	auditID := uuid.New().String()
	objectName := fmt.Sprintf("%s/%s/%s", tenant, auditID, header.Filename)

	err = h.artifactService.UploadSource(c.Request.Context(), objectName, strings.NewReader(string(source)), int64(len(source)), "text/plain")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file: " + err.Error()})
		return
	}

	sourceURL, err := h.artifactService.PresignedURL(c.Request.Context(), objectName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate URL: " + err.Error()})
		return
	}

	contractName := strings.TrimSuffix(header.Filename, ext)
	audit := &model.Audit{
		ID:           auditID,
		ContractName: contractName,
		Tenant:       tenant,
		SourceCode:   string(source),
		SourceURL:    sourceURL,
		Status:       model.StatusPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	h.store.Save(audit)

	go h.processEngineTask(audit)

	c.JSON(http.StatusAccepted, gin.H{
		"id":            auditID,
		"contract_name": contractName,
		"source_url":    sourceURL,
		"status":        model.StatusPending,
	})
}

// processEngineTask submits the audit to the analysis engine asynchronously.
func (h *AuditHandler) processEngineTask(audit *model.Audit) {
	if err := h.machine.Advance(audit.ID, model.StatusStarted, 10, "submitting to engine"); err != nil {
		return
	}

	resp, err := h.engineService.CreateTask(audit)
	if err != nil {
		h.machine.Fail(audit.ID, "engine task creation failed: "+err.Error())
		return
	}
	h.store.SetEngineTask(audit.ID, resp.Data.TaskID)

	// With a callback configured the engine pushes updates; polling is the
	// fallback when it isn't, or when callbacks get lost.
	if h.config.Engine.CallbackURL == "" {
		h.pollTaskStatus(audit.ID, resp.Data.TaskID)
	}
}

// pollTaskStatus polls the engine until the task reaches a terminal state.
func (h *AuditHandler) pollTaskStatus(auditID, taskID string) {
	interval := time.Duration(h.config.Progress.PollIntervalSecs) * time.Second
	for i := 0; i < h.config.Progress.PollMaxAttempts; i++ {
		time.Sleep(interval)

		status, err := h.engineService.GetTaskStatus(taskID)
		if err != nil {
			continue
		}

		data := status.Data
		switch data.State {
		case "completed":
			// Walk any skipped intermediate states before finalizing.
			if err := h.machine.AdvanceTo(auditID, model.StatusGeneratingReport, 99, data.CurrentStep); err != nil {
				return
			}
			h.machine.Finalize(auditID, data.OverallScore, data.RiskLevel, data.Vulnerabilities, data.GasFindings)
			return
		case "failed":
			h.machine.Fail(auditID, data.ErrorMsg)
			return
		default:
			if model.StatusRank(data.State) > 0 {
				h.machine.AdvanceTo(auditID, data.State, data.Progress, data.CurrentStep)
			}
		}
	}

	h.machine.Fail(auditID, "engine status polling timeout")
}

// List returns all audits for the current tenant
func (h *AuditHandler) List(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	audits := h.store.GetByTenant(tenant)

	// Summary view: no source code or findings bodies.
	result := make([]gin.H, len(audits))
	for i, audit := range audits {
		result[i] = gin.H{
			"id":            audit.ID,
			"contract_name": audit.ContractName,
			"status":        audit.Status,
			"progress":      audit.Progress,
			"overall_score": audit.OverallScore,
			"risk_level":    audit.RiskLevel,
			"created_at":    audit.CreatedAt.Format(time.RFC3339),
			"updated_at":    audit.UpdatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{"audits": result})
}

// Get returns a single audit with findings
func (h *AuditHandler) Get(c *gin.Context) {
	audit := h.tenantAudit(c)
	if audit == nil {
		return
	}
	c.JSON(http.StatusOK, audit)
}

// GetStatus returns the processing status of an audit
func (h *AuditHandler) GetStatus(c *gin.Context) {
	audit := h.tenantAudit(c)
	if audit == nil {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        audit.ID,
		"status":    audit.Status,
		"progress":  audit.Progress,
		"error_msg": audit.ErrorMsg,
	})
}

// Delete deletes an audit
func (h *AuditHandler) Delete(c *gin.Context) {
	audit := h.tenantAudit(c)
	if audit == nil {
		return
	}

	h.store.Delete(audit.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Audit deleted"})
}

// Events streams progress events for an audit as server-sent events. The
// stream replays the audit's current state immediately, then follows live
// updates until the audit reaches a terminal state or the client disconnects.
func (h *AuditHandler) Events(c *gin.Context) {
	audit := h.tenantAudit(c)
	if audit == nil {
		return
	}

	observerID := c.Query("observer_id")
	if observerID == "" {
		observerID = uuid.New().String()
	}

	ch := h.progress.Join(audit.ID, observerID)
	defer h.progress.Leave(audit.ID, observerID)

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return !model.IsTerminal(ev.Status)
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Compare diffs two completed audits of the same contract.
func (h *AuditHandler) Compare(c *gin.Context) {
	tenant := middleware.GetTenant(c)

	beforeID := c.Query("before")
	afterID := c.Query("after")
	if beforeID == "" || afterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "before and after audit ids are required"})
		return
	}

	before := h.store.Get(beforeID)
	after := h.store.Get(afterID)
	if before == nil || before.Tenant != tenant || after == nil || after.Tenant != tenant {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit not found"})
		return
	}

	result, err := service.Compare(before, after)
	if err != nil {
		h.compareError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *AuditHandler) compareError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrIdenticalAudits):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot compare an audit with itself"})
	case errors.Is(err, service.ErrAuditNotComparable):
		c.JSON(http.StatusConflict, gin.H{"error": "Both audits must be completed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Export renders a completed audit in the requested format. With ?store=1 the
// artifact is also written to object storage and a presigned URL returned
// instead of the raw payload.
func (h *AuditHandler) Export(c *gin.Context) {
	audit := h.tenantAudit(c)
	if audit == nil {
		return
	}

	format := c.DefaultQuery("format", service.FormatData)

	var payload []byte
	var err error
	switch format {
	case service.FormatData:
		payload, err = h.pipeline.ExportData(audit)
	case service.FormatText:
		payload, err = h.pipeline.ExportText(audit)
	case service.FormatRaster:
		payload, err = h.pipeline.ExportRaster(audit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown format: " + format})
		return
	}
	if err != nil {
		h.exportError(c, err)
		return
	}

	if c.Query("store") == "1" {
		objectName, err := h.artifactService.UploadExport(c.Request.Context(), audit.Tenant, audit.ID, format, payload, service.ContentType(format))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store export: " + err.Error()})
			return
		}
		url, err := h.artifactService.PresignedURL(c.Request.Context(), objectName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate URL: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"object_name": objectName, "url": url})
		return
	}

	c.Data(http.StatusOK, service.ContentType(format), payload)
}

func (h *AuditHandler) exportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAuditNotExportable):
		c.JSON(http.StatusConflict, gin.H{"error": "Audit is not completed yet"})
	case errors.Is(err, service.ErrRenderCaptureFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Report rendering failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// tenantAudit resolves the :id param to an audit owned by the caller's tenant,
// writing the 404 response itself when there is none.
func (h *AuditHandler) tenantAudit(c *gin.Context) *model.Audit {
	tenant := middleware.GetTenant(c)
	id := c.Param("id")

	audit := h.store.Get(id)
	if audit == nil || audit.Tenant != tenant {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit not found"})
		return nil
	}
	return audit
}

package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// EngineService talks to the external analysis engine. The engine performs the
// actual contract inspection; this service only creates tasks, polls their
// status, and verifies signed callbacks. It never mutates audits itself.
type EngineService struct {
	config     *config.EngineConfig
	httpClient *http.Client
}

// EngineTaskRequest is the request to start an analysis task.
type EngineTaskRequest struct {
	ContractName  string `json:"contract_name"`
	SourceCode    string `json:"source_code,omitempty"`
	SourceAddress string `json:"source_address,omitempty"`
	Network       string `json:"network,omitempty"`
	EngineVersion string `json:"engine_version"`
	Callback      string `json:"callback,omitempty"`
	Seed          string `json:"seed,omitempty"`
	DataID        string `json:"data_id,omitempty"`
}

// EngineTaskResponse is the response from task creation.
type EngineTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// EngineTaskStatusResponse is the task status query response.
type EngineTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	TraceID string `json:"trace_id"`
	Data    struct {
		TaskID          string                `json:"task_id"`
		DataID          string                `json:"data_id"`
		State           string                `json:"state"` // pending, started, analyzing, detecting, generating_report, completed, failed
		Progress        int                   `json:"progress"`
		CurrentStep     string                `json:"current_step,omitempty"`
		OverallScore    int                   `json:"overall_score,omitempty"`
		RiskLevel       string                `json:"risk_level,omitempty"`
		Vulnerabilities []model.Vulnerability `json:"vulnerabilities,omitempty"`
		GasFindings     []model.GasFinding    `json:"gas_findings,omitempty"`
		ErrorMsg        string                `json:"err_msg,omitempty"`
	} `json:"data"`
}

func NewEngineService(cfg *config.EngineConfig) *EngineService {
	return &EngineService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CreateTask submits an audit to the engine and returns the engine task id.
func (s *EngineService) CreateTask(audit *model.Audit) (*EngineTaskResponse, error) {
	reqBody := EngineTaskRequest{
		ContractName:  audit.ContractName,
		SourceCode:    audit.SourceCode,
		SourceAddress: audit.SourceAddress,
		Network:       audit.Network,
		EngineVersion: s.config.EngineVersion,
		DataID:        audit.ID,
	}

	if s.config.CallbackURL != "" {
		reqBody.Callback = s.config.CallbackURL
		reqBody.Seed = s.config.Seed
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", s.config.APIURL+"/analyze/task", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result EngineTaskResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w, body: %s", err, string(body))
	}

	if result.Code != 0 {
		return nil, fmt.Errorf("engine API error: %s", result.Message)
	}

	return &result, nil
}

// GetTaskStatus queries the status of a task.
func (s *EngineService) GetTaskStatus(taskID string) (*EngineTaskStatusResponse, error) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/analyze/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result EngineTaskStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Code != 0 {
		return nil, fmt.Errorf("engine API error: %s", result.Message)
	}

	return &result, nil
}

// VerifyCallback verifies the callback checksum.
// Checksum = SHA256(uid + seed + content)
func (s *EngineService) VerifyCallback(checksum, content, uid string) bool {
	data := uid + s.config.Seed + content
	hash := sha256.Sum256([]byte(data))
	expected := hex.EncodeToString(hash[:])
	return checksum == expected
}

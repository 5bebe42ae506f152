package client

import (
	"encoding/json"
	"time"
)

// JobConfig is the job configuration submitted with CreateJob. Options is
// passed through to the engine untouched.
type JobConfig struct {
	InputPaths []string               `json:"input_paths"`
	OutputDir  string                 `json:"output_dir,omitempty"`
	Style      string                 `json:"style,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// JobCreateRequest is the body for POST /v1/jobs.
type JobCreateRequest struct {
	Config         JobConfig `json:"config"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Job is the engine's job representation on the control surface.
type Job struct {
	JobID           string          `json:"job_id"`
	State           string          `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	ProgressPercent *int            `json:"progress_percent,omitempty"`
	ProgressPhase   string          `json:"progress_phase,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// ArtifactInfo describes one output artifact in a receipt.
type ArtifactInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// ReceiptTimestamps is the timestamps section of a receipt.
type ReceiptTimestamps struct {
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
}

// Receipt is the immutable terminal-state artifact manifest for a job.
type Receipt struct {
	SchemaVersion  string                 `json:"schema_version"`
	JobID          string                 `json:"job_id"`
	RunID          string                 `json:"run_id"`
	ReceiptStatus  string                 `json:"receipt_status"`
	ExitCode       string                 `json:"exit_code,omitempty"`
	Timestamps     ReceiptTimestamps      `json:"timestamps"`
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`
	SourcePins     map[string]string      `json:"source_pins,omitempty"`
	Outputs        []ArtifactInfo         `json:"outputs,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// EngineStatus is the response from GET /v1/engine/status.
type EngineStatus struct {
	Version       string   `json:"version"`
	BuildHash     string   `json:"build_hash"`
	APIVersion    string   `json:"api_version"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Mode          string   `json:"mode"`
	Health        string   `json:"health"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	ActiveJobs    int      `json:"active_jobs"`
	QueueDepth    int      `json:"queue_depth"`
}

// ErrorResponse is the engine's standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

package v1

import "time"

// RegisterCollectorRequest admits a new collector into the fleet.
type RegisterCollectorRequest struct {
	ID            string   `json:"id" binding:"required"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Endpoint      string   `json:"endpoint" binding:"required"`
	MaxConcurrent int      `json:"max_concurrent" binding:"required"`
	Capabilities  []string `json:"capabilities"`
}

// HeartbeatRequest is the periodic liveness/metrics signal of a collector.
type HeartbeatRequest struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// CollectorResponse describes one collector.
type CollectorResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Endpoint      string    `json:"endpoint"`
	Status        string    `json:"status"`
	MaxConcurrent int       `json:"max_concurrent"`
	CurrentLoad   int       `json:"current_load"`
	Capabilities  []string  `json:"capabilities"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// SubmitTaskRequest submits a command batch for execution.
type SubmitTaskRequest struct {
	Priority             int      `json:"priority" binding:"required"`
	TargetDevices        []string `json:"target_devices" binding:"required"`
	RequiredCapabilities []string `json:"required_capabilities"`
	CredentialRef        string   `json:"credential_ref" binding:"required"`
	Commands             []string `json:"commands" binding:"required"`
	TimeoutSeconds       int      `json:"timeout_seconds"`
	MaxRetries           int      `json:"max_retries"`
}

// TaskResponse describes one task. The credential reference is omitted.
type TaskResponse struct {
	ID                   string     `json:"id"`
	Priority             int        `json:"priority"`
	Status               string     `json:"status"`
	TargetDevices        []string   `json:"target_devices"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	Commands             []string   `json:"commands"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	MaxRetries           int        `json:"max_retries"`
	RetryCount           int        `json:"retry_count"`
	Attempt              int        `json:"attempt"`
	AssignedCollector    string     `json:"assigned_collector,omitempty"`
	CancelRequested      bool       `json:"cancel_requested"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
}

// ResultRequest is a result message from a collector. Delivery is
// at-least-once: duplicates are dropped by the correlator.
type ResultRequest struct {
	TaskID          string  `json:"task_id" binding:"required"`
	CollectorID     string  `json:"collector_id" binding:"required"`
	Attempt         int     `json:"attempt" binding:"required"`
	Success         bool    `json:"success"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	Output          string  `json:"output"`
	ErrorCode       string  `json:"error_code"`
	ErrorMessage    string  `json:"error_message"`
}

// ProgressRequest is a collector's signal that it started executing an
// assignment.
type ProgressRequest struct {
	CollectorID string `json:"collector_id" binding:"required"`
	Attempt     int    `json:"attempt" binding:"required"`
}

// TaskResultResponse describes one recorded execution attempt.
type TaskResultResponse struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	CollectorID     string    `json:"collector_id"`
	Attempt         int       `json:"attempt"`
	Success         bool      `json:"success"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Output          string    `json:"output"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// TaskTransitionResponse is one audit-trail entry of a task.
type TaskTransitionResponse struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	CollectorID string    `json:"collector_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

package v1

import (
	"time"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
)

func (r *CollectorResponse) FromModel(m *models.Collector) {
	r.ID = m.ID
	r.Name = m.Name
	r.Version = m.Version
	r.Endpoint = m.Endpoint
	r.Status = string(m.Status)
	r.MaxConcurrent = m.MaxConcurrent
	r.CurrentLoad = m.CurrentLoad
	r.Capabilities = m.Capabilities
	r.CPUPercent = m.CPUPercent
	r.MemoryPercent = m.MemoryPercent
	r.LastHeartbeat = m.LastHeartbeat
	r.RegisteredAt = m.RegisteredAt
}

func (r *RegisterCollectorRequest) ToModel() *models.Collector {
	return &models.Collector{
		ID:            r.ID,
		Name:          r.Name,
		Version:       r.Version,
		Endpoint:      r.Endpoint,
		MaxConcurrent: r.MaxConcurrent,
		Capabilities:  r.Capabilities,
	}
}

func (r *SubmitTaskRequest) ToModel() *models.Task {
	return &models.Task{
		Priority:             r.Priority,
		TargetDevices:        r.TargetDevices,
		RequiredCapabilities: r.RequiredCapabilities,
		CredentialRef:        r.CredentialRef,
		Commands:             r.Commands,
		Timeout:              time.Duration(r.TimeoutSeconds) * time.Second,
		MaxRetries:           r.MaxRetries,
	}
}

func (r *TaskResponse) FromModel(m *models.Task) {
	r.ID = m.ID
	r.Priority = m.Priority
	r.Status = string(m.Status)
	r.TargetDevices = m.TargetDevices
	r.RequiredCapabilities = m.RequiredCapabilities
	r.Commands = m.Commands
	r.TimeoutSeconds = int(m.Timeout / time.Second)
	r.MaxRetries = m.MaxRetries
	r.RetryCount = m.RetryCount
	r.Attempt = m.Attempt
	r.AssignedCollector = m.AssignedCollector
	r.CancelRequested = m.CancelRequested
	r.CreatedAt = m.CreatedAt
	r.StartedAt = m.StartedAt
	r.CompletedAt = m.CompletedAt
	r.ErrorMessage = m.ErrorMessage
}

func (r *ResultRequest) ToModel() *models.TaskResult {
	return &models.TaskResult{
		TaskID:        r.TaskID,
		CollectorID:   r.CollectorID,
		Attempt:       r.Attempt,
		Success:       r.Success,
		ExecutionTime: time.Duration(r.ExecutionTimeMs) * time.Millisecond,
		Output:        r.Output,
		ErrorCode:     r.ErrorCode,
		ErrorMessage:  r.ErrorMessage,
	}
}

func (r *TaskResultResponse) FromModel(m *models.TaskResult) {
	r.ID = m.ID
	r.TaskID = m.TaskID
	r.CollectorID = m.CollectorID
	r.Attempt = m.Attempt
	r.Success = m.Success
	r.ExecutionTimeMs = m.ExecutionTime.Milliseconds()
	r.Output = m.Output
	r.ErrorCode = m.ErrorCode
	r.ErrorMessage = m.ErrorMessage
	r.ReceivedAt = m.ReceivedAt
}

func (r *TaskTransitionResponse) FromModel(m store.TaskTransition) {
	r.From = string(m.From)
	r.To = string(m.To)
	r.CollectorID = m.CollectorID
	r.Note = m.Note
	r.OccurredAt = m.OccurredAt
}

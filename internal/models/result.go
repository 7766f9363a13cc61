package models

import "time"

// Error codes reported by collectors. The correlator uses them to decide
// whether a failed attempt is worth retrying.
const (
	ErrorCodeSSHConnection  = "SSH_CONNECTION_ERROR"
	ErrorCodeTimeout        = "TIMEOUT"
	ErrorCodeNetwork        = "NETWORK_ERROR"
	ErrorCodeTransport      = "TRANSPORT_ERROR"
	ErrorCodeAuthentication = "AUTHENTICATION_ERROR"
	ErrorCodeTaskExecution  = "TASK_EXECUTION_ERROR"
	ErrorCodeUnknown        = "UNKNOWN_ERROR"
)

// RetryableErrorCode reports whether a failed attempt with the given error
// code may be retried. Connection and timeout failures are transient;
// authentication and command failures are not.
func RetryableErrorCode(code string) bool {
	switch code {
	case ErrorCodeSSHConnection, ErrorCodeTimeout, ErrorCodeNetwork, ErrorCodeTransport:
		return true
	}
	return false
}

// TaskResult is the outcome of one execution attempt, reported by a
// collector. Immutable once stored.
type TaskResult struct {
	ID            string
	TaskID        string
	CollectorID   string
	Attempt       int
	Success       bool
	ExecutionTime time.Duration
	Output        string
	ErrorCode     string
	ErrorMessage  string
	ReceivedAt    time.Time
}

// Package transport delivers assignment messages to collectors. Delivery is
// at-least-once; the scheduling core dedupes by task id and attempt counter.
package transport

import "context"

// Assignment is the message handed to a collector when a task is dispatched
// to it. CredentialRef is an opaque reference the collector resolves itself.
type Assignment struct {
	TaskID         string   `json:"task_id"`
	Attempt        int      `json:"attempt"`
	Priority       int      `json:"priority"`
	CollectorID    string   `json:"collector_id"`
	TargetDevices  []string `json:"target_devices"`
	CredentialRef  string   `json:"credential_ref"`
	Commands       []string `json:"commands"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// AssignmentPublisher hands an assignment to a collector at the given
// endpoint. A returned error means the dispatcher must roll the assignment
// back and leave the task pending.
type AssignmentPublisher interface {
	Publish(ctx context.Context, endpoint string, assignment *Assignment) error
}

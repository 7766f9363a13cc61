package models

import "time"

// CollectorStatus represents the liveness state of a collector.
type CollectorStatus string

const (
	// CollectorStatusOnline - registered and heartbeating, accepts work
	CollectorStatusOnline CollectorStatus = "ONLINE"
	// CollectorStatusOffline - missed heartbeats, work has been requeued
	CollectorStatusOffline CollectorStatus = "OFFLINE"
	// CollectorStatusBusy - alive but at capacity
	CollectorStatusBusy CollectorStatus = "BUSY"
	// CollectorStatusError - reported a fatal internal error
	CollectorStatusError CollectorStatus = "ERROR"
	// CollectorStatusMaintenance - manually drained, excluded from dispatch
	CollectorStatusMaintenance CollectorStatus = "MAINTENANCE"
)

// Collector is a worker that executes command batches against network
// devices over SSH and reports results back to the controller.
type Collector struct {
	ID            string
	Name          string
	Version       string
	Endpoint      string
	Status        CollectorStatus
	MaxConcurrent int
	CurrentLoad   int
	Capabilities  []string
	CPUPercent    float64
	MemoryPercent float64
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// HeartbeatMetrics is the payload a collector reports on each heartbeat.
type HeartbeatMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
}

// HasCapabilities reports whether the collector supports every required
// capability (device types, per the collector's registration).
func (c *Collector) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	caps := make(map[string]struct{}, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		caps[capability] = struct{}{}
	}
	for _, r := range required {
		if _, ok := caps[r]; !ok {
			return false
		}
	}
	return true
}

// HasSpareCapacity reports whether the collector can take one more task.
func (c *Collector) HasSpareCapacity() bool {
	return c.CurrentLoad < c.MaxConcurrent
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const assignmentPath = "/api/v1/assignments"

// HTTPPublisher pushes assignments to a collector's registered endpoint
// over HTTP.
type HTTPPublisher struct {
	client *http.Client
}

// NewHTTPPublisher creates a publisher with the given per-request timeout.
func NewHTTPPublisher(timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		client: &http.Client{Timeout: timeout},
	}
}

// Publish POSTs the assignment to the collector. Any non-2xx response is a
// delivery failure.
func (p *HTTPPublisher) Publish(ctx context.Context, endpoint string, assignment *Assignment) error {
	body, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("encoding assignment: %w", err)
	}

	url := "http://" + endpoint + assignmentPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building assignment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering assignment: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("collector rejected assignment: status %d", resp.StatusCode)
	}

	zap.S().Debugw("assignment delivered",
		"task", assignment.TaskID,
		"collector", assignment.CollectorID,
		"attempt", assignment.Attempt,
	)
	return nil
}

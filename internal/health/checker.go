package health

import (
	"context"
	"fmt"

	"github.com/technosupport/theftguard/internal/backend"
)

// Checker performs one liveness check against the backend.
type Checker interface {
	Check(ctx context.Context) error
}

// HealthClient is the backend call a BackendChecker needs.
type HealthClient interface {
	Health(ctx context.Context) (*backend.HealthReport, error)
}

// BackendChecker treats only {"status":"healthy"} as healthy.
type BackendChecker struct {
	client HealthClient
}

func NewBackendChecker(client HealthClient) *BackendChecker {
	return &BackendChecker{client: client}
}

func (c *BackendChecker) Check(ctx context.Context) error {
	report, err := c.client.Health(ctx)
	if err != nil {
		return &PollError{Reason: "request", Err: err}
	}
	if !report.Healthy() {
		return &PollError{Reason: "status", Err: fmt.Errorf("backend reported status %q", report.Status)}
	}
	return nil
}

// PollError is a failed health check. It only ever surfaces as
// healthy=false.
type PollError struct {
	Reason string // "request", "status", "timeout"
	Err    error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("health check failed (%s): %v", e.Reason, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Package health aggregates the startup, liveness and readiness checks
// served on the probe server.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusStarting Status = "starting"
	StatusNotReady Status = "not-ready"
	StatusError    Status = "error"
)

// severity orders statuses so the worst one wins when aggregating.
var severity = map[Status]int{
	StatusOK:       0,
	StatusStarting: 1,
	StatusNotReady: 2,
	StatusError:    3,
}

// Worse returns whichever of s and other is more severe.
func (s Status) Worse(other Status) Status {
	if severity[other] > severity[s] {
		return other
	}
	return s
}

// CheckResult is the outcome of one checker run.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is implemented by everything the probes consult.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// StartupResponse is the body of /healthz/startup. Checks maps each checker
// to its status; Messages holds the explanation of every check not OK.
type StartupResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks"`
	Messages  map[string]string `json:"messages,omitempty"`
}

// LivenessResponse is the body of /healthz/live.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of /healthz/ready.
type ReadinessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Ready     bool      `json:"ready"`
	Message   string    `json:"message,omitempty"`
}

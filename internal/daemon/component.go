package daemon

import (
	"context"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// ComponentHealth is one component's self-report. Detail is free-form and
// shown on the status server.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Detail  string
	Error   error
}

// Component is a piece of supporting infrastructure hosted next to the
// session lifecycle. Init runs in dependency order, Stop in reverse
// registration order.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

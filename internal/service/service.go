package service

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Phase groups services for shutdown ordering. Frontend services stop first,
// then infrastructure, then core.
type Phase string

const (
	PhaseFrontend Phase = "frontend"
	PhaseInfra    Phase = "infra"
	PhaseCore     Phase = "core"
)

// shutdownOrder lists phases in the order they are torn down.
var shutdownOrder = []Phase{PhaseFrontend, PhaseInfra, PhaseCore}

// ShutdownPhases returns the tear-down ordering of phases.
func ShutdownPhases() []Phase { return shutdownOrder }

// Descriptor is the static definition of one managed service, loaded at
// startup. DependsOn names other descriptors that must be running before
// this one starts.
type Descriptor struct {
	Name      string
	Type      string
	DependsOn []string
	Required  bool
	Phase     Phase
	Adapter   Adapter
	// StartTimeout bounds one start attempt (per strategy); StopTimeout is
	// the graceful window before escalation.
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Validate checks descriptor fields that cannot be defaulted.
func (d *Descriptor) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n/\\") {
		return fmt.Errorf("service %q: name contains invalid characters", name)
	}
	if d.Adapter == nil {
		return fmt.Errorf("service %q: adapter is required", name)
	}
	for _, dep := range d.DependsOn {
		if dep == d.Name {
			return fmt.Errorf("service %q: depends on itself", name)
		}
	}
	switch d.Phase {
	case "", PhaseFrontend, PhaseInfra, PhaseCore:
	default:
		return fmt.Errorf("service %q: unknown phase %q", name, d.Phase)
	}
	return nil
}

// Health is the result of one adapter health probe.
type Health struct {
	Healthy             bool          `json:"healthy"`
	ResponseTime        time.Duration `json:"response_time"`
	Err                 string        `json:"error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
}

// StartResult carries what the adapter learned about the entity it started.
type StartResult struct {
	PID         int
	Port        int
	ContainerID string
	Metadata    map[string]string
}

// Adapter is the only contract the core has with a managed service. Stop with
// a zero timeout means terminate immediately (forced kill); a positive
// timeout is the graceful window before the adapter escalates on its own.
type Adapter interface {
	Start(ctx context.Context, options map[string]string) (StartResult, error)
	Stop(ctx context.Context, timeout time.Duration) error
	HealthCheck(ctx context.Context, timeout time.Duration) Health
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Strategy is one named way of running a service inside a fallback chain.
type Strategy struct {
	Name    string
	Adapter service.Adapter
}

// Chain tries its strategies in order until one starts. The winning strategy
// handles Stop and HealthCheck until the next start attempt, and its name is
// recorded in the start metadata.
type Chain struct {
	Strategies []Strategy

	mu     sync.Mutex
	active *Strategy
}

func NewChain(strategies ...Strategy) *Chain {
	return &Chain{Strategies: strategies}
}

func (c *Chain) Start(ctx context.Context, options map[string]string) (service.StartResult, error) {
	if len(c.Strategies) == 0 {
		return service.StartResult{}, fmt.Errorf("no start strategies configured")
	}
	candidates := make([]*Strategy, 0, len(c.Strategies))
	if want := options["strategy"]; want != "" {
		// operator pinned a strategy; no fallback past it
		for i := range c.Strategies {
			if c.Strategies[i].Name == want {
				candidates = append(candidates, &c.Strategies[i])
				break
			}
		}
		if len(candidates) == 0 {
			return service.StartResult{}, fmt.Errorf("unknown start strategy %q", want)
		}
	} else {
		for i := range c.Strategies {
			candidates = append(candidates, &c.Strategies[i])
		}
	}
	var errs []error
	for _, s := range candidates {
		res, err := s.Adapter.Start(ctx, options)
		if err == nil {
			c.mu.Lock()
			c.active = s
			c.mu.Unlock()
			if res.Metadata == nil {
				res.Metadata = map[string]string{}
			}
			res.Metadata["strategy"] = s.Name
			return res, nil
		}
		errs = append(errs, fmt.Errorf("strategy %s: %w", s.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return service.StartResult{}, errors.Join(errs...)
}

// Active returns the strategy that last started the service, or empty.
func (c *Chain) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Name
}

func (c *Chain) Stop(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Adapter.Stop(ctx, timeout)
}

func (c *Chain) HealthCheck(ctx context.Context, timeout time.Duration) service.Health {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return service.Health{Healthy: false, Err: "not started"}
	}
	return s.Adapter.HealthCheck(ctx, timeout)
}

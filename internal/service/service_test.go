package service

import (
	"context"
	"time"
)

// nopAdapter satisfies Adapter for descriptor validation tests.
type nopAdapter struct{}

func (nopAdapter) Start(context.Context, map[string]string) (StartResult, error) {
	return StartResult{}, nil
}
func (nopAdapter) Stop(context.Context, time.Duration) error { return nil }
func (nopAdapter) HealthCheck(context.Context, time.Duration) Health {
	return Health{Healthy: true}
}

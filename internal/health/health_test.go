package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCheckAllUp(t *testing.T) {
	c := NewChecker(zap.NewNop())
	c.Register("database", true, func(ctx context.Context) error { return nil })
	c.Register("redis", false, func(ctx context.Context) error { return nil })

	report := c.Check(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "up", report.Probes["database"].Status)
}

func TestCriticalFailureDegrades(t *testing.T) {
	c := NewChecker(zap.NewNop())
	c.Register("database", true, func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	report := c.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Probes["database"].Status)
	assert.Contains(t, report.Probes["database"].Error, "connection refused")
}

func TestNonCriticalFailureStaysHealthy(t *testing.T) {
	c := NewChecker(zap.NewNop())
	c.Register("database", true, func(ctx context.Context) error { return nil })
	c.Register("redis", false, func(ctx context.Context) error {
		return errors.New("redis down")
	})

	report := c.Check(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, "down", report.Probes["redis"].Status)
}

package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

func TestHealthChecker_Check(t *testing.T) {
	checker := NewHealthChecker(map[string]Probe{
		SystemProxmox: func(context.Context) error { return nil },
		SystemNetBox: func(context.Context) error {
			return apperrors.Unavailable(SystemNetBox, errors.New("connection refused"))
		},
		SystemTerraform: func(context.Context) error { return errors.New("binary missing") },
	}, time.Minute, time.Second)

	assert.Equal(t, SystemStatusHealthy, checker.Check(context.Background(), SystemProxmox).Status)
	assert.Equal(t, SystemStatusUnreachable, checker.Check(context.Background(), SystemNetBox).Status)

	h := checker.Check(context.Background(), SystemTerraform)
	assert.Equal(t, SystemStatusUnhealthy, h.Status)
	assert.Contains(t, h.Error, "binary missing")

	assert.Equal(t, SystemStatusUnknown, checker.Check(context.Background(), "other").Status)
}

func TestHealthChecker_CacheAndAll(t *testing.T) {
	checker := NewHealthChecker(map[string]Probe{
		SystemProxmox: func(context.Context) error { return nil },
		SystemNetBox:  func(context.Context) error { return nil },
	}, time.Minute, time.Second)

	assert.Equal(t, SystemStatusUnknown, checker.Get(SystemProxmox).Status)

	checker.CheckAll(context.Background())
	all := checker.All()
	require.Len(t, all, 2)
	assert.Equal(t, SystemNetBox, all[0].System)
	assert.Equal(t, SystemStatusHealthy, all[1].Status)
}

func TestHealthChecker_ProbeTimeout(t *testing.T) {
	checker := NewHealthChecker(map[string]Probe{
		SystemProxmox: func(ctx context.Context) error {
			<-ctx.Done()
			return apperrors.Unavailable(SystemProxmox, ctx.Err())
		},
	}, time.Minute, 10*time.Millisecond)

	h := checker.Check(context.Background(), SystemProxmox)
	assert.Equal(t, SystemStatusUnreachable, h.Status)
}

func TestHealthChecker_StopIdempotent(t *testing.T) {
	checker := NewHealthChecker(map[string]Probe{}, time.Hour, time.Second)
	checker.Start(context.Background())
	assert.NotPanics(t, func() {
		checker.Stop()
		checker.Stop()
	})
}

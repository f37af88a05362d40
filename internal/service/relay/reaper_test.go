package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaperRunsSweepsUntilCancelled(t *testing.T) {
	limits := DefaultLimits()
	limits.HeartbeatInterval = 5 * time.Millisecond
	limits.SessionSweepInterval = 5 * time.Millisecond
	limits.GeoSweepInterval = 5 * time.Millisecond
	limits.GeoTTL = time.Millisecond
	svc := NewService(Options{Limits: limits, Logger: quietLogger()})

	silent := newFakeConn("silent")
	svc.Register(silent)
	geoJoin(t, svc, "silent", "u", 0, 0, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(svc).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats := svc.Stats()
		return stats.Connections == 0 && stats.GeoPool == 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, silent.isClosed())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

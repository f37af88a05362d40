package relay

import (
	"context"
	"time"
)

// Reaper runs the periodic sweeps: heartbeat probe, session expiry and geo TTL.
type Reaper struct {
	svc       *Service
	heartbeat time.Duration
	sessions  time.Duration
	geo       time.Duration
}

// NewReaper uses the intervals from the service limits.
func NewReaper(svc *Service) *Reaper {
	limits := svc.Limits()
	return &Reaper{
		svc:       svc,
		heartbeat: limits.HeartbeatInterval,
		sessions:  limits.SessionSweepInterval,
		geo:       limits.GeoSweepInterval,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	sessions := time.NewTicker(r.sessions)
	defer sessions.Stop()
	geo := time.NewTicker(r.geo)
	defer geo.Stop()

	r.svc.log.WithField("heartbeat", r.heartbeat).Info("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.svc.log.Info("reaper stopped")
			return
		case <-heartbeat.C:
			r.svc.ProbeConnections()
		case <-sessions.C:
			r.svc.SweepSessions()
		case <-geo.C:
			r.svc.SweepGeoPool()
		}
	}
}

package relay

import (
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/metrics"
)

// Register adds a live connection. It starts out alive with a fresh rate window.
func (s *Service) Register(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn.ID()] = &connState{
		conn:        conn,
		alive:       true,
		windowStart: s.now(),
	}
	metrics.TotalConnections.Inc()
	s.observe()
	s.log.WithField("conn", conn.ID()).Info("connection registered")
}

// Deregister removes a connection and cascades into the session table and geo pool.
// Calling it for an unknown id is a no-op.
func (s *Service) Deregister(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deregister(connID)
	s.observe()
}

// MarkAlive records a heartbeat reply.
func (s *Service) MarkAlive(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.conns[connID]; ok {
		st.alive = true
	}
}

// ProbeConnections drops every connection that missed the previous probe and
// pings the rest. A peer silent for one full interval is gone on the next call.
func (s *Service) ProbeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.conns {
		if !st.alive {
			s.log.WithField("conn", id).Info("terminating dead connection")
			metrics.DeadConnections.Inc()
			st.conn.Close()
			s.deregister(id)
			continue
		}
		st.alive = false
		if err := st.conn.Ping(); err != nil {
			s.log.WithField("conn", id).WithError(err).Debug("ping failed")
		}
	}
	s.observe()
}

func (s *Service) deregister(connID string) {
	if _, ok := s.conns[connID]; !ok {
		return
	}

	s.leave(connID)
	s.removeGeoByConn(connID)
	delete(s.conns, connID)
	s.log.WithFields(logrus.Fields{"conn": connID}).Info("connection closed")
}

package relay

import (
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/metrics"
	"github.com/zhouzirui/birddrop/backend/internal/model/pairing"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

const (
	msgWaiting          = "Waiting for second user to join."
	msgReady            = "Both users present. You may begin."
	msgAtCapacity       = "Server at capacity"
	msgRoomFull         = "Room full. Only two users allowed."
	msgSessionDestroyed = "Peer left. Session closed."
	msgSessionExpired   = "Session expired"
)

func (s *Service) validID(id string) bool {
	return id != "" && utf8.RuneCountInString(id) <= s.limits.MaxIDLength
}

// join seats a connection in a session, creating the session on first join.
func (s *Service) join(connID string, in signal.Inbound) {
	logger := s.log.WithFields(logrus.Fields{"conn": connID, "session": in.SessionID})
	if !s.validID(in.SessionID) {
		logger.Warn("invalid session id")
		return
	}

	sid := in.SessionID
	sess, exists := s.sessions[sid]

	if current, seated := s.seats[connID]; seated {
		if current != sid {
			logger.WithField("current", current).Warn("join ignored, connection already seated elsewhere")
			return
		}
		// Rejoin from a seated member only re-announces readiness.
		if exists && sess.Full() {
			logger.Debug("duplicate join, re-sending ready")
			s.announceReady(sess)
		}
		return
	}

	if !exists && len(s.sessions) >= s.limits.MaxSessions {
		logger.Warn("max sessions reached, rejecting new session")
		s.send(connID, signal.Outbound{Type: signal.TypeError, Message: msgAtCapacity})
		s.closeConn(connID)
		return
	}

	if exists && sess.Full() {
		logger.Info("room full, rejecting connection")
		s.send(connID, signal.Outbound{Type: signal.TypeError, Message: msgRoomFull})
		if st, ok := s.conns[connID]; ok {
			st.conn.CloseAfter(s.limits.RoomFullCloseDelay)
		}
		return
	}

	if !exists {
		sess = &pairing.Session{ID: sid, CreatedAt: s.now()}
		s.sessions[sid] = sess
		metrics.SessionsCreated.WithLabelValues("join").Inc()
	}

	sess.Members = append(sess.Members, connID)
	s.seats[connID] = sid
	s.removeGeoByConn(connID)
	logger.WithField("members", len(sess.Members)).Info("joined session")

	if len(sess.Members) == 1 {
		s.send(connID, signal.Outbound{Type: signal.TypeWaiting, Message: msgWaiting})
		return
	}
	s.announceReady(sess)
}

// announceReady hands out roles by seat order: first seat offers, second answers.
func (s *Service) announceReady(sess *pairing.Session) {
	if len(sess.Members) != pairing.MaxMembers {
		return
	}
	s.send(sess.Members[0], signal.Outbound{Type: signal.TypeReady, Message: msgReady, Role: signal.RoleOfferer})
	s.send(sess.Members[1], signal.Outbound{Type: signal.TypeReady, Message: msgReady, Role: signal.RoleAnswerer})
}

// relaySignal forwards an opaque payload to the sender's peer.
func (s *Service) relaySignal(connID string, in signal.Inbound) {
	logger := s.log.WithField("conn", connID)
	if !in.HasPayload() {
		logger.Warn("signal without payload")
		return
	}

	sid, ok := s.seats[connID]
	if !ok {
		logger.Warn("signal attempt without session")
		return
	}
	sess, ok := s.sessions[sid]
	if !ok {
		logger.WithField("session", sid).Warn("signal for non-existent session")
		return
	}
	if len(sess.Members) != pairing.MaxMembers || !sess.Has(connID) {
		logger.WithField("session", sid).Warn("unauthorized signaling attempt")
		return
	}

	peer, _ := sess.Peer(connID)
	s.send(peer, signal.Outbound{Type: signal.TypeSignal, Payload: in.Payload})
}

// leave destroys the connection's session; the survivor is told and closed.
func (s *Service) leave(connID string) {
	sid, ok := s.seats[connID]
	if !ok {
		return
	}
	delete(s.seats, connID)

	sess, ok := s.sessions[sid]
	if !ok || !sess.Has(connID) {
		return
	}
	delete(s.sessions, sid)
	metrics.SessionsEnded.WithLabelValues("peer_left").Inc()

	for _, member := range sess.Members {
		if member == connID {
			continue
		}
		delete(s.seats, member)
		s.send(member, signal.Outbound{Type: signal.TypeSessionDestroyed, Message: msgSessionDestroyed})
		s.closeConn(member)
	}
	s.log.WithFields(logrus.Fields{"conn": connID, "session": sid}).Info("session destroyed")
}

// SweepSessions destroys every session older than the session timeout.
func (s *Service) SweepSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for sid, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) <= s.limits.SessionTimeout {
			continue
		}
		s.log.WithField("session", sid).Info("removing stale session")
		for _, member := range sess.Members {
			delete(s.seats, member)
			s.send(member, signal.Outbound{Type: signal.TypeSessionTimeout, Message: msgSessionExpired})
			s.closeConn(member)
		}
		delete(s.sessions, sid)
		metrics.SessionsEnded.WithLabelValues("timeout").Inc()
	}

	s.observe()
	s.log.WithFields(logrus.Fields{
		"sessions": len(s.sessions),
		"geoPool":  len(s.geo),
	}).Info("active sessions")
}

package relay

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/metrics"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

const msgRateLimited = "Rate limit exceeded"

// Handle gates one inbound frame and dispatches it. Frames are processed one at a
// time; malformed input is dropped without a reply.
func (s *Service) Handle(connID string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe()

	st, ok := s.conns[connID]
	if !ok || st.cutOff {
		metrics.MessagesDropped.WithLabelValues("closed").Inc()
		return
	}
	logger := s.log.WithField("conn", connID)

	now := s.now()
	if now.Sub(st.windowStart) > s.limits.RateWindow {
		st.count = 0
		st.windowStart = now
	}
	st.count++
	if st.count > s.limits.MaxMessagesPerSecond {
		logger.Warn("rate limit exceeded, closing connection")
		st.cutOff = true
		metrics.RateLimited.Inc()
		metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
		s.send(connID, signal.Outbound{Type: signal.TypeError, Message: msgRateLimited})
		st.conn.Close()
		return
	}

	if len(frame) > s.limits.MaxMessageBytes {
		logger.WithField("bytes", len(frame)).Warn("message too large")
		metrics.MessagesDropped.WithLabelValues("oversized").Inc()
		return
	}

	var in signal.Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		logger.Warn("failed to parse incoming message")
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if in.Type == "" {
		logger.Warn("invalid message format")
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}

	s.dispatch(connID, in, logger)
}

func (s *Service) dispatch(connID string, in signal.Inbound, logger *logrus.Entry) {
	switch in.Type {
	case signal.TypeJoin:
		s.join(connID, in)
	case signal.TypeGeoJoin:
		s.geoJoin(connID, in)
	case signal.TypeGeoRequest:
		s.geoRequest(connID, in)
	case signal.TypeGeoApprove:
		s.geoApprove(connID, in)
	case signal.TypeSignal:
		s.relaySignal(connID, in)
	case signal.TypePing:
		s.send(connID, signal.Outbound{Type: signal.TypePong})
	default:
		logger.WithField("type", in.Type).Warn("unknown message type")
		metrics.MessagesDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	metrics.MessagesReceived.WithLabelValues(in.Type).Inc()
}

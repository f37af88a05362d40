package relay

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/metrics"
	"github.com/zhouzirui/birddrop/backend/internal/model/pairing"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

// EarthRadiusMeters is the mean radius used by Haversine.
const EarthRadiusMeters = 6371000.0

const (
	msgServiceBusy = "Service busy, try again"
	msgTargetBusy  = "Target is already in a session."
)

// Haversine returns the great-circle distance in meters between two points in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

func validCoordinates(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	if math.IsNaN(*lat) || math.IsNaN(*lon) {
		return false
	}
	return *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180
}

// geoJoin inserts or refreshes the caller's pool entry and replies with nearby peers.
func (s *Service) geoJoin(connID string, in signal.Inbound) {
	logger := s.log.WithFields(logrus.Fields{"conn": connID, "user": in.UserID})
	if !validCoordinates(in.Lat, in.Lon) {
		logger.Warn("invalid coordinates")
		return
	}
	if !s.validID(in.UserID) {
		logger.Warn("invalid user id")
		return
	}
	if utf8.RuneCountInString(in.Hint) > s.limits.MaxIDLength {
		logger.Warn("invalid hint")
		return
	}

	// Latest wins: a refresh replaces whatever the same user announced before.
	delete(s.geo, in.UserID)

	if len(s.geo) >= s.limits.MaxGeoEntries {
		logger.Warn("geo pool at capacity")
		s.send(connID, signal.Outbound{Type: signal.TypeError, Message: msgServiceBusy})
		return
	}

	hint := in.Hint
	if hint == "" {
		hint = pairing.DefaultHint
	}
	entry := &pairing.GeoEntry{
		ConnID:   connID,
		UserID:   in.UserID,
		Hint:     hint,
		Lat:      *in.Lat,
		Lon:      *in.Lon,
		JoinedAt: s.now(),
	}
	s.geo[in.UserID] = entry

	s.send(connID, signal.Outbound{Type: signal.TypeGeoPeerList, Peers: s.nearby(entry)})
}

// nearby lists unseated entries of other connections within the radius, nearest first.
// Distances are compared in whole meters, the same value reported to clients.
func (s *Service) nearby(self *pairing.GeoEntry) []signal.GeoPeer {
	peers := make([]signal.GeoPeer, 0)
	for _, other := range s.geo {
		if other.ConnID == self.ConnID {
			continue
		}
		if _, seated := s.seats[other.ConnID]; seated {
			continue
		}
		distance := math.Round(Haversine(self.Lat, self.Lon, other.Lat, other.Lon))
		if distance > s.limits.GeoRadiusMeters {
			continue
		}
		peers = append(peers, signal.GeoPeer{
			UserID:   other.UserID,
			Hint:     other.Hint,
			Distance: int64(distance),
			JoinTime: other.JoinedAt.UnixMilli(),
		})
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Distance != peers[j].Distance {
			return peers[i].Distance < peers[j].Distance
		}
		return peers[i].UserID < peers[j].UserID
	})
	if len(peers) > s.limits.MaxPeerResults {
		peers = peers[:s.limits.MaxPeerResults]
	}
	return peers
}

func (s *Service) validPair(in signal.Inbound) bool {
	return s.validID(in.FromID) && s.validID(in.ToID)
}

// geoRequest forwards a connection request to the target only. Unknown ids are
// ignored so the caller learns nothing about who is in the pool.
func (s *Service) geoRequest(connID string, in signal.Inbound) {
	logger := s.log.WithFields(logrus.Fields{"conn": connID, "from": in.FromID, "to": in.ToID})
	if !s.validPair(in) {
		logger.Warn("invalid geo-request")
		return
	}

	from, to := s.geo[in.FromID], s.geo[in.ToID]
	if from == nil || to == nil {
		logger.Debug("geo-request for unknown peer")
		return
	}

	s.send(to.ConnID, signal.Outbound{
		Type:   signal.TypeGeoConnectionRequest,
		FromID: in.FromID,
		Hint:   from.Hint,
	})
}

// geoApprove answers a pending request. On approval both entries leave the pool
// and a fresh session seats the requester first, so it becomes the offerer.
func (s *Service) geoApprove(connID string, in signal.Inbound) {
	logger := s.log.WithFields(logrus.Fields{"conn": connID, "from": in.FromID, "to": in.ToID})
	if !s.validPair(in) || in.Approved == nil {
		logger.Warn("invalid geo-approve")
		return
	}

	from, to := s.geo[in.FromID], s.geo[in.ToID]
	if from == nil || to == nil {
		logger.Warn("peer not found for geo-approve")
		return
	}

	if !*in.Approved {
		s.send(from.ConnID, signal.Outbound{Type: signal.TypeGeoDenied, ToID: in.ToID})
		return
	}

	if from.ConnID == to.ConnID {
		logger.Warn("geo-approve between entries of the same connection")
		return
	}

	_, fromSeated := s.seats[from.ConnID]
	_, toSeated := s.seats[to.ConnID]
	if fromSeated || toSeated {
		s.send(from.ConnID, signal.Outbound{Type: signal.TypeGeoBusy, Message: msgTargetBusy})
		return
	}

	if len(s.sessions) >= s.limits.MaxSessions {
		logger.Warn("max sessions reached, rejecting geo match")
		s.send(from.ConnID, signal.Outbound{Type: signal.TypeError, Message: msgAtCapacity})
		return
	}

	initiator, receiver := from.ConnID, to.ConnID
	s.removeGeoByConn(initiator)
	s.removeGeoByConn(receiver)

	sess := &pairing.Session{
		ID:        s.newSID(),
		Members:   []string{initiator, receiver},
		CreatedAt: s.now(),
	}
	s.sessions[sess.ID] = sess
	s.seats[initiator] = sess.ID
	s.seats[receiver] = sess.ID
	metrics.SessionsCreated.WithLabelValues("geo").Inc()
	metrics.GeoMatches.Inc()
	logger.WithField("session", sess.ID).Info("geo match")

	s.send(initiator, signal.Outbound{Type: signal.TypeGeoMatch, SessionID: sess.ID, Role: signal.RoleInitiator})
	s.send(receiver, signal.Outbound{Type: signal.TypeGeoMatch, SessionID: sess.ID, Role: signal.RoleReceiver})
	s.announceReady(sess)
}

func (s *Service) removeGeoByConn(connID string) {
	for userID, entry := range s.geo {
		if entry.ConnID == connID {
			delete(s.geo, userID)
		}
	}
}

// SweepGeoPool silently drops entries that were not refreshed within the TTL.
func (s *Service) SweepGeoPool() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for userID, entry := range s.geo {
		if now.Sub(entry.JoinedAt) > s.limits.GeoTTL {
			delete(s.geo, userID)
		}
	}
	s.observe()
}

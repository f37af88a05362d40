package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/metrics"
	"github.com/zhouzirui/birddrop/backend/internal/model/pairing"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

// Limits bounds every table the relay owns.
type Limits struct {
	MaxSessions          int
	MaxGeoEntries        int
	MaxMessageBytes      int
	MaxMessagesPerSecond int
	MaxIDLength          int
	MaxPeerResults       int
	GeoRadiusMeters      float64
	SessionTimeout       time.Duration
	GeoTTL               time.Duration
	RateWindow           time.Duration
	RoomFullCloseDelay   time.Duration
	HeartbeatInterval    time.Duration
	SessionSweepInterval time.Duration
	GeoSweepInterval     time.Duration
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxSessions:          10000,
		MaxGeoEntries:        1000,
		MaxMessageBytes:      1 << 20,
		MaxMessagesPerSecond: 50,
		MaxIDLength:          100,
		MaxPeerResults:       20,
		GeoRadiusMeters:      100,
		SessionTimeout:       30 * time.Minute,
		GeoTTL:               30 * time.Second,
		RateWindow:           time.Second,
		RoomFullCloseDelay:   100 * time.Millisecond,
		HeartbeatInterval:    30 * time.Second,
		SessionSweepInterval: 60 * time.Second,
		GeoSweepInterval:     5 * time.Second,
	}
}

// Conn is a live transport connection as seen by the relay.
// Send must not block: implementations queue the frame or fail fast.
type Conn interface {
	ID() string
	Send(msg signal.Outbound) error
	Ping() error
	Close()
	CloseAfter(d time.Duration)
}

// Options configures a Service.
type Options struct {
	Limits Limits
	Logger *logrus.Logger
	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string
}

// Stats is a point-in-time view used by the health endpoints.
type Stats struct {
	Sessions    int     `json:"sessions"`
	GeoPool     int     `json:"geoPool"`
	Connections int     `json:"connections"`
	Uptime      float64 `json:"uptime"`
}

type connState struct {
	conn        Conn
	alive       bool
	windowStart time.Time
	count       int
	cutOff      bool
}

// Service owns the connection registry, the session table and the geo pool.
// A single mutex serializes every mutation, so handlers run one at a time.
type Service struct {
	mu     sync.Mutex
	limits Limits
	log    *logrus.Logger
	now    func() time.Time
	newSID func() string
	start  time.Time

	conns    map[string]*connState
	sessions map[string]*pairing.Session
	seats    map[string]string
	geo      map[string]*pairing.GeoEntry
}

// NewService builds an empty relay.
func NewService(opts Options) *Service {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() string {
			return "session-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}

	return &Service{
		limits:   opts.Limits,
		log:      opts.Logger,
		now:      opts.Now,
		newSID:   opts.NewSessionID,
		start:    opts.Now(),
		conns:    make(map[string]*connState),
		sessions: make(map[string]*pairing.Session),
		seats:    make(map[string]string),
		geo:      make(map[string]*pairing.GeoEntry),
	}
}

// Limits returns the bounds the service was built with.
func (s *Service) Limits() Limits {
	return s.limits
}

// Stats reports table sizes and process uptime.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Sessions:    len(s.sessions),
		GeoPool:     len(s.geo),
		Connections: len(s.conns),
		Uptime:      s.now().Sub(s.start).Seconds(),
	}
}

// SessionOf returns the session id a connection is seated in.
func (s *Service) SessionOf(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, ok := s.seats[connID]
	return sid, ok
}

// Session returns a copy of a session, if present.
func (s *Service) Session(id string) (pairing.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return pairing.Session{}, false
	}
	copied := *sess
	copied.Members = append([]string(nil), sess.Members...)
	return copied, true
}

// GeoEntry returns a copy of the pool entry for a user id, if present.
func (s *Service) GeoEntry(userID string) (pairing.GeoEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.geo[userID]
	if !ok {
		return pairing.GeoEntry{}, false
	}
	return *entry, true
}

// send resolves the live handle through the registry. A failure is logged
// and never interrupts the caller.
func (s *Service) send(connID string, msg signal.Outbound) {
	st, ok := s.conns[connID]
	if !ok {
		s.log.WithFields(logrus.Fields{"conn": connID, "type": msg.Type}).Debug("send skipped, connection gone")
		return
	}
	if err := st.conn.Send(msg); err != nil {
		metrics.SendFailures.Inc()
		s.log.WithFields(logrus.Fields{"conn": connID, "type": msg.Type}).WithError(err).Warn("send failed")
	}
}

func (s *Service) closeConn(connID string) {
	if st, ok := s.conns[connID]; ok {
		st.conn.Close()
	}
}

func (s *Service) observe() {
	metrics.ActiveConnections.Set(float64(len(s.conns)))
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	metrics.GeoPoolSize.Set(float64(len(s.geo)))
}

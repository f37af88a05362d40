package pairing

import "time"

// DefaultHint is shown for devices that did not announce one.
const DefaultHint = "Unknown Device"

// GeoEntry is a connection's location broadcast in the discovery pool.
type GeoEntry struct {
	ConnID   string
	UserID   string
	Hint     string
	Lat      float64
	Lon      float64
	JoinedAt time.Time
}

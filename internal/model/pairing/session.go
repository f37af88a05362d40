package pairing

import "time"

// MaxMembers is the room capacity of a session.
const MaxMembers = 2

// Session pairs at most two connections. Members are connection ids in seat order.
type Session struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Full reports whether both seats are taken.
func (s *Session) Full() bool {
	return len(s.Members) >= MaxMembers
}

// Has reports whether connID holds a seat.
func (s *Session) Has(connID string) bool {
	for _, m := range s.Members {
		if m == connID {
			return true
		}
	}
	return false
}

// Peer returns the other seated member, if any.
func (s *Session) Peer(connID string) (string, bool) {
	if !s.Has(connID) {
		return "", false
	}
	for _, m := range s.Members {
		if m != connID {
			return m, true
		}
	}
	return "", false
}

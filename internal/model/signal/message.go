package signal

import "encoding/json"

// Inbound message types accepted by the relay.
const (
	TypeJoin       = "join"
	TypeGeoJoin    = "geo-join"
	TypeGeoRequest = "geo-request"
	TypeGeoApprove = "geo-approve"
	TypeSignal     = "signal"
	TypePing       = "ping"
)

// Outbound message types emitted by the relay.
const (
	TypeWaiting              = "waiting"
	TypeReady                = "ready"
	TypeError                = "error"
	TypePong                 = "pong"
	TypeGeoPeerList          = "geo-peer-list"
	TypeGeoConnectionRequest = "geo-connection-request"
	TypeGeoMatch             = "geo-match"
	TypeGeoDenied            = "geo-denied"
	TypeGeoBusy              = "geo-busy"
	TypeSessionTimeout       = "session-timeout"
	TypeSessionDestroyed     = "session-destroyed"
)

// Roles handed out with ready and geo-match.
const (
	RoleOfferer   = "offerer"
	RoleAnswerer  = "answerer"
	RoleInitiator = "initiator"
	RoleReceiver  = "receiver"
)

// Inbound is the union of every client frame. Fields irrelevant to Type are ignored.
// Pointer fields distinguish "absent" from the zero value.
type Inbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Lat       *float64        `json:"lat,omitempty"`
	Lon       *float64        `json:"lon,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Hint      string          `json:"hint,omitempty"`
	FromID    string          `json:"fromId,omitempty"`
	ToID      string          `json:"toId,omitempty"`
	Approved  *bool           `json:"approved,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether a signal frame carried a non-null payload.
func (m Inbound) HasPayload() bool {
	return len(m.Payload) > 0 && string(m.Payload) != "null"
}

// Outbound is every frame the relay sends to a client.
type Outbound struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Role      string          `json:"role,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	FromID    string          `json:"fromId,omitempty"`
	ToID      string          `json:"toId,omitempty"`
	Hint      string          `json:"hint,omitempty"`
	Peers     []GeoPeer       `json:"peers,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON keeps peers present as an array on geo-peer-list frames even when empty.
func (m Outbound) MarshalJSON() ([]byte, error) {
	type plain Outbound
	if m.Type != TypeGeoPeerList {
		return json.Marshal(plain(m))
	}

	peers := m.Peers
	if peers == nil {
		peers = []GeoPeer{}
	}
	return json.Marshal(struct {
		plain
		Peers []GeoPeer `json:"peers"`
	}{plain: plain(m), Peers: peers})
}

// GeoPeer is the public view of a geo pool entry.
type GeoPeer struct {
	UserID   string `json:"userId"`
	Hint     string `json:"hint"`
	Distance int64  `json:"distance"`
	JoinTime int64  `json:"joinTime"`
}

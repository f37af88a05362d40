package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSTUNServer is used when no STUN server is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Signaler carries negotiation payloads to the remote peer through the relay.
type Signaler interface {
	Signal(payload any) error
}

// PeerConfig configures a Peer.
type PeerConfig struct {
	STUNServers []string
	// Offerer creates the data channel and sends the offer.
	Offerer  bool
	Signaler Signaler
	Logger   *logrus.Logger
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type signalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// Peer is one side of the WebRTC connection negotiated over the relay.
type Peer struct {
	pc       *webrtc.PeerConnection
	signaler Signaler
	offerer  bool
	log      *logrus.Logger

	open     chan *webrtc.DataChannel
	messages chan Message
	failed   chan struct{}
	closed   chan struct{}

	mu        sync.Mutex
	queued    []webrtc.ICECandidateInit
	onLow     func()
	closeOnce sync.Once
	failOnce  sync.Once
}

// NewPeer builds the peer connection; the offerer also creates the ordered "files" channel.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("transfer: signaler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	servers := cfg.STUNServers
	if len(servers) == 0 {
		servers = []string{DefaultSTUNServer}
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		signaler: cfg.Signaler,
		offerer:  cfg.Offerer,
		log:      cfg.Logger,
		open:     make(chan *webrtc.DataChannel, 1),
		messages: make(chan Message, 256),
		failed:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.signaler.Signal(candidatePayload{Candidate: c.ToJSON()}); err != nil {
			p.log.WithError(err).Warn("failed to relay ice candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.WithField("state", s.String()).Debug("peer connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.failOnce.Do(func() { close(p.failed) })
		}
	})

	if cfg.Offerer {
		ordered := true
		dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		p.setupChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChannelLabel {
				p.log.WithField("label", dc.Label()).Warn("ignoring unexpected data channel")
				return
			}
			p.setupChannel(dc)
		})
	}

	return p, nil
}

func (p *Peer) setupChannel(dc *webrtc.DataChannel) {
	dc.SetBufferedAmountLowThreshold(MaxBufferedAmount / 2)
	dc.OnBufferedAmountLow(func() {
		p.mu.Lock()
		fn := p.onLow
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnOpen(func() {
		p.log.WithField("label", dc.Label()).Info("data channel open")
		select {
		case p.open <- dc:
		default:
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case p.messages <- Message{IsString: msg.IsString, Data: msg.Data}:
		case <-p.closed:
		}
	})
	dc.OnClose(func() {
		p.log.Debug("data channel closed")
		p.failOnce.Do(func() { close(p.failed) })
	})
}

// OnBufferedAmountLow registers the drain callback, normally Sender.BufferLow.
func (p *Peer) OnBufferedAmountLow(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLow = fn
}

// Start sends the offer. Answerers wait for HandleSignal instead.
func (p *Peer) Start() error {
	if !p.offerer {
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := p.signaler.Signal(offer); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// HandleSignal applies a relayed description or ICE candidate.
func (p *Peer) HandleSignal(raw json.RawMessage) error {
	var payload signalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	if payload.Candidate != nil {
		return p.addCandidate(*payload.Candidate)
	}

	sdpType := webrtc.NewSDPType(payload.Type)
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported signal type %q", payload.Type)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: payload.SDP}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	if err := p.flushCandidates(); err != nil {
		return err
	}

	if sdpType == webrtc.SDPTypeOffer {
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := p.signaler.Signal(answer); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
	}
	return nil
}

// addCandidate queues candidates that arrive before the remote description.
func (p *Peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.queued = append(p.queued, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushCandidates() error {
	p.mu.Lock()
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("failed to add ice candidate: %w", err)
		}
	}
	return nil
}

// WaitOpen blocks until the data channel is open.
func (p *Peer) WaitOpen(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case dc := <-p.open:
		return dc, nil
	case <-p.failed:
		return nil, errors.New("peer connection failed before the data channel opened")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages yields data channel messages in arrival order.
func (p *Peer) Messages() <-chan Message {
	return p.messages
}

// Failed is closed when the connection or its channel goes away.
func (p *Peer) Failed() <-chan struct{} {
	return p.failed
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}

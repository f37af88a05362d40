package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

// ErrRelayClosed is returned when the relay connection ends before the peers connect.
var ErrRelayClosed = errors.New("transfer: relay connection closed")

// RelayClient is the part of the signaling client a transfer needs.
type RelayClient interface {
	Signaler
	Events() <-chan signal.Outbound
}

// Link is an open data channel to the paired peer.
type Link struct {
	Peer    *Peer
	Channel *webrtc.DataChannel
	Role    string
	opts    Options
}

// Negotiate waits for the relay to pair this client, then brings up the data
// channel. The caller must already have joined a session.
func Negotiate(ctx context.Context, client RelayClient, opts Options) (*Link, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	var peer *Peer
	var role string
	for peer == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return nil, ErrRelayClosed
			}
			switch ev.Type {
			case signal.TypeWaiting:
				logger.Info(ev.Message)
			case signal.TypeGeoMatch:
				logger.WithFields(logrus.Fields{"session": ev.SessionID, "role": ev.Role}).Info("geo match")
			case signal.TypeReady:
				role = ev.Role
				p, err := NewPeer(PeerConfig{
					STUNServers: opts.STUNServers,
					Offerer:     ev.Role == signal.RoleOfferer,
					Signaler:    client,
					Logger:      logger,
				})
				if err != nil {
					return nil, err
				}
				if err := p.Start(); err != nil {
					_ = p.Close()
					return nil, err
				}
				peer = p
				logger.WithField("role", role).Info("peer ready, negotiating")
			default:
				if err := relayError(ev); err != nil {
					return nil, err
				}
			}
		}
	}

	relayErr := make(chan error, 1)
	go forwardSignals(ctx, client, peer, logger, relayErr)

	type opened struct {
		dc  *webrtc.DataChannel
		err error
	}
	openCh := make(chan opened, 1)
	go func() {
		dc, err := peer.WaitOpen(ctx)
		openCh <- opened{dc, err}
	}()

	select {
	case res := <-openCh:
		if res.err != nil {
			_ = peer.Close()
			return nil, res.err
		}
		return &Link{Peer: peer, Channel: res.dc, Role: role, opts: opts}, nil
	case err := <-relayErr:
		_ = peer.Close()
		return nil, err
	}
}

// forwardSignals keeps applying trickled candidates for the life of the relay
// connection. Only errors before the channel opens matter to Negotiate.
func forwardSignals(ctx context.Context, client RelayClient, peer *Peer, logger *logrus.Logger, errCh chan<- error) {
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				report(ErrRelayClosed)
				return
			}
			if ev.Type == signal.TypeSignal {
				if err := peer.HandleSignal(ev.Payload); err != nil {
					logger.WithError(err).Warn("bad signal from peer")
				}
				continue
			}
			if err := relayError(ev); err != nil {
				logger.WithError(err).Debug("relay notice")
				report(err)
			}
		}
	}
}

func relayError(ev signal.Outbound) error {
	switch ev.Type {
	case signal.TypeError, signal.TypeSessionDestroyed, signal.TypeSessionTimeout, signal.TypeGeoDenied, signal.TypeGeoBusy:
		if ev.Message == "" {
			return fmt.Errorf("relay: %s", ev.Type)
		}
		return fmt.Errorf("relay: %s: %s", ev.Type, ev.Message)
	}
	return nil
}

// dispatch feeds peer messages to handle until ctx ends.
func (l *Link) dispatch(ctx context.Context, handle func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.Peer.Messages():
			handle(msg)
		}
	}
}

func (l *Link) keepalive(ctx context.Context) {
	ticker := time.NewTicker(l.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := sendFrame(l.Channel, Frame{Type: FrameKeepalive, Timestamp: t.UnixMilli()}); err != nil {
				l.opts.Logger.WithError(err).Debug("keepalive failed")
				return
			}
		}
	}
}

// Send transfers files over the link.
func (l *Link) Send(ctx context.Context, paths []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sender := NewSender(l.Channel, l.opts)
	l.Peer.OnBufferedAmountLow(sender.BufferLow)
	go l.dispatch(ctx, sender.Handle)
	go l.keepalive(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- sender.SendFiles(ctx, paths) }()

	select {
	case err := <-errCh:
		return err
	case <-l.Peer.Failed():
		// The receiver hangs up right after its last ack; let that ack land.
		select {
		case err := <-errCh:
			return err
		case <-time.After(time.Second):
			return errors.New("peer connection lost during transfer")
		}
	}
}

// Receive stores incoming files under dir and returns their paths once the
// announced batch is complete.
func (l *Link) Receive(ctx context.Context, dir string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := NewReceiver(l.Channel, dir, l.opts)
	go l.dispatch(ctx, receiver.Handle)
	go l.keepalive(ctx)

	select {
	case <-receiver.Done():
		return receiver.Files(), nil
	case <-l.Peer.Failed():
		return receiver.Files(), errors.New("peer connection lost during transfer")
	case <-ctx.Done():
		return receiver.Files(), ctx.Err()
	}
}

// Close releases the peer connection.
func (l *Link) Close() error {
	return l.Peer.Close()
}

// Package signaling is a websocket client for the pairing relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultMaxRetries     = 5
	writeWait             = 10 * time.Second
	eventBuffer           = 64
)

// ErrClosed is returned by senders after the connection ended.
var ErrClosed = errors.New("signaling client: connection closed")

// Options tunes Dial.
type Options struct {
	Header          http.Header
	Logger          *logrus.Logger
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client is one relay connection. Writes are serialized; reads run in a
// background goroutine that feeds Events.
type Client struct {
	ws     *websocket.Conn
	log    *logrus.Entry
	events chan signal.Outbound

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// Dial connects to the relay, retrying with exponential backoff until ctx ends
// or the retry budget is spent.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = defaultInitialBackoff
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = defaultMaxBackoff
	}
	logger := opts.Logger.WithField("url", url)

	var ws *websocket.Conn
	operation := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode))
			}
			return err
		}
		ws = conn
		return nil
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(opts.InitialInterval),
				backoff.WithMaxInterval(opts.MaxInterval),
			),
			opts.MaxRetries,
		),
		ctx,
	)
	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		logger.WithError(err).Warnf("relay dial failed, retrying in %s", d)
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		ws:     ws,
		log:    logger,
		events: make(chan signal.Outbound, eventBuffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()
	logger.Debug("connected to relay")
	return c, nil
}

// Events delivers every notice from the relay. It is closed when the connection ends.
func (c *Client) Events() <-chan signal.Outbound {
	return c.events
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.markClosed()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("relay read failed")
			}
			return
		}

		var msg signal.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("undecodable relay frame")
			continue
		}
		select {
		case c.events <- msg:
		case <-c.stop:
			return
		}
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Client) send(msg signal.Inbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// Join asks for a seat in a session.
func (c *Client) Join(sessionID string) error {
	return c.send(signal.Inbound{Type: signal.TypeJoin, SessionID: sessionID})
}

// GeoJoin announces a location to the discovery pool.
func (c *Client) GeoJoin(lat, lon float64, userID, hint string) error {
	return c.send(signal.Inbound{Type: signal.TypeGeoJoin, Lat: &lat, Lon: &lon, UserID: userID, Hint: hint})
}

// GeoRequest asks toID to pair with fromID.
func (c *Client) GeoRequest(fromID, toID string) error {
	return c.send(signal.Inbound{Type: signal.TypeGeoRequest, FromID: fromID, ToID: toID})
}

// GeoApprove answers a request from fromID addressed to toID.
func (c *Client) GeoApprove(fromID, toID string, approved bool) error {
	return c.send(signal.Inbound{Type: signal.TypeGeoApprove, FromID: fromID, ToID: toID, Approved: &approved})
}

// Signal relays an opaque payload to the session peer.
func (c *Client) Signal(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	return c.send(signal.Inbound{Type: signal.TypeSignal, Payload: raw})
}

// Ping sends an application-level ping; the relay answers with pong.
func (c *Client) Ping() error {
	return c.send(signal.Inbound{Type: signal.TypePing})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.ws.Close()
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.ws.Close()
}

package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	middlewarePkg "github.com/zhouzirui/birddrop/backend/internal/middleware"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
)

var (
	// ErrConnClosed 表示连接已关闭，消息不会再被投递。
	ErrConnClosed = errors.New("signaling: connection closed")
	// ErrSendQueueFull 表示对端消费过慢，发送队列已满。
	ErrSendQueueFull = errors.New("signaling: send queue full")
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
)

// Relay 是 WebSocket 层依赖的中继服务能力。
type Relay interface {
	Register(conn relay.Conn)
	Deregister(connID string)
	MarkAlive(connID string)
	Handle(connID string, frame []byte)
	Limits() relay.Limits
}

// Handler 负责把 WebSocket 连接接入中继服务。
type Handler struct {
	relay    Relay
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 处理器，只接受白名单来源或未携带 Origin 的客户端。
func New(svc Relay, allowedOrigins []string, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		relay: svc,
		log:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middlewarePkg.OriginAllowed(allowedOrigins, origin)
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

// ServeHTTP 升级连接并运行读循环，直到对端断开。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("origin", r.Header.Get("Origin")).Warn("websocket upgrade failed")
		return
	}

	conn := newConn(uuid.NewString(), ws, h.log)
	logger := h.log.WithFields(logrus.Fields{"conn": conn.id, "remote": r.RemoteAddr})
	logger.Info("new websocket connection")

	ws.SetPongHandler(func(string) error {
		h.relay.MarkAlive(conn.id)
		return nil
	})

	pumpDone := make(chan struct{})
	go func() {
		conn.writePump()
		close(pumpDone)
	}()

	h.relay.Register(conn)
	h.readLoop(conn, logger)

	h.relay.Deregister(conn.id)
	conn.Close()
	<-pumpDone
	_ = ws.Close()
}

// readLoop 逐帧交给中继处理。超出上限的帧只读取 max+1 字节，剩余部分由下一次 NextReader 丢弃。
func (h *Handler) readLoop(conn *wsConn, logger *logrus.Entry) {
	maxBytes := int64(h.relay.Limits().MaxMessageBytes)
	for {
		_, reader, err := conn.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithError(err).Warn("websocket read error")
			}
			return
		}

		frame, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
		if err != nil {
			logger.WithError(err).Debug("websocket frame read failed")
			return
		}
		h.relay.Handle(conn.id, frame)
	}
}

// wsConn 实现 relay.Conn。写操作全部经由 writePump，Send 从不阻塞。
type wsConn struct {
	id  string
	ws  *websocket.Conn
	log *logrus.Entry

	queue chan []byte
	pings chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newConn(id string, ws *websocket.Conn, logger *logrus.Logger) *wsConn {
	return &wsConn{
		id:    id,
		ws:    ws,
		log:   logger.WithField("conn", id),
		queue: make(chan []byte, sendQueueSize),
		pings: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg signal.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.pings <- struct{}{}:
	default:
	}
	return nil
}

// Close 停止接收新消息；writePump 发完已排队的消息后发送关闭帧。
func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *wsConn) CloseAfter(d time.Duration) {
	time.AfterFunc(d, c.Close)
}

func (c *wsConn) writePump() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				c.Close()
				_ = c.ws.Close()
				return
			}
		case <-c.pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("websocket ping failed")
			}
		case <-c.done:
			c.drain()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

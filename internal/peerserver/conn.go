package peerserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20

type conn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	ctx  context.Context

	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	info  ConnInfo
	sess  string
	token string
}

func newConn(s *Server, ws *websocket.Conn, info ConnInfo) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:    s,
		ws:     ws,
		send:   make(chan any, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		info:   info,
	}
}

func (c *conn) readLoop() {
	defer c.close("connection closed")
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	})

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout)); err != nil {
			return
		}
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.logger.Debug("peer read failed", "conn", c.info.ID, "error", err)
			}
			return
		}
		c.touch()
		if !c.srv.handleFrame(c, frame) {
			return
		}
	}
}

// writeLoop is the only writer of data frames. After close it flushes what
// is already queued and then closes the socket.
func (c *conn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close("write failed")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (c *conn) write(msg any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// enqueue queues a frame without blocking. It reports false when the
// socket's buffer is full.
func (c *conn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// reply queues a response. A client that stops reading its own responses
// is dropped like a lagging broadcast subscriber.
func (c *conn) reply(msg any) {
	if !c.enqueue(msg) {
		c.srv.logger.Warn("dropping peer with full send buffer", "conn", c.info.ID)
		c.close("send buffer full")
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.srv.unregister(c)

		c.mu.Lock()
		sess := c.sess
		info := c.info
		c.mu.Unlock()
		if sess != "" {
			c.srv.sessions.Invalidate(sess)
		}
		c.srv.logger.Info("peer disconnected",
			"conn", info.ID,
			"addr", info.Addr,
			"employee_id", info.EmployeeID,
			"reason", reason,
		)
	})
}

func (c *conn) touch() {
	now := c.srv.clock.Now()
	c.mu.Lock()
	c.info.LastPing = now
	c.mu.Unlock()
}

func (c *conn) bind(s *Session, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = s.ID
	c.token = token
	c.info.EmployeeID = s.EmployeeID
	c.info.Role = s.Role
	c.info.DeviceID = s.DeviceID
}

func (c *conn) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = ""
	c.token = ""
	c.info.EmployeeID = ""
	c.info.Role = ""
}

func (c *conn) boundToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *conn) authenticated() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	return sess != "" && c.srv.sessions.live(sess)
}

func (c *conn) markScanner(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.Scanner = true
	if deviceID != "" {
		c.info.DeviceID = deviceID
	}
}

func (c *conn) snapshot() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

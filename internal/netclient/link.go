package netclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"giro/internal/protocol"
)

const writeTimeout = 10 * time.Second

// link is one authenticated socket to the Master. Responses are routed to
// the waiting caller by request id; events are applied as they arrive.
type link struct {
	ws     *websocket.Conn
	addr   string
	client *Client

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	token   string
	pending map[uint64]chan protocol.Response
	err     error
	done    chan struct{}
}

func newLink(c *Client, ws *websocket.Conn, addr string) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		ws:      ws,
		addr:    addr,
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan protocol.Response),
		done:    make(chan struct{}),
	}
}

func (l *link) setToken(token string) {
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
}

func (l *link) readLoop() {
	for {
		_, frame, err := l.ws.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}
		switch protocol.Classify(frame) {
		case protocol.KindResponse:
			var resp protocol.Response
			if err := json.Unmarshal(frame, &resp); err != nil {
				l.client.logger.Debug("undecodable response", "addr", l.addr, "error", err)
				continue
			}
			l.deliver(resp)
		case protocol.KindEvent:
			var ev protocol.Event
			if err := json.Unmarshal(frame, &ev); err != nil {
				l.client.logger.Debug("undecodable event", "addr", l.addr, "error", err)
				continue
			}
			l.client.applyEvent(l.ctx, ev)
		default:
			l.client.logger.Debug("ignoring frame", "addr", l.addr, "frame", string(frame))
		}
	}
}

func (l *link) deliver(resp protocol.Response) {
	l.mu.Lock()
	ch, ok := l.pending[resp.ID]
	delete(l.pending, resp.ID)
	l.mu.Unlock()
	if !ok {
		l.client.logger.Debug("response without caller", "id", resp.ID)
		return
	}
	ch <- resp
}

// fail ends the link once; waiting callers see ErrNotConnected.
func (l *link) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	l.err = err
	l.pending = map[uint64]chan protocol.Response{}
	close(l.done)
	l.cancel()
}

func (l *link) closed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// request sends one frame and waits for its response.
func (l *link) request(ctx context.Context, action string, payload any) (protocol.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encoding %s payload: %w", action, err)
	}
	id := l.client.nextID.Add(1)
	ch := make(chan protocol.Response, 1)

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return protocol.Response{}, ErrNotConnected
	default:
	}
	l.pending[id] = ch
	token := l.token
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	req := protocol.Request{
		ID:        id,
		Action:    action,
		Payload:   raw,
		Token:     token,
		Timestamp: l.client.clock.Now().UnixMilli(),
	}
	if err := l.write(req); err != nil {
		l.fail(err)
		return protocol.Response{}, fmt.Errorf("sending %s: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.client.cfg.RequestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-l.done:
		return protocol.Response{}, ErrNotConnected
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("waiting for %s: %w", action, ctx.Err())
	}
}

// call is request plus decoding. A rejected request returns its *protocol.Error.
func (l *link) call(ctx context.Context, action string, payload, out any) error {
	resp, err := l.request(ctx, action, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error != nil {
			return resp.Error
		}
		return fmt.Errorf("%s failed without an error", action)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	return nil
}

func (l *link) write(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return l.ws.WriteJSON(v)
}

// close sends a normal close frame and drops the socket.
func (l *link) close() {
	l.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	l.writeMu.Unlock()
	_ = l.ws.Close()
	l.fail(errors.New("connection closed"))
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientConn is the agent-side view of a broker WebSocket connection.
// The send CLI and test agents use it to issue tool calls.
type ClientConn struct {
	Hello HelloOK

	socket *websocket.Conn

	mu      sync.Mutex
	closed  bool
	pending map[string]chan Frame
	events  chan Frame
}

// Dial connects to a broker, performs the connect handshake, and returns
// a ready connection.
func Dial(ctx context.Context, url string, info AgentInfo, token string) (*ClientConn, error) {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	params := ConnectParams{Client: info}
	if token != "" {
		params.Auth = &ConnectAuth{Token: token}
	}
	req, err := NewRequest(uuid.New().String(), "connect", params)
	if err != nil {
		socket.Close()
		return nil, err
	}
	if err := socket.WriteJSON(req); err != nil {
		socket.Close()
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	var resp Frame
	if err := socket.ReadJSON(&resp); err != nil {
		socket.Close()
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if resp.Error != nil {
		socket.Close()
		return nil, fmt.Errorf("connect rejected: %s: %s", resp.Error.Code, resp.Error.Message)
	}

	c := &ClientConn{
		socket:  socket,
		pending: make(map[string]chan Frame),
		events:  make(chan Frame, 16),
	}
	if err := json.Unmarshal(resp.Payload, &c.Hello); err != nil {
		socket.Close()
		return nil, fmt.Errorf("parsing hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Call issues a tool request and blocks until the response arrives or
// the context is cancelled. Cancellation sends a cancel frame so the
// broker aborts the corresponding inbox item.
func (c *ClientConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	err = c.socket.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.drop(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		if !c.closed {
			c.socket.WriteJSON(NewCancel(id))
		}
		c.mu.Unlock()
		c.drop(id)
		return nil, ctx.Err()
	}
}

// Events delivers server-pushed event frames.
func (c *ClientConn) Events() <-chan Frame { return c.events }

func (c *ClientConn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]chan Frame)
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		close(c.events)
	}()

	for {
		var frame Frame
		if err := c.socket.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case FrameTypeEvent:
			select {
			case c.events <- frame:
			default: // slow consumer; events are best effort
			}
		}
	}
}

func (c *ClientConn) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.socket.Close()
}

package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client implements Store over a single websocket connection to a Server.
// Snapshot callbacks are dispatched sequentially on one goroutine, so a
// subscriber observes document changes in arrival order.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireMsg
	subs    map[string]func(Value)
	err     error

	snapCh chan wireMsg
	done   chan struct{}
	once   sync.Once

	onDisconnect func(error)
}

// Dial connects to a store server endpoint, e.g. "ws://127.0.0.1:8788/v1/ws".
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan wireMsg),
		subs:    make(map[string]func(Value)),
		snapCh:  make(chan wireMsg, 128),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// OnDisconnect registers a handler invoked once if the connection fails
// before Close is called. Must be set before the failure can occur to be
// useful; typically right after Dial.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *Client) CreateIfAbsent(ctx context.Context, path string, initial Value) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	_, err := c.call(ctx, wireMsg{Op: opCreate, Path: path, Value: initial})
	return err
}

func (c *Client) MergeUpdate(ctx context.Context, path string, patch Value) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	_, err := c.call(ctx, wireMsg{Op: opMerge, Path: path, Value: patch})
	return err
}

func (c *Client) Read(ctx context.Context, path string) (Value, bool, error) {
	if err := ValidatePath(path); err != nil {
		return nil, false, err
	}
	resp, err := c.call(ctx, wireMsg{Op: opRead, Path: path})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Exists, nil
}

func (c *Client) Subscribe(path string, fn func(Value)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	subID := uuid.NewString()

	// Register before sending so the initial snapshot cannot race the ack.
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[subID] = fn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.call(ctx, wireMsg{Op: opSub, Path: path, Sub: subID}); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}

	cancelSub := func() {
		c.mu.Lock()
		_, ok := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if !ok {
			return
		}
		// Fire and forget; the server also cleans up on disconnect.
		_ = c.write(wireMsg{ID: uuid.NewString(), Op: opUnsub, Sub: subID})
	}
	return cancelSub, nil
}

// Close tears down the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Client) call(ctx context.Context, req wireMsg) (wireMsg, error) {
	req.ID = uuid.NewString()
	ch := make(chan wireMsg, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return wireMsg{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireMsg{}, err
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("store %s %s: %s", req.Op, req.Path, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireMsg{}, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return wireMsg{}, err
	}
}

func (c *Client) write(m wireMsg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(m)
}

func (c *Client) readLoop() {
	for {
		var m wireMsg
		if err := c.ws.ReadJSON(&m); err != nil {
			c.teardown(fmt.Errorf("store connection lost: %w", err))
			return
		}
		switch {
		case m.Op == opSnap:
			select {
			case c.snapCh <- m:
			case <-c.done:
				return
			}
		case m.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.snapCh:
			c.mu.Lock()
			fn := c.subs[m.Sub]
			c.mu.Unlock()
			if fn != nil {
				fn(m.Value)
			}
		}
	}
}

// teardown closes the connection once; err is nil for a local Close.
func (c *Client) teardown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if err != nil {
			c.err = err
		} else {
			c.err = ErrClosed
		}
		onDisc := c.onDisconnect
		c.pending = make(map[string]chan wireMsg)
		c.subs = make(map[string]func(Value))
		c.mu.Unlock()

		close(c.done)
		c.ws.Close()

		if err != nil && !errors.Is(err, ErrClosed) && onDisc != nil {
			onDisc(err)
		}
	})
}

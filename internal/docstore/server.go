package docstore

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to a client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from a client.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. SDP payloads stay well below this.
	maxMessageSize = 512 * 1024

	// Outbound queue per connection.
	sendQueueSize = 64
)

// Server exposes a Memory store over websocket at /v1/ws, optionally
// persisting every document to SQLite.
type Server struct {
	addr string
	mem  *Memory
	db   *DB

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
}

// NewServer creates a store server bound to addr. db may be nil for
// in-memory-only operation; when set, persisted documents are loaded before
// the server accepts connections.
func NewServer(addr string, db *DB) (*Server, error) {
	mem := NewMemory()
	if db != nil {
		docs, err := db.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("restore documents: %w", err)
		}
		mem.Seed(docs)
		log.Printf("STORE: restored %d documents", len(docs))
	}
	return &Server{
		addr:  addr,
		mem:   mem,
		db:    db,
		conns: make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start begins listening. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("STORE: serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	log.Printf("STORE: listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.ln.Addr().String() + "/v1/ws"
}

// Close stops the server and disconnects all clients. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	_ = s.mem.Close()
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("STORE: upgrade error: %v", err)
		return
	}

	c := &serverConn{
		srv:  s,
		ws:   ws,
		send: make(chan wireMsg, sendQueueSize),
		done: make(chan struct{}),
		subs: make(map[string]func()),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// serverConn wraps one client websocket connection.
type serverConn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan wireMsg
	done chan struct{} // closed by teardown; unblocks pending pushes

	closeMu sync.Mutex
	closed  bool

	subMu sync.Mutex
	subs  map[string]func() // subscription id -> cancel
}

func (c *serverConn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req wireMsg
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("STORE: read error: %v", err)
			}
			return
		}
		c.handle(req)
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) handle(req wireMsg) {
	ctx := context.Background()
	ack := wireMsg{ID: req.ID, Op: opAck, OK: true}

	switch req.Op {
	case opCreate:
		if err := c.srv.mem.CreateIfAbsent(ctx, req.Path, req.Value); err != nil {
			ack.OK, ack.Error = false, err.Error()
		} else {
			c.srv.persist(req.Path)
		}

	case opMerge:
		if err := c.srv.mem.MergeUpdate(ctx, req.Path, req.Value); err != nil {
			ack.OK, ack.Error = false, err.Error()
		} else {
			c.srv.persist(req.Path)
		}

	case opRead:
		v, exists, err := c.srv.mem.Read(ctx, req.Path)
		if err != nil {
			ack.OK, ack.Error = false, err.Error()
		} else {
			ack.Value, ack.Exists = v, exists
		}

	case opSub:
		// Subscribe before acking so the ack reports the real outcome. The
		// client chose the subscription id and registers its callback before
		// sending, so the initial snapshot can precede the ack on the wire.
		subID := req.Sub
		if subID == "" {
			ack.OK, ack.Error = false, "missing subscription id"
			break
		}
		fwd := &snapForwarder{conn: c, subID: subID, path: req.Path}
		cancel, err := c.srv.mem.Subscribe(req.Path, fwd.deliver)
		if err != nil {
			ack.OK, ack.Error = false, err.Error()
			break
		}
		c.subMu.Lock()
		c.subs[subID] = cancel
		c.subMu.Unlock()

	case opUnsub:
		c.subMu.Lock()
		if cancel, ok := c.subs[req.Sub]; ok {
			delete(c.subs, req.Sub)
			cancel()
		}
		c.subMu.Unlock()

	default:
		ack.OK, ack.Error = false, fmt.Sprintf("unknown op %q", req.Op)
	}

	c.push(ack)
}

// push enqueues a message, waiting for queue space; teardown unblocks any
// waiting pusher. Snapshot delivery goes through a snapForwarder, so a slow
// reader delays only its own subscription, never the store dispatcher.
func (c *serverConn) push(m wireMsg) {
	select {
	case c.send <- m:
	case <-c.done:
	}
}

func (c *serverConn) teardown() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	close(c.done)

	c.subMu.Lock()
	for id, cancel := range c.subs {
		delete(c.subs, id)
		cancel()
	}
	c.subMu.Unlock()

	c.srv.mu.Lock()
	delete(c.srv.conns, c)
	c.srv.mu.Unlock()

	c.ws.Close()
}

// snapForwarder delivers one subscription's snapshots to its connection,
// coalescing to the latest value when the connection is slower than the
// document changes. Every snapshot carries the whole document, so skipping
// intermediate states is safe; the final state always reaches the client
// while the connection lives.
type snapForwarder struct {
	conn  *serverConn
	subID string
	path  string

	mu      sync.Mutex
	latest  Value
	pending bool
	running bool
}

// deliver runs on the store dispatcher and must not block.
func (f *snapForwarder) deliver(v Value) {
	f.mu.Lock()
	f.latest, f.pending = v, true
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()
	go f.run()
}

func (f *snapForwarder) run() {
	for {
		f.mu.Lock()
		if !f.pending {
			f.running = false
			f.mu.Unlock()
			return
		}
		v := f.latest
		f.latest, f.pending = nil, false
		f.mu.Unlock()
		f.conn.push(wireMsg{Op: opSnap, Sub: f.subID, Path: f.path, Value: v})
	}
}

// persist writes the current state of one document to SQLite, best-effort.
func (s *Server) persist(path string) {
	if s.db == nil {
		return
	}
	v, exists, err := s.mem.Read(context.Background(), path)
	if err != nil || !exists {
		return
	}
	if err := s.db.Put(path, v); err != nil {
		log.Printf("STORE: persist %s: %v", path, err)
	}
}

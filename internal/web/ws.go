package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fanchat/internal/logging"
	"fanchat/internal/session"
	"fanchat/internal/transcript"
	"fanchat/internal/usage"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
)

// Frame is one outbound websocket message. Type is "snapshot", "state" or a
// transcript event kind ("append", "chunk", "error", "finish", "reset").
type Frame struct {
	Type     string        `json:"type"`
	Position int           `json:"position"`
	Message  *MessageView  `json:"message,omitempty"`
	Messages []MessageView `json:"messages,omitempty"`
	Delta    string        `json:"delta,omitempty"`
	State    string        `json:"state,omitempty"`
}

// inbound is one page request: a send (Type "" or "send") or "clear".
type inbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// upgrader keeps gorilla's same-origin check: other sites cannot open page
// views against this server.
var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// client is one page view: a websocket plus its own send controller.
type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once

	stateMu   sync.Mutex
	lastState session.State
}

func (s *Server) newClient(conn *websocket.Conn) *client {
	limit := rate.Inf
	if s.opts.WriteRate > 0 {
		limit = rate.Limit(s.opts.WriteRate)
	}
	burst := s.opts.WriteBurst
	if burst <= 0 {
		burst = 1
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(usage.WithSession(context.Background(), id))
	return &client{
		id:      id,
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		log:     s.log.With("conn", id),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := s.newClient(conn)
	s.track(c)
	s.wg.Add(1)
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		s.untrack(c)
		s.wg.Done()
		c.log.Debug("page view closed")
	}()
	c.log.Debug("page view opened from %s", r.RemoteAddr)

	ctrl := session.NewController(nil, s.opts.Client, s.Settings().Session)
	store := ctrl.Store()
	if err := c.send(snapshotFrame(store, ctrl.State())); err != nil {
		return
	}
	unsubscribe := store.Subscribe(func(ev transcript.Event) {
		c.deliver(ev, ctrl)
	})
	defer unsubscribe()

	// Streams in flight are cancelled and drained before the page view is
	// torn down.
	var runs sync.WaitGroup
	defer func() {
		c.cancel()
		runs.Wait()
	}()

	go c.keepalive()

	for {
		var req inbound
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch req.Type {
		case "clear":
			if err := ctrl.Clear(); err != nil {
				c.log.Debug("clear refused: %v", err)
				continue
			}
			_ = c.send(snapshotFrame(store, ctrl.State()))
		case "", "send":
			turn, err := ctrl.Begin(req.Text)
			if err != nil {
				// Blank and busy sends are dropped.
				c.log.Debug("send ignored: %v", err)
				continue
			}
			c.sendState(ctrl.State())
			runs.Add(1)
			go func() {
				defer runs.Done()
				if err := ctrl.Run(c.ctx, turn); err != nil && !errors.Is(err, context.Canceled) {
					c.log.Warn("reply failed: %v", err)
				}
				c.sendState(ctrl.State())
			}()
		default:
			c.log.Debug("unknown request type %q", req.Type)
		}
	}
}

// deliver forwards one transcript event. It runs on the mutating goroutine,
// so frames leave in mutation order.
func (c *client) deliver(ev transcript.Event, ctrl *session.Controller) {
	if ev.Kind == transcript.EventChunk {
		c.sendState(ctrl.State())
	}
	f := Frame{Type: ev.Kind.String(), Position: ev.Position, Delta: ev.Delta}
	if ev.Kind != transcript.EventReset {
		mv := newMessageView(ev.Position, ev.Message, openAfter(ev))
		f.Message = &mv
	}
	if err := c.send(f); err != nil {
		c.log.Debug("dropping %s frame: %v", f.Type, err)
	}
}

// openAfter reports whether the record named by ev is still open once ev
// has been applied. Subscribers cannot query the store while a later
// mutation waits on delivery, so this follows from the event alone.
func openAfter(ev transcript.Event) bool {
	switch ev.Kind {
	case transcript.EventChunk:
		return true
	case transcript.EventAppended:
		return ev.Message.Role == transcript.RoleModel && !ev.Message.IsError
	default:
		return false
	}
}

// sendState announces a protocol state change once.
func (c *client) sendState(st session.State) {
	c.stateMu.Lock()
	if st == c.lastState {
		c.stateMu.Unlock()
		return
	}
	c.lastState = st
	c.stateMu.Unlock()
	_ = c.send(Frame{Type: "state", Position: -1, State: st.String()})
}

// send writes one frame, paced by the connection's limiter.
func (c *client) send(f Frame) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return writeFrame(c.conn, f)
}

func (c *client) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close cancels the page view and closes the socket. Safe to call twice.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = c.conn.Close()
	})
}

func snapshotFrame(store *transcript.Store, st session.State) Frame {
	msgs := store.Snapshot()
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = newMessageView(i, m, i == len(msgs)-1 && store.IsOpen(i))
	}
	return Frame{Type: "snapshot", Position: -1, Messages: views, State: st.String()}
}

// writeFrame encodes f without HTML escaping.
func writeFrame(conn *websocket.Conn, f Frame) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return w.Close()
}

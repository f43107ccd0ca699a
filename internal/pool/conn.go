package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relayfan/outboxer/internal/ops"
)

// pingInterval keeps idle relay sessions alive
const pingInterval = 29 * time.Second

var subIDCounter atomic.Int64

// connHandlers receive parsed protocol frames from a connection's read loop
type connHandlers struct {
	onEvent func(endpoint string, ev *nostr.Event)
	onEOSE  func(endpoint string)
	onClose func(endpoint string, err error, normal bool)
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// Conn is one persistent transport session to a relay endpoint. A dedicated
// goroutine owns the websocket for writes (the write queue) and another runs
// the read loop; results flow out through the registered handlers, never
// through callbacks installed on the socket itself.
type Conn struct {
	URL string

	ws          *websocket.Conn
	writeQueue  chan writeRequest
	okCallbacks *xsync.MapOf[string, func(accepted bool, reason string)]
	handlers    connHandlers
	log         *ops.Logger

	subID string

	done        chan struct{}
	closeOnce   sync.Once
	closeNormal atomic.Bool
}

// dial opens a websocket session to endpoint. The context bounds only the
// dial; the session itself lives until Close or a transport error.
func dial(ctx context.Context, endpoint string, handlers connHandlers, log *ops.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket to %s: %w", endpoint, err)
	}

	c := &Conn{
		URL:         endpoint,
		ws:          ws,
		writeQueue:  make(chan writeRequest),
		okCallbacks: xsync.NewMapOf[string, func(bool, string)](),
		handlers:    handlers,
		log:         log,
		done:        make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// write queues a raw frame for the write loop
func (c *Conn) write(msg []byte) <-chan error {
	ch := make(chan error, 1)
	select {
	case c.writeQueue <- writeRequest{msg: msg, answer: ch}:
	case <-c.done:
		ch <- fmt.Errorf("connection to %s closed", c.URL)
	}
	return ch
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", "relay", c.URL, "error", err)
				c.shutdown()
				return
			}
		case req := <-c.writeQueue:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.ws.WriteMessage(websocket.TextMessage, req.msg)
			c.ws.SetWriteDeadline(time.Time{})
			req.answer <- err
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			normal := c.closeNormal.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.shutdown()
			if c.handlers.onClose != nil {
				c.handlers.onClose(c.URL, err, normal)
			}
			return
		}

		c.dispatch(data)
	}
}

// dispatch routes one raw relay frame to the matching handler
func (c *Conn) dispatch(data []byte) {
	envelope := nostr.ParseMessage(string(data))
	if envelope == nil {
		// malformed frame: drop it, the session is otherwise fine
		c.log.Debug("dropping malformed frame", "relay", c.URL)
		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		if c.handlers.onEvent != nil {
			c.handlers.onEvent(c.URL, &env.Event)
		}
	case *nostr.EOSEEnvelope:
		if c.handlers.onEOSE != nil {
			c.handlers.onEOSE(c.URL)
		}
	case *nostr.OKEnvelope:
		if cb, ok := c.okCallbacks.Load(env.EventID); ok {
			cb(env.OK, env.Reason)
		} else {
			c.log.Debug("unexpected OK", "relay", c.URL, "event", env.EventID)
		}
	case *nostr.NoticeEnvelope:
		c.log.Info("relay notice", "relay", c.URL, "notice", string(*env))
	case *nostr.ClosedEnvelope:
		c.log.Warn("subscription closed by relay", "relay", c.URL, "reason", env.Reason)
	}
}

// subscribe sends a REQ with the given filters on a fresh subscription ID
func (c *Conn) subscribe(filters nostr.Filters) error {
	c.subID = fmt.Sprintf("outbox-%d", subIDCounter.Add(1))

	env := nostr.ReqEnvelope{SubscriptionID: c.subID, Filters: filters}
	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode REQ: %w", err)
	}
	if err := <-c.write(msg); err != nil {
		return fmt.Errorf("failed to send REQ to %s: %w", c.URL, err)
	}
	return nil
}

// unsubscribe sends a CLOSE for the active subscription, best effort
func (c *Conn) unsubscribe() {
	if c.subID == "" {
		return
	}
	env := nostr.CloseEnvelope(c.subID)
	if msg, err := env.MarshalJSON(); err == nil {
		<-c.write(msg)
	}
	c.subID = ""
}

// sendEvent writes an EVENT frame. An OK callback must already be registered
// when acknowledgement tracking is wanted.
func (c *Conn) sendEvent(ev *nostr.Event) error {
	env := nostr.EventEnvelope{Event: *ev}
	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode EVENT: %w", err)
	}
	if err := <-c.write(msg); err != nil {
		return fmt.Errorf("failed to send EVENT to %s: %w", c.URL, err)
	}
	return nil
}

// registerOK installs the acknowledgement callback for one event identifier
func (c *Conn) registerOK(eventID string, cb func(accepted bool, reason string)) {
	c.okCallbacks.Store(eventID, cb)
}

// unregisterOK removes the acknowledgement callback for one event identifier
func (c *Conn) unregisterOK(eventID string) {
	c.okCallbacks.Delete(eventID)
}

// Close ends the session with a normal-closure code, which suppresses
// auto-reconnect on the pool side.
func (c *Conn) Close() {
	c.closeNormal.Store(true)
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		if c.closeNormal.Load() {
			deadline := time.Now().Add(time.Second)
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		c.ws.Close()
		close(c.done)
	})
}

// Done is closed when the session has ended
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

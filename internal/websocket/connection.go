package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"matchprobe/pkg/types"
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: a single reader goroutine owns ReadMessage and is the
// only producer of events, which keeps delivery in arrival order
type Connection struct {
	id              string
	url             string
	conn            *websocket.Conn
	handshakeStatus int
	closeTimeout    time.Duration
	events          chan types.Event // FUNCTIONAL DISCOVERY: 100 buffer absorbs bursts while a reaction runs

	state          types.ConnState
	mu             sync.RWMutex // Protect state
	closeOnce      sync.Once    // Ensure single close request
	releaseOnce    sync.Once    // Ensure single socket release
	closeRequested atomic.Bool
	closeFrames    atomic.Int32
	onRelease      func(*Connection)
	logger         zerolog.Logger
}

func newConnection(id, url string, conn *websocket.Conn, status int, opts Options, logger zerolog.Logger) *Connection {
	c := &Connection{
		id:              id,
		url:             url,
		conn:            conn,
		handshakeStatus: status,
		closeTimeout:    opts.CloseTimeout,
		events:          make(chan types.Event, opts.EventBuffer),
		state:           types.ConnConnecting,
		logger:          logger.With().Str("conn", id).Logger(),
	}
	c.transition(types.ConnOpen)
	c.events <- types.Event{Kind: types.EventOpened, At: time.Now()}
	return c
}

// ID returns the connection identifier
func (c *Connection) ID() string {
	return c.id
}

// URL returns the dialed URL
func (c *Connection) URL() string {
	return c.url
}

// HandshakeStatus returns the HTTP status of the upgrade response
func (c *Connection) HandshakeStatus() int {
	return c.handshakeStatus
}

// Events returns the ordered event stream
func (c *Connection) Events() <-chan types.Event {
	return c.events
}

// State returns the current lifecycle state
func (c *Connection) State() types.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// transition applies a lifecycle step if it is legal
func (c *Connection) transition(next types.ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransition(next) {
		return false
	}
	c.state = next
	return true
}

// readLoop delivers frames as MessageReceived events until the socket fails,
// then emits the single terminal event and closes the stream
func (c *Connection) readLoop() {
	defer c.release()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.events <- types.Event{Kind: types.EventMessage, Payload: data, At: time.Now()}
	}
}

// finish maps the read error onto Closed or Errored
func (c *Connection) finish(readErr error) {
	var ev types.Event
	var closeErr *websocket.CloseError

	switch {
	case errors.As(readErr, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure:
		ev = types.Event{Kind: types.EventClosed, Code: closeErr.Code, Reason: closeErr.Text}
	case c.closeRequested.Load():
		// Our own Close tore the socket down before the peer echoed the frame
		ev = types.Event{Kind: types.EventClosed, Code: websocket.CloseNormalClosure, Reason: "closed by client"}
	default:
		ev = types.Event{Kind: types.EventErrored, Err: readErr}
	}
	ev.At = time.Now()

	if ev.Kind == types.EventClosed {
		c.transition(types.ConnClosed)
		c.logger.Debug().Int("code", ev.Code).Str("reason", ev.Reason).Msg("connection closed")
	} else {
		c.transition(types.ConnErrored)
		c.logger.Debug().Err(readErr).Msg("connection errored")
	}

	c.events <- ev
	close(c.events)
}

// Close requests a normal close. The first call sends a close frame and
// releases the socket; later calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closeRequested.Store(true)
		c.transition(types.ConnClosing)

		// TECHNICAL DISCOVERY: WriteControl is safe alongside the reader goroutine
		deadline := time.Now().Add(c.closeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr == nil {
			c.closeFrames.Add(1)
		} else if !errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug().Err(werr).Msg("close frame not sent")
		}

		err = c.release()
	})
	return err
}

// release closes the socket exactly once and notifies the owner
func (c *Connection) release() error {
	var err error
	c.releaseOnce.Do(func() {
		err = c.conn.Close()
		if c.onRelease != nil {
			c.onRelease(c)
		}
	})
	return err
}

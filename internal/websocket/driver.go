package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// Options configures the driver's dialer and connections
type Options struct {
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	ReadLimit        int64
	EventBuffer      int
	Header           http.Header
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     time.Second,
		ReadLimit:        64 * 1024,
		EventBuffer:      100,
	}
}

// Driver opens client WebSocket connections and tracks the live ones
type Driver struct {
	dialer   *websocket.Dialer
	opts     Options
	registry *Registry
	logger   zerolog.Logger
}

// NewDriver creates a driver. Zero-valued options fall back to DefaultOptions.
func NewDriver(opts Options, logger zerolog.Logger) *Driver {
	defaults := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaults.CloseTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaults.ReadLimit
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}

	return &Driver{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts:     opts,
		registry: NewRegistry(),
		logger:   logger.With().Str("module", "websocket").Logger(),
	}
}

// Connect performs the handshake and starts event delivery
func (d *Driver) Connect(ctx context.Context, url string) (interfaces.Connection, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.opts.Header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return nil, &types.ConnectError{URL: url, Status: status, Err: err}
	}
	if status != http.StatusSwitchingProtocols {
		_ = ws.Close()
		return nil, &types.ConnectError{URL: url, Status: status, Err: ErrUnexpectedHandshake}
	}

	ws.SetReadLimit(d.opts.ReadLimit)

	conn := newConnection(uuid.NewString(), url, ws, status, d.opts, d.logger)
	conn.onRelease = func(c *Connection) {
		d.registry.Unregister(c)
	}
	if err := d.registry.Register(conn); err != nil {
		_ = ws.Close()
		return nil, &types.ConnectError{URL: url, Status: status, Err: err}
	}

	go conn.readLoop()

	d.logger.Debug().Str("conn", conn.ID()).Str("url", url).Msg("connection opened")
	return conn, nil
}

// Live returns the number of connections whose socket is still held
func (d *Driver) Live() int {
	return d.registry.Count()
}

// Registry exposes the live-connection registry
func (d *Driver) Registry() *Registry {
	return d.registry
}

// CloseAll closes every live connection
func (d *Driver) CloseAll() {
	for _, conn := range d.registry.Snapshot() {
		if err := conn.Close(); err != nil {
			d.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("close during shutdown")
		}
	}
}

package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"matchprobe/pkg/types"
)

// Transport tuning shared by every probe client
const (
	TCPDialTimeout        = 5 * time.Second
	TCPKeepAliveInterval  = 30 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	IdleConnTimeout       = 90 * time.Second
	ExpectContinueTimeout = 1 * time.Second
)

// Options configures the shared HTTP client
type Options struct {
	RequestTimeout time.Duration
	MaxIdleConns   int
}

// Prober issues single GET requests over one shared client
type Prober struct {
	client *http.Client
	logger zerolog.Logger
}

// New creates a Prober with a pooled client sized for the run
func New(opts Options, logger zerolog.Logger) *Prober {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 100
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   TCPDialTimeout,
			KeepAlive: TCPKeepAliveInterval,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.RequestTimeout,
		ExpectContinueTimeout: ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	return NewWithClient(&http.Client{Transport: transport, Timeout: opts.RequestTimeout}, logger)
}

// NewWithClient wraps an existing client
func NewWithClient(client *http.Client, logger zerolog.Logger) *Prober {
	return &Prober{
		client: client,
		logger: logger.With().Str("module", "probe").Logger(),
	}
}

// Get fetches url once. Any received status is a result; only transport
// failures are errors. Nothing is retried.
func (p *Prober) Get(ctx context.Context, url string) (*types.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.RequestError{URL: url, Err: err}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &types.RequestError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	// Draining lets the transport reuse the connection
	size, err := io.Copy(io.Discard, resp.Body)
	latency := time.Since(start)
	if err != nil {
		return nil, &types.RequestError{URL: url, Err: err}
	}

	p.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("probe complete")

	return &types.ProbeResult{
		URL:      url,
		Status:   resp.StatusCode,
		Latency:  latency,
		BodySize: size,
	}, nil
}

// CloseIdle releases pooled connections
func (p *Prober) CloseIdle() {
	p.client.CloseIdleConnections()
}

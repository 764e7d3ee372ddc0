package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ConnectionConfig is the subset of Config a single connection attempt
// needs to authenticate, independent of reconnection policy.
type ConnectionConfig struct {
	Token              string
	Intents            int
	ZlibStream         bool
	LargeThreshold     int
	Presence           *PresenceData
	IdentifyProperties IdentifyProperties
}

// Config configures a Client. Token and one of GatewayURLProvider or
// GatewayURL are required; everything else has a sane default applied by
// Open.
type Config struct {
	Token              string
	Intents            int
	ZlibStream         bool
	LargeThreshold     int // clamped into [50, 250], default 50
	Presence           *PresenceData
	IdentifyProperties IdentifyProperties

	// GatewayURLProvider supplies the URL to dial for a fresh (non-resuming)
	// connection, normally backed by the gatewayapi package's REST fetch.
	// GatewayURL is a static fallback used when GatewayURLProvider is nil.
	GatewayURLProvider GatewayURLProvider
	GatewayURL         string

	// DisableAutoReconnect, when true, makes the Client stop and surface
	// the error from the first connection attempt that ends, instead of
	// reconnecting automatically.
	DisableAutoReconnect bool

	// Handler receives dispatch events in order. May be nil.
	Handler Handler

	Logger *slog.Logger
}

var defaultIdentifyProperties = IdentifyProperties{
	OS:      "linux",
	Browser: "discordgw",
	Device:  "discordgw",
}

func (cfg Config) connectionConfig() ConnectionConfig {
	threshold := cfg.LargeThreshold
	switch {
	case threshold == 0:
		threshold = 50
	case threshold < 50:
		threshold = 50
	case threshold > 250:
		threshold = 250
	}
	props := cfg.IdentifyProperties
	if props == (IdentifyProperties{}) {
		props = defaultIdentifyProperties
	}
	return ConnectionConfig{
		Token:              cfg.Token,
		Intents:            cfg.Intents,
		ZlibStream:         cfg.ZlibStream,
		LargeThreshold:     threshold,
		Presence:           cfg.Presence,
		IdentifyProperties: props,
	}
}

// Client is a running Gateway connection, reconnecting automatically
// unless configured not to. Construct one with Open.
type Client struct {
	sess   *Session
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	runErr error
	closed bool
}

// Open validates cfg and starts the connection loop in the background,
// returning a handle to it immediately. The teacher's Connect() was
// likewise non-blocking, spawning its read loop and returning as soon as
// the first dial succeeded; this goes further and never blocks on the
// network at all, so a caller that wants "connected" as a signal should
// drive off Handler/a READY event instead of Open's return.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("gateway: Token is required")
	}
	urlProvider := cfg.GatewayURLProvider
	if urlProvider == nil {
		if cfg.GatewayURL == "" {
			return nil, errors.New("gateway: GatewayURLProvider or GatewayURL is required")
		}
		url := cfg.GatewayURL
		urlProvider = func(context.Context) (string, error) { return url, nil }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	sess := NewSession()
	disp := newDispatcher(cfg.Handler, logger)
	controller := NewReconnectController(cfg.connectionConfig(), sess, urlProvider, disp, logger, !cfg.DisableAutoReconnect)

	runCtx, cancel := context.WithCancel(ctx)
	c := &Client{sess: sess, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		err := controller.Run(runCtx)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()

	return c, nil
}

// Close stops the connection loop and waits for it to exit, returning
// whatever error ended it (nil for a clean shutdown). A second call
// returns ErrAlreadyClosed instead of re-running the wait.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Done returns a channel closed when the connection loop has exited,
// whether from Close, a fatal error, or the parent context being canceled.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the connection loop exits and returns its error.
func (c *Client) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Session returns a point-in-time snapshot of the client's session state.
func (c *Client) Session() Snapshot {
	return c.sess.Snapshot()
}

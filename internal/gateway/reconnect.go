package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"
)

// GatewayURLProvider returns the Gateway URL to dial for a fresh
// (non-resuming) connection, typically a cached result of the
// gateway-URL REST fetch.
type GatewayURLProvider func(ctx context.Context) (string, error)

// ReconnectController drives runOnce in a loop, classifying each
// connection's outcome into one of three retry strategies: retry with
// backoff, retry after a session-invalidating pause, or give up. Transient
// failures are retried without limit; only a fatal close code, rejected
// credentials, or a failure to obtain the gateway URL stop it.
type ReconnectController struct {
	cfg           ConnectionConfig
	sess          *Session
	urlProvider   GatewayURLProvider
	dispatcher    *dispatcher
	logger        *slog.Logger
	autoReconnect bool
}

// NewReconnectController builds a controller for one Client. When
// autoReconnect is false, Run returns after the first connection ends,
// surfacing whatever GatewayInterrupt or error occurred instead of
// retrying, for callers that want to drive reconnection decisions
// themselves.
func NewReconnectController(cfg ConnectionConfig, sess *Session, urlProvider GatewayURLProvider, disp *dispatcher, logger *slog.Logger, autoReconnect bool) *ReconnectController {
	return &ReconnectController{
		cfg:           cfg,
		sess:          sess,
		urlProvider:   urlProvider,
		dispatcher:    disp,
		logger:        logger,
		autoReconnect: autoReconnect,
	}
}

// Run blocks, connecting and reconnecting as needed, until ctx is
// canceled (returns nil) or a fatal/non-retryable error is reached.
func (r *ReconnectController) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		gatewayURL, err := r.resolveURL(ctx)
		if err != nil {
			return err
		}

		ready := false
		disp := newDispatcher(func(ev Event) {
			if ev.Type == "READY" || ev.Type == "RESUMED" {
				ready = true
			}
			if r.dispatcher != nil {
				r.dispatcher.Dispatch(ev)
			}
		}, r.logger)

		res := runOnce(ctx, r.cfg, r.sess, gatewayURL, disp, r.logger)
		if ready {
			attempt = ResetBackoff()
		}
		if res.err == nil {
			return nil
		}

		if !r.autoReconnect {
			return res.err
		}

		class, delay := classifyForRetry(res.err, attempt)
		switch class {
		case retryFatal:
			return res.err
		case retrySessionInvalidating:
			// Covers both the OP9/resumable=false path (which already
			// invalidated the session inside runOnce) and a
			// session-invalidating close code (4007/4008/4009), which
			// doesn't: either way, the next attempt must re-identify
			// against a fresh URL rather than resume a session Discord
			// has already discarded.
			r.sess.Invalidate()
			attempt = 0
		case retryTransient:
			attempt++
		}

		if r.logger != nil {
			r.logger.Warn("gateway connection ended, reconnecting", "error", res.err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *ReconnectController) resolveURL(ctx context.Context) (string, error) {
	snap := r.sess.Snapshot()
	if snap.Mode == ModeResuming && snap.ResumeGatewayURL != "" {
		return snap.ResumeGatewayURL, nil
	}
	return r.urlProvider(ctx)
}

type retryClass int

const (
	retryTransient retryClass = iota
	retrySessionInvalidating
	retryFatal
)

// classifyForRetry maps a runOnce error to a retry strategy and the delay
// to wait before the next attempt, using the close-code classification in
// opcodes.go.
func classifyForRetry(err error, attempt int) (retryClass, time.Duration) {
	var authErr *AuthenticationFailedError
	if errors.As(err, &authErr) {
		return retryFatal, 0
	}
	var intentsErr *PrivilegedIntentsError
	if errors.As(err, &intentsErr) {
		return retryFatal, 0
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return retryFatal, 0
	}

	var closedErr *ConnectionClosedError
	if errors.As(err, &closedErr) {
		switch ClassifyClose(closedErr.Code) {
		case CloseFatal:
			return retryFatal, 0
		case CloseSessionInvalidating:
			return retrySessionInvalidating, sessionInvalidatingDelay()
		default:
			return retryTransient, CalculateBackoff(attempt)
		}
	}

	var sessionErr *SessionInvalidatedError
	if errors.As(err, &sessionErr) {
		if sessionErr.Resumable {
			return retryTransient, CalculateBackoff(attempt)
		}
		return retrySessionInvalidating, sessionInvalidatingDelay()
	}

	var reconnectErr *GatewayReconnectError
	if errors.As(err, &reconnectErr) {
		return retryTransient, CalculateBackoff(attempt)
	}

	var composite *CompositeError
	if errors.As(err, &composite) {
		if composite.Reader != nil {
			if class, delay := classifyForRetry(composite.Reader, attempt); class == retryFatal {
				return class, delay
			}
		}
		if composite.Heart != nil {
			if class, delay := classifyForRetry(composite.Heart, attempt); class == retryFatal {
				return class, delay
			}
		}
		return retryTransient, CalculateBackoff(attempt)
	}

	// Transport errors, protocol errors, dial failures: retry transiently
	// and unboundedly. No connection outcome short of a fatal close code or
	// rejected credentials makes the controller give up.
	return retryTransient, CalculateBackoff(attempt)
}

// sessionInvalidatingDelay returns a uniform random delay in [1s, 5s),
// Discord's documented guidance for the pause after an Invalid Session
// before attempting to reconnect.
func sessionInvalidatingDelay() time.Duration {
	const (
		lo = 1 * time.Second
		hi = 5 * time.Second
	)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return lo
	}
	span := uint64(hi - lo)
	offset := binary.BigEndian.Uint64(buf[:]) % uint64(span)
	return lo + time.Duration(offset)
}

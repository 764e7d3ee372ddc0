package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// GatewayVersion is the Discord Gateway API version this client speaks.
const GatewayVersion = 10

// connResult is what one connection attempt ends with: either a clean
// shutdown (caller canceled context) or an error describing why the
// reconnect controller needs to open a new connection.
type connResult struct {
	err error
}

// runOnce dials gatewayURL, authenticates (Identify or Resume depending on
// sess's current mode), then runs the reader and heartbeat tasks until one
// ends the connection or ctx is canceled. Implements the state machine:
// connecting -> awaitingHello -> authenticating -> operating -> closing,
// with both tasks reporting a single terminal outcome instead of racing to
// close shared fields.
func runOnce(ctx context.Context, cfg ConnectionConfig, sess *Session, gatewayURL string, disp *dispatcher, logger *slog.Logger) connResult {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialURL, err := BuildURL(gatewayURL, DialParams{Version: GatewayVersion, Encoding: "json", ZlibStream: cfg.ZlibStream})
	if err != nil {
		return connResult{err: fmt.Errorf("build gateway url: %w", err)}
	}

	transport, err := Dial(connCtx, dialURL)
	if err != nil {
		return connResult{err: fmt.Errorf("connecting: %w", err)}
	}
	result := runConnected(connCtx, cancel, transport, cfg, sess, disp, logger)
	_ = transport.Close(closeCodeForResult(result), "closing")
	return connResult{err: result}
}

// runConnected drives one already-dialed connection through Hello,
// authentication, and the reader/heart pair, returning the error that
// should classify the retry (nil for a clean, caller-canceled shutdown).
// Split out from runOnce so every exit path, including a Hello or
// authentication failure, funnels through one place that always closes
// the transport with the right code.
func runConnected(connCtx context.Context, cancel context.CancelFunc, transport Transport, cfg ConnectionConfig, sess *Session, disp *dispatcher, logger *slog.Logger) error {
	decoder := NewDecoder(transport, cfg.ZlibStream)

	hello, err := awaitHello(connCtx, decoder)
	if err != nil {
		return fmt.Errorf("awaiting hello: %w", err)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	if err := authenticate(connCtx, transport, cfg, sess, logger); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	h := newHeart(transport, sess, interval, logger)

	heartDone := make(chan error, 1)
	go func() { heartDone <- h.Run(connCtx) }()

	readerDone := make(chan error, 1)
	go func() { readerDone <- readLoop(connCtx, decoder, sess, h, disp) }()

	var readerErr, heartErr error
	select {
	case readerErr = <-readerDone:
		cancel()
		heartErr = <-heartDone
	case heartErr = <-heartDone:
		cancel()
		readerErr = <-readerDone
	}

	return aggregateResult(readerErr, heartErr)
}

// closeCodeForResult picks the close code the client sends on its way out
// of a connection, per spec: 4000 whenever the client wants the next
// connection to resume, 1000 for a clean shutdown or a non-resumable
// outcome. Mirrors classifyForRetry's resume/fresh split without depending
// on reconnect attempt counters.
func closeCodeForResult(err error) int {
	if err == nil {
		return CloseNormal
	}

	var sessionErr *SessionInvalidatedError
	if errors.As(err, &sessionErr) {
		if sessionErr.Resumable {
			return CloseGoingAway
		}
		return CloseNormal
	}

	var closedErr *ConnectionClosedError
	if errors.As(err, &closedErr) {
		if ClassifyClose(closedErr.Code) == CloseTransient {
			return CloseGoingAway
		}
		return CloseNormal
	}

	var reconnectErr *GatewayReconnectError
	if errors.As(err, &reconnectErr) {
		return CloseGoingAway
	}

	var authErr *AuthenticationFailedError
	if errors.As(err, &authErr) {
		return CloseNormal
	}
	var intentsErr *PrivilegedIntentsError
	if errors.As(err, &intentsErr) {
		return CloseNormal
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return CloseNormal
	}

	var composite *CompositeError
	if errors.As(err, &composite) {
		return CloseGoingAway
	}

	// Transport/dial/protocol errors: the client wants to resume on the
	// next attempt.
	return CloseGoingAway
}

// aggregateResult combines the reader and heart outcomes into a
// CompositeError only when both independently failed, not when one
// failure's cancellation simply unblocked the other.
func aggregateResult(readerErr, heartErr error) error {
	switch {
	case readerErr != nil && heartErr != nil:
		return &CompositeError{Reader: readerErr, Heart: heartErr}
	case readerErr != nil:
		return readerErr
	case heartErr != nil:
		return heartErr
	default:
		return nil
	}
}

// awaitHello reads the first payload off the connection and requires it
// to be OP 10 Hello.
func awaitHello(ctx context.Context, decoder *Decoder) (HelloData, error) {
	raw, err := decoder.Next(ctx)
	if err != nil {
		return HelloData{}, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return HelloData{}, fmt.Errorf("%w: unmarshal hello envelope: %v", ErrProtocol, err)
	}
	if p.Op != OpHello {
		return HelloData{}, fmt.Errorf("%w: expected hello, got opcode %d", ErrProtocol, p.Op)
	}
	var hello HelloData
	if err := json.Unmarshal(p.Data, &hello); err != nil {
		return HelloData{}, fmt.Errorf("%w: unmarshal hello data: %v", ErrProtocol, err)
	}
	return hello, nil
}

// authenticate sends Identify or Resume depending on the session's
// current mode.
func authenticate(ctx context.Context, transport Transport, cfg ConnectionConfig, sess *Session, logger *slog.Logger) error {
	snap := sess.Snapshot()
	if snap.Mode == ModeResuming && snap.SessionID != "" {
		if logger != nil {
			logger.Info("resuming session", "session_id", snap.SessionID, "sequence", snap.LastSequence)
		}
		resume := sess.ResumePayload(cfg.Token)
		return sendPayload(ctx, transport, OpResume, resume)
	}
	if logger != nil {
		logger.Info("identifying")
	}
	identify := IdentifyData{
		Token:          cfg.Token,
		Properties:     cfg.IdentifyProperties,
		Presence:       cfg.Presence,
		Intents:        cfg.Intents,
		LargeThreshold: cfg.LargeThreshold,
	}
	return sendPayload(ctx, transport, OpIdentify, identify)
}

func sendPayload(ctx context.Context, transport Transport, op int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal opcode %d payload: %w", op, err)
	}
	msg, err := json.Marshal(Payload{Op: op, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return transport.SendText(ctx, msg)
}

// readLoop decodes payloads until the connection ends, updating sess and
// dispatching events. It returns nil when ctx was already canceled by the
// time a read failed (someone else ended the connection); otherwise it
// returns the typed error describing why.
func readLoop(ctx context.Context, decoder *Decoder, sess *Session, h *heart, disp *dispatcher) error {
	for {
		raw, err := decoder.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var cfe *CloseFrameError
			if errors.As(err, &cfe) {
				return closeErrorFromCode(cfe.Code, cfe.Reason)
			}
			return err
		}

		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: unmarshal payload: %v", ErrProtocol, err)
		}

		var seq int64
		if p.Sequence != nil {
			seq = *p.Sequence
			sess.UpdateSequence(seq)
		}

		switch p.Op {
		case OpDispatch:
			if p.Type == "READY" {
				var ready ReadyData
				if err := json.Unmarshal(p.Data, &ready); err == nil {
					sess.UpdateFromReady(ready, seq)
				}
			}
			disp.Dispatch(Event{Type: p.Type, Data: p.Data, Seq: seq})
		case OpHeartbeat:
			h.RequestSend()
		case OpHeartbeatAck:
			h.NotifyAck()
		case OpReconnect:
			return &GatewayReconnectError{}
		case OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.Data, &resumable)
			if resumable {
				sess.MarkResumable()
			} else {
				sess.Invalidate()
			}
			return &SessionInvalidatedError{Resumable: resumable}
		}
	}
}

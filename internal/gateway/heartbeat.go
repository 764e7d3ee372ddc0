package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// HeartbeatLostError reports that the Gateway never acknowledged a
// heartbeat before the next one came due.
type HeartbeatLostError struct {
	Interval time.Duration
}

func (e *HeartbeatLostError) Error() string {
	return fmt.Sprintf("gateway: heartbeat ack missed (interval %s)", e.Interval)
}
func (*HeartbeatLostError) gatewayInterrupt() {}

// heart runs the heartbeat schedule for one connection: an initial
// jittered delay, then sends every interval, closing over a Transport and
// a Session so it never reaches back into Client.
type heart struct {
	transport Transport
	session   *Session
	interval  time.Duration
	logger    *slog.Logger

	rng *rand.Rand

	acked   atomic.Bool
	trigger chan struct{}
}

// newHeart constructs a heart. The jitter source is seeded from
// crypto/rand once per connection rather than drawing from crypto/rand on
// every tick, so frequent jitter draws don't contend on the process-wide
// CSPRNG.
func newHeart(transport Transport, session *Session, interval time.Duration, logger *slog.Logger) *heart {
	var seed [32]byte
	_, _ = rand.Read(seed[:])
	h := &heart{
		transport: transport,
		session:   session,
		interval:  interval,
		logger:    logger,
		rng:       rand.New(rand.NewChaCha8(seed)),
		trigger:   make(chan struct{}, 1),
	}
	h.acked.Store(true) // no send has happened yet, so nothing is "missing"
	return h
}

// NotifyAck records that the Gateway acknowledged the most recent
// heartbeat. Safe to call concurrently with Run.
func (h *heart) NotifyAck() {
	h.acked.Store(true)
}

// RequestSend asks the heart to send a heartbeat immediately and reset its
// schedule, for a server-sent opcode 1. Non-blocking: a request already
// pending is enough, a second one is redundant.
func (h *heart) RequestSend() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// jitteredDelay returns a uniformly random duration in [0, d).
func (h *heart) jitteredDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(h.rng.Int64N(int64(d)))
}

// Run blocks sending heartbeats on schedule until ctx is canceled, the
// Gateway fails to ack one in time, or a send fails. It returns nil only
// when ctx is canceled; any other return is a reason to reconnect.
func (h *heart) Run(ctx context.Context) error {
	initialDelay := h.jitteredDelay(h.interval)
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.trigger:
			// A server-requested (opcode 1) send shares the same wire
			// format as a scheduled one but must not disturb the
			// pending-ack state a scheduled send already established:
			// an ack satisfies whichever send is outstanding, not
			// specifically the one that provoked it.
			if err := h.send(ctx); err != nil {
				return err
			}
			resetTimer(timer, h.interval)
		case <-timer.C:
			if !h.acked.Load() {
				return &HeartbeatLostError{Interval: h.interval}
			}
			h.acked.Store(false)
			if err := h.send(ctx); err != nil {
				return err
			}
			resetTimer(timer, h.interval)
		}
	}
}

func (h *heart) send(ctx context.Context) error {
	seq, have := h.session.Sequence()
	hb := HeartbeatData{}
	if have {
		hb.Sequence = &seq
	}
	hbData, err := hb.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal heartbeat data: %w", err)
	}
	data, err := json.Marshal(Payload{Op: OpHeartbeat, Data: hbData})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if h.logger != nil {
		h.logger.Debug("sending heartbeat", "sequence", seq, "have_sequence", have)
	}
	return h.transport.SendText(ctx, data)
}

// resetTimer stops t, drains a possibly-fired channel, and reprograms it
// for d. Correct use of time.Timer.Reset per its documented caveats.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

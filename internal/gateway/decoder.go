package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// zlibSyncFlush is the 4-byte marker Discord appends to the end of every
// logical zlib-stream message (a zlib Z_SYNC_FLUSH). Decoder does not
// actually need it to find message boundaries (see below); it is exposed
// so tests can assert on the framing directly.
var zlibSyncFlush = []byte{0x00, 0x00, 0xFF, 0xFF}

// endsWithSyncFlush reports whether data ends on Discord's sync-flush marker.
func endsWithSyncFlush(data []byte) bool {
	return bytes.HasSuffix(data, zlibSyncFlush)
}

// ErrProtocol signals a framing or decode violation that forces a
// reconnect: a binary frame in plain mode, a text frame in zlib-stream
// mode, a broken zlib stream, or malformed JSON.
var ErrProtocol = errors.New("gateway: protocol error")

// CloseFrameError wraps a Close frame observed while decoding, so the
// connection loop can classify it the same way whether it arrived between
// payloads or while the decoder was mid-message.
type CloseFrameError struct {
	Code   int
	Reason string
}

func (e *CloseFrameError) Error() string {
	return fmt.Sprintf("gateway: connection closed (code %d): %s", e.Code, e.Reason)
}

// FrameSource supplies frames on demand. Transport satisfies it.
type FrameSource interface {
	ReceiveFrame(ctx context.Context) (Frame, error)
}

// Decoder turns a stream of Frames into complete Gateway JSON payloads,
// regardless of transport compression or fragmentation.
//
// In zlib-stream mode, a single zlib.Reader persists for the connection's
// lifetime, layered over a frameReader that pulls Binary frames from the
// FrameSource on demand. This mirrors how a continuous socket stream would
// be decoded and avoids ever forcing the zlib reader to look past data
// that hasn't arrived yet: it simply blocks (via the underlying
// ReceiveFrame call) until the next frame shows up, exactly as it would
// reading the raw connection directly.
type Decoder struct {
	zlibStream bool

	fr *frameReader
	zr io.ReadCloser
	jd *json.Decoder
}

// NewDecoder constructs a Decoder reading frames from src. zlibStream
// selects Discord's zlib-stream compression mode; otherwise every frame is
// treated as one complete JSON payload.
func NewDecoder(src FrameSource, zlibStream bool) *Decoder {
	return &Decoder{zlibStream: zlibStream, fr: newFrameReader(src)}
}

// Next blocks until one complete JSON payload is available, or returns an
// error: *CloseFrameError if the connection closed, or an error wrapping
// ErrProtocol on a framing/decode violation.
func (d *Decoder) Next(ctx context.Context) (json.RawMessage, error) {
	if !d.zlibStream {
		frame, err := d.fr.nextRawFrame(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Kind != FrameText {
			return nil, fmt.Errorf("%w: unexpected binary frame in plain mode", ErrProtocol)
		}
		if !json.Valid(frame.Data) {
			return nil, fmt.Errorf("%w: invalid json payload", ErrProtocol)
		}
		return json.RawMessage(frame.Data), nil
	}

	d.fr.ctx = ctx
	if d.zr == nil {
		zr, err := zlib.NewReader(d.fr)
		if err != nil {
			if cfe := d.fr.closeErr; cfe != nil {
				return nil, cfe
			}
			return nil, fmt.Errorf("%w: zlib handshake: %v", ErrProtocol, err)
		}
		d.zr = zr
		d.jd = json.NewDecoder(d.zr)
	}

	var raw json.RawMessage
	if err := d.jd.Decode(&raw); err != nil {
		if cfe := d.fr.closeErr; cfe != nil {
			return nil, cfe
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return raw, nil
}

// Reset discards all decompression state. Call before reusing a Decoder
// for a new connection, never mid-connection: the zlib context must
// persist across every payload of one connection and only resets when the
// connection itself does.
func (d *Decoder) Reset(src FrameSource) {
	d.fr = newFrameReader(src)
	d.zr = nil
	d.jd = nil
}

// frameReader bridges the push-based "one Frame at a time" FrameSource to
// the pull-based io.Reader the zlib decompressor wants. It blocks on
// ReceiveFrame when its buffer is empty, so the decompressor naturally
// pauses at a sync-flush boundary until the next frame arrives instead of
// erroring on a premature end of stream.
type frameReader struct {
	src      FrameSource
	ctx      context.Context
	buf      bytes.Buffer
	closeErr *CloseFrameError
}

func newFrameReader(src FrameSource) *frameReader {
	return &frameReader{src: src, ctx: context.Background()}
}

// nextRawFrame pulls exactly one frame for plain (uncompressed) mode.
func (r *frameReader) nextRawFrame(ctx context.Context) (Frame, error) {
	frame, err := r.src.ReceiveFrame(ctx)
	if err != nil {
		return Frame{}, err
	}
	if frame.Kind == FrameClose {
		return Frame{}, &CloseFrameError{Code: frame.Code, Reason: frame.Reason}
	}
	return frame, nil
}

func (r *frameReader) Read(p []byte) (int, error) {
	if r.closeErr != nil {
		return 0, io.EOF
	}
	for r.buf.Len() == 0 {
		frame, err := r.src.ReceiveFrame(r.ctx)
		if err != nil {
			return 0, err
		}
		switch frame.Kind {
		case FrameBinary:
			r.buf.Write(frame.Data)
		case FrameClose:
			r.closeErr = &CloseFrameError{Code: frame.Code, Reason: frame.Reason}
			return 0, io.EOF
		default:
			return 0, fmt.Errorf("%w: unexpected text frame in zlib-stream mode", ErrProtocol)
		}
	}
	return r.buf.Read(p)
}

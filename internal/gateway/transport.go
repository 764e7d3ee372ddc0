package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// FrameKind tags the shape of a received Frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
)

// Frame is one unit handed back by Transport.ReceiveFrame.
type Frame struct {
	Kind   FrameKind
	Data   []byte
	Code   int
	Reason string
}

// Transport is the WebSocket boundary the rest of the package depends on.
// It exists so the connection loop and decoder can be tested against a
// fake without opening a real socket.
type Transport interface {
	SendText(ctx context.Context, data []byte) error
	ReceiveFrame(ctx context.Context) (Frame, error)
	Close(code int, reason string) error
}

// DialParams configures the query string appended to a Gateway URL.
type DialParams struct {
	Version    int
	Encoding   string
	ZlibStream bool
}

// BuildURL appends the required v/encoding/compress query parameters to
// any Gateway URL: the fresh endpoint from the REST fetch, or a session's
// resume_gateway_url.
func BuildURL(base string, p DialParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", fmt.Sprintf("%d", p.Version))
	q.Set("encoding", p.Encoding)
	if p.ZlibStream {
		q.Set("compress", "zlib-stream")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsTransport adapts github.com/coder/websocket to Transport. Writes are
// serialized with a mutex so a heartbeat send racing a payload send never
// interleaves bytes on the wire.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a WebSocket connection to url and wraps it as a Transport.
func Dial(ctx context.Context, gatewayURL string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, gatewayURL, &websocket.DialOptions{
		// Gateway compression is handled at the application layer by the
		// Decoder (zlib-stream), never by the WebSocket permessage-deflate
		// extension.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) SendText(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) ReceiveFrame(ctx context.Context) (Frame, error) {
	kind, data, err := t.conn.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return Frame{Kind: FrameClose, Code: int(code), Reason: err.Error()}, nil
		}
		return Frame{}, err
	}
	switch kind {
	case websocket.MessageBinary:
		return Frame{Kind: FrameBinary, Data: data}, nil
	default:
		return Frame{Kind: FrameText, Data: data}, nil
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Close(websocket.StatusCode(code), reason)
}

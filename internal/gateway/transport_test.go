package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestBuildURLPlainJSON(t *testing.T) {
	got, err := BuildURL("wss://gateway.discord.gg/", DialParams{Version: 10, Encoding: "json"})
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	q := u.Query()
	if q.Get("v") != "10" {
		t.Errorf("expected v=10, got %q", q.Get("v"))
	}
	if q.Get("encoding") != "json" {
		t.Errorf("expected encoding=json, got %q", q.Get("encoding"))
	}
	if q.Get("compress") != "" {
		t.Errorf("expected no compress param, got %q", q.Get("compress"))
	}
}

func TestBuildURLZlibStream(t *testing.T) {
	got, err := BuildURL("wss://gateway.discord.gg", DialParams{Version: 10, Encoding: "json", ZlibStream: true})
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	if !strings.Contains(got, "compress=zlib-stream") {
		t.Errorf("expected compress=zlib-stream in %q", got)
	}
}

func TestBuildURLRejectsInvalidBase(t *testing.T) {
	_, err := BuildURL("://not-a-url", DialParams{Version: 10, Encoding: "json"})
	if err == nil {
		t.Fatal("expected error for invalid base url")
	}
}

// echoUpstream accepts a single WebSocket connection and relays every text
// message it receives onto a channel, so tests can assert on what actually
// hit the wire without racing on frame boundaries.
func echoUpstream(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
}

func TestWsTransportSendTextIsAtomicUnderConcurrency(t *testing.T) {
	received := make(chan string, 100)
	srv := echoUpstream(t, received)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer transport.Close(CloseNormal, "done")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := strings.Repeat("x", 20) // fixed length so truncation/interleaving is detectable
			if err := transport.SendText(ctx, []byte(msg)); err != nil {
				t.Errorf("SendText: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case msg := <-received:
			if len(msg) != 20 {
				t.Errorf("expected message of length 20, got %d: %q", len(msg), msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestWsTransportReceiveFrameSurfacesClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusCode(4004), "bad token")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer transport.Close(CloseNormal, "done")

	frame, err := transport.ReceiveFrame(ctx)
	if err != nil {
		t.Fatalf("ReceiveFrame returned error instead of close frame: %v", err)
	}
	if frame.Kind != FrameClose {
		t.Fatalf("expected close frame, got kind %v", frame.Kind)
	}
	if frame.Code != 4004 {
		t.Errorf("expected code 4004, got %d", frame.Code)
	}
}

package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	d := newDispatcher(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	}, nil)

	d.Dispatch(Event{Type: "READY"})
	d.Dispatch(Event{Type: "MESSAGE_CREATE"})
	d.Dispatch(Event{Type: "GUILD_CREATE"})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"READY", "MESSAGE_CREATE", "GUILD_CREATE"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(seen), seen)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("event %d: expected %q, got %q", i, w, seen[i])
		}
	}
}

func TestDispatcherNilHandlerIsNoop(t *testing.T) {
	d := newDispatcher(nil, nil)
	d.Dispatch(Event{Type: "READY"})
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := newDispatcher(func(ev Event) {
		panic("boom")
	}, slog.Default())

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped Dispatch: %v", r)
			}
		}()
		d.Dispatch(Event{Type: "READY"})
	}()
}

func TestDispatcherPassesDataThrough(t *testing.T) {
	var got json.RawMessage
	d := newDispatcher(func(ev Event) {
		got = ev.Data
	}, nil)

	d.Dispatch(Event{Type: "MESSAGE_CREATE", Data: json.RawMessage(`{"id":"1"}`), Seq: 5})

	if string(got) != `{"id":"1"}` {
		t.Errorf("unexpected data: %s", got)
	}
}

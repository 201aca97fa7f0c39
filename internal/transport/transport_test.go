package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/event"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *recordingSink) Submit(evt *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) snapshot() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.events...)
}

// wsServer upgrades incoming connections and hands them to fn.
func wsServer(t *testing.T, fn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer func() { _ = ws.Close() }()
		fn(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for bus event %s", kind)
		}
	}
}

const hello = `{"type":"health.check","connection_id":"conn-1","created_at":"2026-03-01T00:00:00Z"}`

func TestRunConnectsAndDeliversEvents(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"message.new","cid":"messaging:a","created_at":"2026-03-01T00:00:01Z"}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	b := bus.New()
	events, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	sink := &recordingSink{}
	conn := New(url, "key", "token", "amy", b, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx)
	}()

	connected := waitFor(t, events, bus.KindConnConnected)
	info, ok := connected.Payload.(ConnectedInfo)
	if !ok {
		t.Fatalf("payload = %T, want ConnectedInfo", connected.Payload)
	}
	if info.ConnectionID != "conn-1" {
		t.Errorf("connection id = %q, want conn-1", info.ConnectionID)
	}

	// The message event must reach the sink, not the bus.
	deadline := time.After(5 * time.Second)
	for len(sink.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("sink never received the message event")
		case <-time.After(10 * time.Millisecond):
		}
	}
	got := sink.snapshot()
	if got[0].Type != event.MessageNew || got[0].CID != "messaging:a" {
		t.Errorf("sink event = %+v, want message.new on messaging:a", got[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	url := wsServer(t, func(ws *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately after hello.
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	b := bus.New()
	events, unsub := b.Subscribe("conn.", 32)
	defer unsub()

	conn := New(url, "key", "token", "amy", b, &recordingSink{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	waitFor(t, events, bus.KindConnConnected)
	waitFor(t, events, bus.KindConnDisconnected)
	waitFor(t, events, bus.KindConnConnected)

	mu.Lock()
	defer mu.Unlock()
	if dials < 2 {
		t.Errorf("dials = %d, want at least 2", dials)
	}
}

func TestHealthChecksSurfaceOnBus(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"health.check","connection_id":"conn-1","created_at":"2026-03-01T00:00:10Z"}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	b := bus.New()
	events, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	sink := &recordingSink{}
	conn := New(url, "key", "token", "amy", b, sink, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	waitFor(t, events, bus.KindConnConnected)
	waitFor(t, events, bus.KindConnHealth)

	if got := sink.snapshot(); len(got) != 0 {
		t.Errorf("health checks must not reach the sink, got %v", got)
	}
}

func TestSkipsUndecodableFrames(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"message.new","cid":"messaging:a","created_at":"2026-03-01T00:00:01Z"}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	b := bus.New()
	sink := &recordingSink{}
	conn := New(url, "key", "token", "amy", b, sink, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(sink.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("valid event after garbage frame never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := sink.snapshot(); got[0].Type != event.MessageNew {
		t.Errorf("event = %+v, want message.new", got[0])
	}
}

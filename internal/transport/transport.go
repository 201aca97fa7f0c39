// Package transport maintains the websocket connection to the chat backend
// and feeds decoded events into the state layer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/koi-chat/koi/internal/bus"
	"github.com/koi-chat/koi/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20

	// reconnect backoff bounds
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Sink receives every decoded non-lifecycle event, in arrival order.
type Sink interface {
	Submit(evt *event.Event)
}

// Conn is the long-lived websocket connection for one session. Run keeps it
// alive across network failures, announcing lifecycle transitions on the bus.
type Conn struct {
	wsURL     string
	apiKey    string
	userToken string
	userID    string

	bus  *bus.Bus
	sink Sink
	log  *zap.Logger

	dialer *websocket.Dialer
}

// ConnectedInfo is the payload of a conn.connected bus event.
type ConnectedInfo struct {
	ConnectionID string
	UserID       string
}

// New builds a transport for one authenticated user.
func New(wsURL, apiKey, userToken, userID string, b *bus.Bus, sink Sink, log *zap.Logger) *Conn {
	return &Conn{
		wsURL:     wsURL,
		apiKey:    apiKey,
		userToken: userToken,
		userID:    userID,
		bus:       b,
		sink:      sink,
		log:       log.Named("transport"),
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Run connects and keeps reconnecting with capped exponential backoff until
// ctx is canceled. It returns nil on cancelation.
func (c *Conn) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		c.bus.Emit(bus.KindConnConnecting, nil)

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.bus.Emit(bus.KindConnDisconnected, err)
		c.log.Warn("connection lost", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials, waits for the server's hello, then pumps events until the
// connection drops or ctx is canceled.
func (c *Conn) runOnce(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// First frame is the health check carrying our connection id.
	hello, err := c.readEvent(ws)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if hello.Type != event.HealthCheck || hello.ConnectionID == "" {
		return fmt.Errorf("hello: got %q, want %s with connection id", hello.Type, event.HealthCheck)
	}
	c.bus.Emit(bus.KindConnConnected, ConnectedInfo{ConnectionID: hello.ConnectionID, UserID: c.userID})

	// Writer goroutine owns all writes; gorilla allows one concurrent
	// reader and one concurrent writer.
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.pingLoop(pumpCtx, ws)
	}()

	err = c.readLoop(ws)
	cancel()
	<-writeDone
	return err
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	payload, err := json.Marshal(map[string]any{
		"user_id":      c.userID,
		"user_details": map[string]any{"id": c.userID},
	})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("authorization", c.userToken)
	params.Set("stream-auth-type", "jwt")
	params.Set("json", string(payload))

	ws, _, err := c.dialer.DialContext(ctx, c.wsURL+"/connect?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return ws, nil
}

func (c *Conn) readEvent(ws *websocket.Conn) (*event.Event, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return event.Decode(data)
}

// readLoop pumps frames until the connection errors. Health checks refresh
// the read deadline and surface on the bus; everything else goes to the sink.
// Undecodable frames are logged and skipped so one malformed event cannot
// kill the connection.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		evt, err := event.Decode(data)
		if err != nil {
			c.log.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		if evt.Type == event.HealthCheck {
			if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
				return err
			}
			c.bus.Emit(bus.KindConnHealth, evt.ConnectionID)
			continue
		}
		if !event.Known(evt.Type) {
			c.log.Debug("unknown event type", zap.String("type", string(evt.Type)))
		}
		c.sink.Submit(evt)
	}
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

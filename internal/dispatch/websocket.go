package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/signalbus/core/internal/signal"
)

// WebSocketAdapter delivers signals as text frames over previously
// registered *websocket.Conn connections, keyed by the same "target" option
// the pid/named adapters use. Connections are registered out of band (an
// HTTP upgrade handler calls Register) and removed on write failure.
type WebSocketAdapter struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewWebSocketAdapter builds an empty WebSocketAdapter.
func NewWebSocketAdapter() *WebSocketAdapter {
	return &WebSocketAdapter{conns: make(map[string]*websocket.Conn)}
}

// Register associates an upgraded connection with target, replacing any
// prior connection registered under that name.
func (a *WebSocketAdapter) Register(target string, conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[target] = conn
}

// Unregister drops target's connection, if any.
func (a *WebSocketAdapter) Unregister(target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, target)
}

func (a *WebSocketAdapter) Tag() string { return "websocket" }

func (a *WebSocketAdapter) ValidateOpts(opts Opts) (Opts, error) {
	if target, ok := opts.String("target"); !ok || target == "" {
		return nil, fmt.Errorf("dispatch: websocket requires target")
	}
	return opts, nil
}

func (a *WebSocketAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	target, _ := opts.String("target")

	a.mu.RLock()
	conn, ok := a.conns[target]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispatch: websocket target %q not connected", target)
	}

	body, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dispatch: websocket encode: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		a.Unregister(target)
		return fmt.Errorf("dispatch: websocket write to %q: %w", target, err)
	}
	return nil
}

var _ Adapter = (*WebSocketAdapter)(nil)

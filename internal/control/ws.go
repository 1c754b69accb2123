// Package control listens for "new configuration available" signals from
// the ioFog agent's control websocket.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Control socket opcodes.
const (
	OpAck           byte = 0x0B
	OpControlSignal byte = 0x0C
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// WSListener holds a control websocket open and reports config signals.
type WSListener struct {
	url            string
	notify         func()
	logger         *slog.Logger
	reconnectDelay time.Duration
}

// SocketURL returns the control socket URL for microservice id on the agent
// at agentURL (http or https).
func SocketURL(agentURL, id string) string {
	u := strings.TrimSuffix(agentURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v2/control/socket/id/" + id
}

// NewWSListener creates a listener that calls notify on every control signal.
func NewWSListener(url string, notify func(), logger *slog.Logger) *WSListener {
	return &WSListener{
		url:            url,
		notify:         notify,
		logger:         logger,
		reconnectDelay: DefaultReconnectDelay,
	}
}

// Run keeps the socket connected until ctx ends. It always returns ctx.Err().
func (l *WSListener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error("control socket error", "url", l.url, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.reconnectDelay):
		}
	}
}

// session runs one connection until it fails.
func (l *WSListener) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.logger.Info("control socket connected", "url", l.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		if data[0] != OpControlSignal {
			l.logger.Debug("ignoring control opcode", "opcode", data[0])
			continue
		}

		if err := conn.Write(ctx, websocket.MessageBinary, []byte{OpAck}); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		l.logger.Info("new config signal")
		l.notify()
	}
}

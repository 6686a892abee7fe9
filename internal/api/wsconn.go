package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/pslog"
)

// Websocket message types.
const (
	MsgTerminalInput   = "terminal_input"
	MsgTerminalResize  = "terminal_resize"
	MsgPing            = "ping"
	MsgWelcome         = "welcome"
	MsgTerminalData    = "terminal_data"
	MsgTerminalExit    = "terminal_exit"
	MsgTerminalError   = "terminal_error"
	MsgTerminalResized = "terminal_resized"
	MsgPong            = "pong"
	MsgError           = "error"
)

// Message is one JSON websocket frame in either direction.
type Message struct {
	Type         string         `json:"type"`
	Data         string         `json:"data,omitempty"`
	Cols         int            `json:"cols,omitempty"`
	Rows         int            `json:"rows,omitempty"`
	Message      string         `json:"message,omitempty"`
	Code         apperr.Kind    `json:"code,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	Pid          int            `json:"pid,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	IsAgent      bool           `json:"isAgent,omitempty"`
	AgentID      string         `json:"agentId,omitempty"`
	Task         string         `json:"task,omitempty"`
	Restrictions *agent.Profile `json:"restrictions,omitempty"`
}

type wsConn struct {
	conn   *websocket.Conn
	logger pslog.Logger

	sendMu sync.Mutex
}

func newWSConn(conn *websocket.Conn, logger pslog.Logger) *wsConn {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn, logger: logger}
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *wsConn) SendError(ctx context.Context, err error) error {
	msg := Message{Type: MsgError, Code: apperr.KindOf(err), Message: err.Error()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		msg.Message = appErr.Message
	} else {
		msg.Message = "internal error"
		c.logger.Error("ws.internal", "err", err)
	}
	return c.Send(ctx, msg)
}

func (c *wsConn) Read(ctx context.Context) (Message, error) {
	var msg Message
	err := wsjson.Read(ctx, c.conn, &msg)
	return msg, err
}

func (c *wsConn) Close(status websocket.StatusCode, reason string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Close(status, reason)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPongTimeout)
			if err := conn.Ping(pingCtx); err != nil {
				conn.logger.Debug("websocket ping failed", "err", err)
			}
			cancel()
		}
	}
}

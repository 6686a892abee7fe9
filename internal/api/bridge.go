package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/jitterm/internal/terminal"
	"pkt.systems/pslog"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// bridge relays one websocket to one attached terminal.
type bridge struct {
	server  *Server
	ws      *wsConn
	handle  *terminal.Handle
	session session.Session
	actor   principal.Principal
	logger  pslog.Logger

	// logCommands is read once at attach time.
	logCommands bool
	filter      *agent.Filter
	lines       lineBuffer
	lastTouch   time.Time
}

// handleTerminal upgrades GET /ws?session={id} and binds the session's
// terminal to the connection until either side goes away.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	q := r.URL.Query()
	id := q.Get("session")
	if id == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "session is required"))
		return
	}
	sess, err := s.sessions.Access(r.Context(), id, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger := s.loggerWithContext(r.Context()).With("session_id", id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: false,
	})
	if err != nil {
		logger.Debug("websocket accept failed", "err", err)
		return
	}
	ws := newWSConn(conn, logger)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	handle, err := s.terminals.Attach(ctx, sess, queryInt(q.Get("cols"), defaultCols), queryInt(q.Get("rows"), defaultRows))
	if err != nil {
		_ = ws.SendError(ctx, err)
		_ = ws.Close(websocket.StatusPolicyViolation, string(apperr.KindOf(err)))
		return
	}
	defer s.terminals.DetachHandle(handle, terminal.ReasonClientClosed)

	// A terminate that raced the attach must not leave a live shell behind.
	if cur, err := s.sessions.Get(id); err != nil || !cur.Active(s.now()) {
		_ = ws.SendError(ctx, apperr.New(apperr.KindInvalidState, "session ended during attach"))
		_ = ws.Close(websocket.StatusPolicyViolation, string(apperr.KindInvalidState))
		return
	}

	b := &bridge{
		server:      s,
		ws:          ws,
		handle:      handle,
		session:     sess,
		actor:       p,
		logger:      logger,
		logCommands: s.policy.Get().LogCommands,
		lastTouch:   s.now(),
	}
	if sess.IsAgent {
		var profile agent.Profile
		if sess.Restrictions != nil {
			profile = *sess.Restrictions
		}
		b.filter = s.guard.NewFilter(profile, handle.Binding().Dir)
	}

	expires := sess.ExpiresAt
	welcome := Message{
		Type:      MsgWelcome,
		Message:   "JIT terminal connected",
		SessionID: sess.ID,
		Pid:       handle.Binding().Pid,
		ExpiresAt: &expires,
		IsAgent:   sess.IsAgent,
	}
	if sess.IsAgent {
		welcome.Message = "JIT agent terminal connected for " + sess.AgentID
		welcome.AgentID = sess.AgentID
		welcome.Task = sess.Task
		welcome.Restrictions = sess.Restrictions
	}
	if err := ws.Send(ctx, welcome); err != nil {
		return
	}
	logger.Info("terminal.bridge.open", "pid", handle.Binding().Pid, "agent", sess.IsAgent)

	go pingLoop(ctx, ws)
	go func() {
		b.pumpOutput(ctx)
		cancel()
	}()
	b.readInput(ctx)
	logger.Info("terminal.bridge.closed")
}

func (b *bridge) pumpOutput(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.handle.Read(ctx, buf)
		if n > 0 {
			if sendErr := b.ws.Send(ctx, Message{Type: MsgTerminalData, Data: string(buf[:n])}); sendErr != nil {
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = b.ws.Send(ctx, Message{Type: MsgTerminalExit, SessionID: b.session.ID, Message: "terminal session ended"})
			_ = b.ws.Close(websocket.StatusNormalClosure, "terminal exited")
			return
		}
	}
}

func (b *bridge) readInput(ctx context.Context) {
	for {
		msg, err := b.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				b.logger.Debug("websocket read failed", "err", err)
			}
			return
		}
		if err := b.touch(ctx); err != nil {
			_ = b.ws.SendError(ctx, err)
			_ = b.ws.Close(websocket.StatusPolicyViolation, string(apperr.KindOf(err)))
			return
		}
		switch msg.Type {
		case MsgTerminalInput:
			b.input(ctx, msg.Data)
		case MsgTerminalResize:
			if msg.Cols <= 0 || msg.Rows <= 0 {
				_ = b.ws.SendError(ctx, apperr.New(apperr.KindValidation, "columns and rows are required for resize"))
				continue
			}
			if err := b.handle.Resize(msg.Cols, msg.Rows); err != nil {
				_ = b.ws.Send(ctx, Message{Type: MsgTerminalError, Message: err.Error()})
				continue
			}
			_ = b.ws.Send(ctx, Message{Type: MsgTerminalResized, Cols: msg.Cols, Rows: msg.Rows})
		case MsgPing:
			_ = b.ws.Send(ctx, Message{Type: MsgPong})
		default:
			_ = b.ws.SendError(ctx, apperr.Newf(apperr.KindValidation, "unknown message type %q", msg.Type))
		}
	}
}

// touch rejects input once the session is past its expiry and persists
// activity at most every touchInterval.
func (b *bridge) touch(ctx context.Context) error {
	now := b.server.now()
	if b.session.Active(now) && now.Sub(b.lastTouch) < touchInterval {
		return nil
	}
	sess, err := b.server.sessions.Touch(ctx, b.session.ID)
	if err != nil {
		return err
	}
	b.session = sess
	b.lastTouch = now
	return nil
}

func (b *bridge) input(ctx context.Context, data string) {
	if data == "" {
		return
	}
	if b.filter == nil {
		b.write(ctx, []byte(data))
		chunks := b.lines.feed([]byte(data))
		if !b.logCommands {
			return
		}
		for _, c := range chunks {
			if c.kind != chunkLine || strings.TrimSpace(c.line) == "" {
				continue
			}
			b.server.record(audit.ActionCommandExecuted, b.actor, map[string]any{
				"sessionId": b.session.ID,
				"command":   strings.TrimSpace(c.line),
			})
		}
		return
	}

	for _, c := range b.lines.feed([]byte(data)) {
		if c.kind == chunkControl {
			b.write(ctx, []byte{c.key})
			continue
		}
		line := strings.TrimSpace(c.line)
		if line == "" {
			b.write(ctx, []byte("\r"))
			continue
		}
		decision, err := b.filter.Check(ctx, line)
		if err != nil {
			b.logger.Error("agent.filter", "err", err)
			_ = b.ws.Send(ctx, Message{Type: MsgTerminalError, Message: "command policy unavailable"})
			continue
		}
		details := map[string]any{
			"sessionId": b.session.ID,
			"agentId":   b.session.AgentID,
			"task":      b.session.Task,
			"command":   line,
		}
		if !decision.Allowed {
			details["reasons"] = decision.Reasons
			b.logger.Warn("agent.command.blocked", "command", line, "reasons", strings.Join(decision.Reasons, "; "))
			b.server.record(audit.ActionAgentCommandBlocked, b.actor, details)
			_ = b.ws.Send(ctx, Message{
				Type: MsgTerminalData,
				Data: "\r\n\x1b[31m[SECURITY] command blocked: " + strings.Join(decision.Reasons, "; ") + "\x1b[0m\r\n",
			})
			continue
		}
		b.server.record(audit.ActionAgentCommandExecuted, b.actor, details)
		b.write(ctx, []byte(line+"\r"))
	}
}

func (b *bridge) write(ctx context.Context, data []byte) {
	if _, err := b.handle.Write(data); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		_ = b.ws.Send(ctx, Message{Type: MsgTerminalError, Message: "failed to write to terminal"})
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

package jitterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/term"

	"pkt.systems/jitterm/internal/api"
	"pkt.systems/pslog"
)

// AttachOptions configures Attach.
type AttachOptions struct {
	Client    *Client
	SessionID string
	Stdin     io.Reader
	Stdout    io.Writer
	// TermSize reports the local window size. Defaults to the size of
	// Stdout when it is a terminal.
	TermSize func() (cols, rows int)
	Logger   pslog.Logger
}

// Attach binds the local terminal to a session's remote shell until the
// shell exits, the session ends or ctx is cancelled.
func Attach(ctx context.Context, opts AttachOptions) error {
	if opts.Client == nil {
		return errors.New("client is required")
	}
	if opts.SessionID == "" {
		return errors.New("session id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	logger = logger.With("component", "attach", "session_id", opts.SessionID)
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	size := opts.TermSize
	if size == nil {
		size = func() (int, int) { return fileSize(stdout) }
	}

	q := url.Values{"session": {opts.SessionID}}
	if cols, rows := size(); cols > 0 && rows > 0 {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	dialOpts := &websocket.DialOptions{
		HTTPClient: opts.Client.HTTP,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + opts.Client.Token}},
	}
	conn, resp, err := websocket.Dial(ctx, websocketURL(opts.Client.Endpoint)+"/ws?"+q.Encode(), dialOpts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return fmt.Errorf("attach refused: %s", resp.Status)
		}
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(int(f.Fd()), state) }()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sendMu sync.Mutex
	send := func(msg api.Message) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return wsjson.Write(ctx, conn, msg)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if sendErr := send(api.Message{Type: api.MsgTerminalInput, Data: string(buf[:n])}); sendErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go watchResize(ctx, size, send)

	for {
		var msg api.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		switch msg.Type {
		case api.MsgWelcome:
			logger.Debug("attach.welcome", "pid", msg.Pid, "agent", msg.IsAgent)
		case api.MsgTerminalData:
			if _, err := io.WriteString(stdout, msg.Data); err != nil {
				return err
			}
		case api.MsgTerminalExit:
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case api.MsgTerminalError:
			logger.Warn("attach.terminal_error", "message", msg.Message)
		case api.MsgError:
			return &APIError{Code: msg.Code, Message: msg.Message}
		}
	}
}

func watchResize(ctx context.Context, size func() (int, int), send func(api.Message) error) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if cols, rows := size(); cols > 0 && rows > 0 {
				_ = send(api.Message{Type: api.MsgTerminalResize, Cols: cols, Rows: rows})
			}
		}
	}
}

func fileSize(w io.Writer) (int, int) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, 0
	}
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, 0
	}
	return cols, rows
}

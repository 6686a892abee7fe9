package terminal

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPTYSpawnerRunsCommand(t *testing.T) {
	if _, err := os.Stat(fallbackShell); err != nil {
		t.Skipf("%s not available", fallbackShell)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proc, err := PTYSpawner{Term: "xterm-256color"}.Spawn(ctx, Spec{
		Args: []string{fallbackShell, "-c", "echo $JIT_SESSION_ID"},
		Env:  []string{"JIT_SESSION_ID=jit-test"},
		Cols: 80,
		Rows: 24,
	})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer func() {
		_ = proc.Kill()
	}()

	var out strings.Builder
	buf := make([]byte, 256)
	for !strings.Contains(out.String(), "jit-test") {
		n, err := proc.Read(ctx, buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(out.String(), "jit-test") {
		t.Fatalf("output = %q, want jit-test", out.String())
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit after Kill")
	}
}

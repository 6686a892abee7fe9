package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
)

const fallbackShell = "/bin/sh"

// ResolveShell picks the shell sessions run: the configured one, then the
// login shell of the server's user, then $SHELL, then /bin/sh.
func ResolveShell(configured string) string {
	if configured != "" {
		return configured
	}
	if u, err := user.Current(); err == nil && u.Uid != "" {
		if shell, err := loginShell(u.Uid); err == nil && shell != "" {
			return shell
		}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return fallbackShell
}

func loginShell(uid string) (string, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	return loginShellFrom(f, uid)
}

func loginShellFrom(r io.Reader, uid string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[2] != uid {
			continue
		}
		return fields[6], nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("uid %s not found in passwd", uid)
}

// Package identity maps a local TCP client port to the name of the process
// that owns it, by asking lsof.
package identity

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when no established socket uses the port.
var ErrNotFound = errors.New("identity: no process found for port")

const DefaultTimeout = 2 * time.Second

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LsofResolver resolves ports with `lsof -n -P -sTCP:ESTABLISHED +c0 -i :PORT`.
type LsofResolver struct {
	Path    string
	Timeout time.Duration

	run Runner
}

func NewLsofResolver(timeout time.Duration) *LsofResolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LsofResolver{Path: "lsof", Timeout: timeout, run: execRunner}
}

// WithRunner returns a copy of l that executes commands through run.
func (l *LsofResolver) WithRunner(run Runner) *LsofResolver {
	cp := *l
	cp.run = run
	return &cp
}

func (l *LsofResolver) ResolveAppByPort(ctx context.Context, port uint16) (string, error) {
	if port == 0 {
		return "", ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	out, err := l.run(ctx, l.Path, "-n", "-P", "-sTCP:ESTABLISHED", "+c0", "-i", ":"+strconv.Itoa(int(port)))
	if err != nil {
		// lsof exits 1 with no output when nothing matched.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(bytes.TrimSpace(out)) == 0 {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lsof port %d: %w", port, err)
	}
	return ParseLsof(out, port)
}

// ParseLsof picks the line whose local endpoint is port and returns its
// command column, lowercased, with lsof's \xHH escapes decoded.
func ParseLsof(out []byte, port uint16) (string, error) {
	needle := ":" + strconv.Itoa(int(port)) + "->"

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return DecodeEscapes(strings.ToLower(fields[0])), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNotFound
}

// DecodeEscapes turns lsof's \xHH byte escapes back into raw bytes.
func DecodeEscapes(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Package stdioadapter wraps a spawned upstream MCP process whose stdout
// intermixes JSON-RPC frames with human log lines. It is the
// stdio transport's log-filtering seam: mark3labs/mcp-go's own stdio
// client expects every stdout line to be a JSON-RPC frame, which many
// real upstreams violate by logging to stdout instead of stderr. The
// adapter interposes on the child's stdout, classifies each line, and
// only ever forwards well-formed JSON-RPC to the caller.
package stdioadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is the inferred severity of a non-JSON-RPC stdout line.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warning"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "critical"
)

// classifiers is a three-pattern ladder checked in order; a line
// matching none of them defaults to info.
var classifiers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(DEBUG|INFO|WARNING|ERROR|CRITICAL)\s+`),
	regexp.MustCompile(`(?i)^\[(DEBUG|INFO|WARNING|ERROR|CRITICAL)\]`),
	regexp.MustCompile(`(?i)\s(DEBUG|INFO|WARNING|ERROR|CRITICAL)\s`),
}

func classify(line string) LogLevel {
	for _, re := range classifiers {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch LogLevel(normalizeLevel(m[1])) {
		case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
			return LogLevel(normalizeLevel(m[1]))
		}
	}
	return LevelInfo
}

func normalizeLevel(raw string) string {
	switch len(raw) {
	case 0:
		return string(LevelInfo)
	}
	switch upper := toUpperASCII(raw); upper {
	case "DEBUG":
		return string(LevelDebug)
	case "INFO":
		return string(LevelInfo)
	case "WARNING":
		return string(LevelWarn)
	case "ERROR":
		return string(LevelError)
	case "CRITICAL":
		return string(LevelFatal)
	default:
		return string(LevelInfo)
	}
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// jsonrpcEnvelope is the minimal shape a line must have to be accepted
// as JSON-RPC: jsonrpc="2.0" and at least one of
// {method-with-id | method-alone | result-with-id | error-with-id}.
type jsonrpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func looksLikeJSONRPC(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var env jsonrpcEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false
	}
	if env.JSONRPC != "2.0" {
		return nil, false
	}
	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	switch {
	case env.Method != "": // method-with-id or method-alone (notification)
		return trimmed, true
	case len(env.Result) > 0 && hasID:
		return trimmed, true
	case len(env.Error) > 0 && hasID:
		return trimmed, true
	default:
		return nil, false
	}
}

// Adapter owns one spawned child process and its stdio plumbing.
type Adapter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    *logrus.Entry
	grace  time.Duration

	onMessage func(frame []byte)
	onError   func(err error)
	onClose   func(exitCode int, signal string)

	mu     sync.Mutex
	closed bool
	exited chan struct{}
}

// Options configures a new Adapter.
type Options struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	Grace   time.Duration // SIGTERM -> SIGKILL escalation window, default 5s

	OnMessage func(frame []byte)
	OnError   func(err error)
	OnClose   func(exitCode int, signal string)
	Logger    *logrus.Entry
}

// Start spawns the child process and begins streaming its stdout/stderr.
func Start(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	a := &Adapter{
		cmd:       cmd,
		stdin:     stdin,
		log:       log,
		grace:     opts.Grace,
		onMessage: opts.OnMessage,
		onError:   opts.OnError,
		onClose:   opts.OnClose,
		exited:    make(chan struct{}),
	}

	go a.pumpStdout(stdout)
	go a.pumpStderr(stderr)
	go a.awaitExit()

	return a, nil
}

// pumpStdout implements the split-on-newline, classify-or-forward
// algorithm. A chunk boundary landing mid-line is handled by
// bufio.Scanner's own internal buffering, which never emits a partial
// line as a token.
func (a *Adapter) pumpStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if frame, ok := looksLikeJSONRPC(line); ok {
			if a.onMessage != nil {
				cp := make([]byte, len(frame))
				copy(cp, frame)
				a.onMessage(cp)
			}
			continue
		}
		level := classify(string(line))
		a.logLine(level, string(line))
	}
	if err := scanner.Err(); err != nil && a.onError != nil {
		a.onError(fmt.Errorf("stdout scan: %w", err))
	}
}

// pumpStderr always forwards to the logger at warn level.
func (a *Adapter) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		a.log.WithField("stream", "stderr").Warn(scanner.Text())
	}
}

func (a *Adapter) logLine(level LogLevel, line string) {
	entry := a.log.WithField("stream", "stdout")
	switch level {
	case LevelDebug:
		entry.Debug(line)
	case LevelWarn:
		entry.Warn(line)
	case LevelError, LevelFatal:
		entry.Error(line)
	default:
		entry.Info(line)
	}
}

func (a *Adapter) awaitExit() {
	err := a.cmd.Wait()
	close(a.exited)
	exitCode := -1
	signal := ""
	if a.cmd.ProcessState != nil {
		exitCode = a.cmd.ProcessState.ExitCode()
		if status, ok := a.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signal = status.Signal().String()
		}
	}
	if err != nil && exitCode == -1 {
		if a.onError != nil {
			a.onError(fmt.Errorf("process wait: %w", err))
		}
	}
	if a.onClose != nil {
		a.onClose(exitCode, signal)
	}
}

// Send writes one JSON-RPC frame (newline-terminated) to the child's
// stdin.
func (a *Adapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("adapter closed")
	}
	if _, err := a.stdin.Write(frame); err != nil {
		return err
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		_, err := a.stdin.Write([]byte{'\n'})
		return err
	}
	return nil
}

// Shutdown closes stdin, sends SIGTERM, and escalates to SIGKILL after
// the grace window if the process is still alive.
func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.stdin.Close()

	if a.cmd.Process == nil {
		return nil
	}
	_ = a.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-a.exited:
		return nil
	case <-time.After(a.grace):
		return a.cmd.Process.Kill()
	}
}

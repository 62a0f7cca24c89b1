package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/mcperr"
	"github.com/nugget/mcplink/internal/security"
)

// DefaultStopTimeout is how long Close waits for a subprocess to exit
// after its stdin is closed before killing it.
const DefaultStopTimeout = 5 * time.Second

const maxLineSize = 1 << 20

// StdioConfig configures a subprocess transport that exchanges
// newline-delimited frames over the child's stdin and stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env is the complete child environment ("KEY=VALUE"). The host
	// environment is never inherited; nil starts the child with an
	// empty environment.
	Env []string

	// Dir is the working directory. Empty uses the current directory.
	Dir string

	// Limits bound the child's combined stdout and stderr volume and
	// its wall-clock runtime.
	Limits security.Limits

	// StopTimeout overrides DefaultStopTimeout.
	StopTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// ExitError reports that the subprocess ended on its own.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Stdio communicates with a capability server running as a subprocess.
// Stderr is diagnostic output: it is logged at debug level and never
// parsed.
type Stdio struct {
	base

	config StdioConfig
	logger *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	monitor *security.Monitor
}

// NewStdio creates a subprocess transport. Nothing is started until
// Open.
func NewStdio(cfg StdioConfig) *Stdio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	t := &Stdio{config: cfg, logger: logger}
	t.init()
	return t
}

// Open spawns the subprocess and starts reading its output.
func (t *Stdio) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closing.Load() {
		return ErrClosed
	}
	err := errors.New("transport already opened")
	t.startOnce.Do(func() { err = t.start() })
	return err
}

func (t *Stdio) start() error {
	t.logger.Info("starting capability server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = t.config.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnError(fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return spawnError(fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return spawnError(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return spawnError(fmt.Errorf("start subprocess %s: %w", t.config.Command, err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.monitor = security.NewMonitor(t.config.Limits, t.kill)
	t.monitor.Start()

	t.logger.Info("capability server subprocess started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.drainStderr(stderr)
	}()
	go func() {
		// Wait must follow the pipe readers.
		readers.Wait()
		err := cmd.Wait()
		t.monitor.Stop()
		t.finish(exitError(err))
	}()

	t.markOpen()
	return nil
}

// readStdout splits stdout into frames. A line is delivered only once
// its newline arrives; a trailing fragment at EOF is dropped.
func (t *Stdio) readStdout(r io.Reader) {
	br := bufio.NewReaderSize(t.monitor.Reader(r), maxLineSize)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				t.logger.Debug("dropping unterminated line from subprocess", "bytes", len(line))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, security.ErrOutputLimit) && !errors.Is(err, fs.ErrClosed) {
				t.report(&mcperr.Error{Kind: mcperr.KindTransport, Op: "read", Err: err})
			}
			return
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		if !t.deliver(line) {
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *Stdio) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(t.monitor.Reader(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("capability server stderr", "line", scanner.Text())
	}
}

// kill is the monitor's termination hook.
func (t *Stdio) kill(cause error) {
	t.logger.Warn("terminating capability server subprocess", "error", cause)
	t.finish(cause)
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

// Send writes frame followed by a newline to the child's stdin.
func (t *Stdio) Send(ctx context.Context, frame []byte) error {
	if err := t.sendable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(buf); err != nil {
		if t.closing.Load() {
			return ErrClosed
		}
		return &mcperr.Error{Kind: mcperr.KindTransport, Op: "write", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Close stops the subprocess: stdin is closed to ask it to exit, and
// it is killed if it has not exited within the stop timeout.
func (t *Stdio) Close() error {
	t.beginClose()
	t.closeOnce.Do(t.stop)
	<-t.done
	return nil
}

func (t *Stdio) stop() {
	// A never-started transport has no reader goroutine to finish it.
	started := true
	t.startOnce.Do(func() { started = false })
	if !started || t.cmd == nil {
		t.finish(nil)
		return
	}

	pid := t.cmd.Process.Pid
	t.logger.Info("stopping capability server subprocess", "pid", pid)

	t.writeMu.Lock()
	t.stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-t.done:
	case <-time.After(t.config.StopTimeout):
		t.logger.Warn("capability server subprocess did not exit gracefully, killing", "pid", pid)
		_ = t.cmd.Process.Kill()
	}
}

func spawnError(err error) error {
	return &mcperr.Error{
		Kind:      mcperr.KindTransport,
		Op:        "spawn",
		Err:       err,
		Permanent: errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission),
	}
}

func exitError(err error) error {
	code := 0
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	return &mcperr.Error{Kind: mcperr.KindTransport, Op: "exit", Err: &ExitError{Code: code, Err: err}}
}

package lsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transport carries framed payloads to and from one language server.
// Write must be safe for concurrent use; Reader is consumed only by the
// connection's read loop.
type Transport interface {
	// Write frames payload and writes it fully before returning.
	Write(payload []byte) error

	// Reader returns the stream of bytes coming from the server.
	Reader() io.Reader

	// Close releases the underlying pipes and process.
	Close() error
}

// flusher is implemented by buffered writers.
type flusher interface {
	Flush() error
}

// StreamTransport is a Transport over an arbitrary reader and writer,
// typically a pair of pipes.
type StreamTransport struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer

	mu     sync.Mutex
	closed atomic.Bool
}

// NewStreamTransport creates a transport over r and w. The closer may be nil.
func NewStreamTransport(r io.Reader, w io.Writer, c io.Closer) *StreamTransport {
	return &StreamTransport{
		reader: r,
		writer: w,
		closer: c,
	}
}

// Write frames payload and writes it under the write lock so concurrent
// payloads are never interleaved on the wire.
func (t *StreamTransport) Write(payload []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}

	frame := Encode(payload)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.writer.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if f, ok := t.writer.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush message: %w", err)
		}
	}
	return nil
}

// Reader returns the incoming byte stream.
func (t *StreamTransport) Reader() io.Reader {
	return t.reader
}

// Close closes the transport. It is safe to call more than once.
func (t *StreamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *StreamTransport) IsClosed() bool {
	return t.closed.Load()
}

// ProcessConfig describes how to spawn a language server process.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory of the process.
	WorkDir string

	// KillTimeout bounds how long Close waits for a graceful exit.
	KillTimeout time.Duration
}

// ProcessTransport owns a spawned server process and its stdio pipes.
// The process lives exactly as long as the transport.
type ProcessTransport struct {
	*StreamTransport

	config ProcessConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exited    chan struct{}
	exitErr   error
	closeOnce sync.Once
	closeErr  error
	logger    *zap.Logger
}

// StartProcess spawns the configured executable with piped stdin and stdout.
// Stderr is drained into the logger at debug level.
func StartProcess(config ProcessConfig, logger *zap.Logger) (*ProcessTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Command == "" {
		return nil, &TransportError{Op: "spawn", Err: errors.New("empty command")}
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = 2 * time.Second
	}

	cmd := exec.Command(config.Command, config.Args...)

	// Set environment
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if config.WorkDir != "" {
		cmd.Dir = config.WorkDir
	}

	// Get pipes. Stdout and stderr use os.Pipe rather than cmd.StdoutPipe so
	// that Wait does not close the read ends before the read loop drains them.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Command: config.Command, Op: "stdin pipe", Err: err}
	}

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &TransportError{Command: config.Command, Op: "stdout pipe", Err: err}
	}
	cmd.Stdout = stdoutW

	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		stdoutW.Close()
		return nil, &TransportError{Command: config.Command, Op: "stderr pipe", Err: err}
	}
	cmd.Stderr = stderrW

	// Start process
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stdoutW.Close()
		stderr.Close()
		stderrW.Close()
		return nil, &TransportError{Command: config.Command, Op: "start", Err: err}
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &ProcessTransport{
		StreamTransport: NewStreamTransport(stdout, bufio.NewWriter(stdin), nil),
		config:          config,
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		exited:          make(chan struct{}),
		logger:          logger.With(zap.String("command", config.Command), zap.Int("pid", cmd.Process.Pid)),
	}

	go p.drainStderr(stderr)
	go p.monitorProcess()

	p.logger.Debug("language server process started")
	return p, nil
}

// drainStderr forwards the server's stderr to the debug log.
func (p *ProcessTransport) drainStderr(stderr io.ReadCloser) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

// monitorProcess reaps the process and signals when it exits.
func (p *ProcessTransport) monitorProcess() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
	if p.exitErr != nil && !p.IsClosed() {
		p.logger.Warn("language server process exited", zap.Error(p.exitErr))
	}
}

// Exited returns a channel that is closed when the process exits.
func (p *ProcessTransport) Exited() <-chan struct{} {
	return p.exited
}

// Pid returns the process id of the server.
func (p *ProcessTransport) Pid() int {
	return p.cmd.Process.Pid
}

// Close closes stdin, waits briefly for the process to exit on its own
// and kills it otherwise.
func (p *ProcessTransport) Close() error {
	p.closeOnce.Do(func() {
		_ = p.StreamTransport.Close()
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = err
		}

		select {
		case <-p.exited:
		case <-time.After(p.config.KillTimeout):
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.closeErr = &TransportError{Command: p.config.Command, Op: "kill", Err: err}
			}
			<-p.exited
		}
		_ = p.stdout.Close()
		p.logger.Debug("language server process stopped")
	})
	return p.closeErr
}

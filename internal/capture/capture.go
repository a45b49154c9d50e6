// Package capture runs a child process while copying its stdout and stderr
// into private temp files and, best-effort, to the parent's own streams.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// TempDir holds the capture files; "" uses the system default.
	TempDir string
	// Stdout and Stderr receive the passthrough copy. nil disables it.
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
	// WaitDelay bounds how long output is still read after the child exits,
	// e.g. from a background process that inherited the streams. 0 uses
	// DefaultWaitDelay.
	WaitDelay time.Duration
}

const DefaultWaitDelay = 2 * time.Second

// Stream is one captured standard stream.
type Stream struct {
	Name  string
	Path  string
	Bytes int64
	// URI is set once the file has been uploaded.
	URI string
	// PassthroughErr is the write error that disabled passthrough, if any.
	PassthroughErr error

	file *os.File
}

// Outcome is the result of a finished child.
type Outcome struct {
	ExitCode int
	// Signal names the signal that killed the child; ExitCode is -1 then.
	Signal string
	Stdout *Stream
	Stderr *Stream
	// Err is a fatal capture I/O error. The temp files keep what was written.
	Err error
	// Detached is set when the streams were still open WaitDelay after the
	// child exited and were cut off.
	Detached bool
}

// Code returns the exit code, or nil when the child did not exit normally.
func (o *Outcome) Code() *int {
	if o.Signal != "" || o.ExitCode < 0 {
		return nil
	}
	code := o.ExitCode
	return &code
}

// Success reports a zero exit with no capture error.
func (o *Outcome) Success() bool {
	return o.Err == nil && o.Signal == "" && o.ExitCode == 0
}

type Session struct {
	cmd    *exec.Cmd
	stdout *Stream
	stderr *Stream
	outR   *os.File
	errR   *os.File
	opts   Options
	logger *log.Logger

	// exited is closed once the child has been reaped.
	exited   chan struct{}
	waitOnce sync.Once
	outcome  *Outcome
}

// Start creates the capture files, wires the pipes and starts cmd. On any
// failure the temp files are removed and the child is not running.
func Start(cmd *exec.Cmd, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	stdout, err := newStream("stdout", opts.TempDir)
	if err != nil {
		return nil, err
	}
	stderr, err := newStream("stderr", opts.TempDir)
	if err != nil {
		stdout.remove()
		return nil, err
	}
	fail := func(err error) (*Session, error) {
		stdout.remove()
		stderr.remove()
		return nil, err
	}

	// The parent holds only the read ends, so a drain sees EOF once every
	// process holding a write end has closed it.
	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	err = cmd.Start()
	closeAll(outW, errW)
	if err != nil {
		closeAll(outR, errR)
		return fail(fmt.Errorf("start %s: %w", cmd.Path, err))
	}
	logger.Debug("child started", "pid", cmd.Process.Pid, "stdout", stdout.Path, "stderr", stderr.Path)

	return &Session{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		outR:   outR,
		errR:   errR,
		opts:   opts,
		logger: logger,
		exited: make(chan struct{}),
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func newStream(name, dir string) (*Stream, error) {
	f, err := os.CreateTemp(dir, "mog-"+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create %s capture file: %w", name, err)
	}
	return &Stream{Name: name, Path: f.Name(), file: f}, nil
}

func (s *Stream) remove() {
	if s.file != nil {
		_ = s.file.Close()
	}
	_ = os.Remove(s.Path)
}

// Pid of the running child.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Wait reaps the child and drains both streams to EOF. Streams still held
// open WaitDelay after the child exits are closed and whatever arrives later
// is lost. It is safe to call more than once.
func (s *Session) Wait() *Outcome {
	s.waitOnce.Do(func() {
		s.outcome = s.wait()
	})
	return s.outcome
}

func (s *Session) wait() *Outcome {
	var g errgroup.Group
	g.Go(func() error { return s.drain(s.stdout, s.outR, s.opts.Stdout) })
	g.Go(func() error { return s.drain(s.stderr, s.errR, s.opts.Stderr) })
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	waitErr := s.cmd.Wait()
	close(s.exited)

	delay := s.opts.WaitDelay
	if delay <= 0 {
		delay = DefaultWaitDelay
	}
	out := &Outcome{Stdout: s.stdout, Stderr: s.stderr}
	t := time.NewTimer(delay)
	select {
	case out.Err = <-drained:
	case <-t.C:
		s.logger.Warn("output still open after child exit, closing it", "wait_delay", delay)
		out.Detached = true
		closeAll(s.outR, s.errR)
		out.Err = <-drained
	}
	t.Stop()
	closeAll(s.outR, s.errR)

	for _, st := range []*Stream{s.stdout, s.stderr} {
		if err := st.file.Close(); err != nil && out.Err == nil {
			out.Err = fmt.Errorf("close %s capture file: %w", st.Name, err)
		}
	}

	out.ExitCode = -1
	if ps := s.cmd.ProcessState; ps != nil {
		out.ExitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && out.Err == nil {
		out.Err = fmt.Errorf("wait for child: %w", waitErr)
	}
	s.logger.Debug("child exited", "exit_code", out.ExitCode, "signal", out.Signal,
		"stdout_bytes", s.stdout.Bytes, "stderr_bytes", s.stderr.Bytes)
	return out
}

// drain copies r into the stream's file and the passthrough writer until
// EOF or until r is closed by Wait. After a file error the rest of r is
// discarded so the child is never blocked on a full pipe.
func (s *Session) drain(st *Stream, r io.Reader, passthrough io.Writer) error {
	pt := &bestEffort{w: passthrough}
	n, err := io.Copy(io.MultiWriter(st.file, pt), r)
	st.Bytes = n
	st.PassthroughErr = pt.err
	if pt.err != nil {
		s.logger.Warn("passthrough disabled", "stream", st.Name, "error", pt.err)
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("capture %s: %w", st.Name, err)
	}
	return nil
}

// bestEffort forwards writes until the first error, then swallows them.
type bestEffort struct {
	w   io.Writer
	err error
}

func (b *bestEffort) Write(p []byte) (int, error) {
	if b.w != nil && b.err == nil {
		if _, err := b.w.Write(p); err != nil {
			b.err = err
		}
	}
	return len(p), nil
}

// Interrupt sends SIGINT to the child and SIGKILL if it is still running
// after grace.
func (s *Session) Interrupt(grace time.Duration) {
	select {
	case <-s.exited:
		return
	default:
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Debug("interrupt child", "error", err)
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-s.exited:
		case <-t.C:
			s.logger.Warn("child ignored interrupt, killing", "pid", s.cmd.Process.Pid)
			_ = s.cmd.Process.Kill()
		}
	}()
}

// Cleanup removes capture files that were uploaded. Files without a URI are
// kept for inspection.
func (s *Session) Cleanup() {
	for _, st := range []*Stream{s.stdout, s.stderr} {
		if st.URI == "" {
			s.logger.Info("keeping capture file", "stream", st.Name, "path", st.Path)
			continue
		}
		if err := os.Remove(st.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove capture file", "path", st.Path, "error", err)
		}
	}
}

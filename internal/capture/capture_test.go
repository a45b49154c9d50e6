package capture

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mog/internal/logging"
)

func startShell(t *testing.T, script string, opts Options) *Session {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	opts.Logger = logging.Discard()
	s, err := Start(exec.Command("sh", "-c", script), opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestCaptureEcho(t *testing.T) {
	var out, errOut bytes.Buffer
	s := startShell(t, "echo hello; echo oops >&2", Options{Stdout: &out, Stderr: &errOut})
	o := s.Wait()
	if !o.Success() {
		t.Fatalf("expected success, got %+v", o)
	}
	if got := readFile(t, o.Stdout.Path); got != "hello\n" {
		t.Fatalf("stdout file = %q", got)
	}
	if got := readFile(t, o.Stderr.Path); got != "oops\n" {
		t.Fatalf("stderr file = %q", got)
	}
	if out.String() != "hello\n" || errOut.String() != "oops\n" {
		t.Fatalf("passthrough = %q / %q", out.String(), errOut.String())
	}
	if o.Stdout.Bytes != 6 || o.Stderr.Bytes != 5 {
		t.Fatalf("byte counts = %d / %d", o.Stdout.Bytes, o.Stderr.Bytes)
	}
	if code := o.Code(); code == nil || *code != 0 {
		t.Fatalf("code = %v", code)
	}
}

func TestCaptureExitCode(t *testing.T) {
	s := startShell(t, "exit 3", Options{})
	o := s.Wait()
	if o.Success() || o.ExitCode != 3 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Err != nil {
		t.Fatalf("non-zero exit is not a capture error: %v", o.Err)
	}
}

// Each stream fills well past a pipe buffer while the other is also
// written; strictly alternating reads would deadlock here.
func TestCaptureLargeInterleavedOutput(t *testing.T) {
	script := `i=0; while [ $i -lt 2000 ]; do
		echo "out line $i ................................................................"
		echo "err line $i ................................................................" >&2
		i=$((i+1))
	done
	head -c 200000 /dev/zero >&2`
	s := startShell(t, script, Options{})

	done := make(chan *Outcome, 1)
	go func() { done <- s.Wait() }()
	var o *Outcome
	select {
	case o = <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("capture did not finish")
	}
	if !o.Success() {
		t.Fatalf("outcome = %+v", o)
	}
	stdout := readFile(t, o.Stdout.Path)
	stderr := readFile(t, o.Stderr.Path)
	if n := strings.Count(stdout, "\n"); n != 2000 {
		t.Fatalf("stdout lines = %d", n)
	}
	if !strings.HasPrefix(stdout, "out line 0 ") || !strings.Contains(stdout, "out line 1999 ") {
		t.Fatalf("stdout content wrong")
	}
	if strings.Contains(stdout, "err line") {
		t.Fatalf("stderr bytes leaked into stdout")
	}
	if want := int64(len(stderr)); o.Stderr.Bytes != want || !strings.HasSuffix(stderr, strings.Repeat("\x00", 200000)) {
		t.Fatalf("stderr capture incomplete: %d bytes", o.Stderr.Bytes)
	}
}

// The child closes stdout long before it exits.
func TestCaptureStreamClosedBeforeExit(t *testing.T) {
	s := startShell(t, "echo early; exec 1>&-; sleep 0.2; echo late >&2", Options{})
	o := s.Wait()
	if readFile(t, o.Stdout.Path) != "early\n" || readFile(t, o.Stderr.Path) != "late\n" {
		t.Fatalf("unexpected capture: %+v", o)
	}
}

type failingWriter struct{ calls int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.calls++
	return 0, errors.New("broken pipe")
}

func TestPassthroughFailureKeepsCapturing(t *testing.T) {
	w := &failingWriter{}
	s := startShell(t, "echo one; echo two; echo three", Options{Stdout: w})
	o := s.Wait()
	if !o.Success() {
		t.Fatalf("passthrough failure must not fail capture: %+v", o)
	}
	if got := readFile(t, o.Stdout.Path); got != "one\ntwo\nthree\n" {
		t.Fatalf("stdout file = %q", got)
	}
	if o.Stdout.PassthroughErr == nil {
		t.Fatalf("passthrough error not recorded")
	}
	if w.calls != 1 {
		t.Fatalf("passthrough retried after failure: %d calls", w.calls)
	}
}

func TestStartFailureRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Start(exec.Command(filepath.Join(dir, "does-not-exist")), Options{TempDir: dir, Logger: logging.Discard()})
	if err == nil {
		t.Fatalf("expected spawn error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestInterruptStopsChild(t *testing.T) {
	s := startShell(t, "trap '' INT; exec sleep 30", Options{})
	s.Interrupt(100 * time.Millisecond)
	done := make(chan *Outcome, 1)
	go func() { done <- s.Wait() }()
	select {
	case o := <-done:
		if o.Success() {
			t.Fatalf("killed child reported success")
		}
		if o.Code() != nil {
			t.Fatalf("killed child has exit code %d", *o.Code())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("child not killed after grace period")
	}
}

// A background process keeps the streams open after the child exits.
func TestWaitReturnsWhileBackgroundHoldsOutput(t *testing.T) {
	s := startShell(t, "sleep 30 & echo done", Options{WaitDelay: 200 * time.Millisecond})
	done := make(chan *Outcome, 1)
	go func() { done <- s.Wait() }()
	select {
	case o := <-done:
		if !o.Success() || !o.Detached {
			t.Fatalf("outcome = %+v", o)
		}
		if got := readFile(t, o.Stdout.Path); got != "done\n" {
			t.Fatalf("stdout file = %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("wait blocked on background process")
	}
}

func TestCleanupKeepsFilesWithoutURI(t *testing.T) {
	s := startShell(t, "echo a; echo b >&2", Options{})
	o := s.Wait()
	o.Stdout.URI = "s3://bucket/stdout"
	s.Cleanup()
	if _, err := os.Stat(o.Stdout.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("uploaded capture file not removed: %v", err)
	}
	if _, err := os.Stat(o.Stderr.Path); err != nil {
		t.Fatalf("capture file without uri removed: %v", err)
	}
}

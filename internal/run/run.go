// Package run records one command invocation in the metadata store: it
// captures git provenance, creates the execution, runs the child with its
// output captured, uploads the captured streams and writes the final state.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"mog/internal/capture"
	"mog/internal/config"
	"mog/internal/gitinfo"
	"mog/internal/ledger"
	"mog/internal/notify"
	"mog/internal/provenance"
	"mog/internal/store"
	"mog/internal/upload"
)

var ErrDirtyTree = errors.New("working tree has uncommitted changes")

const defaultGrace = 10 * time.Second

// ExitError reports a child that did not complete successfully. Code is the
// exit status mog should return.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("command killed by %s", e.Signal)
	}
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Options describe one invocation.
type Options struct {
	Command    string
	Args       []string
	Env        []provenance.EnvVar
	SecretEnv  []provenance.EnvVar
	Properties []provenance.EnvVar

	Name    string
	Context string

	// Storage is reported as the storage property; the upload itself goes
	// through Runner.Uploader.
	Storage   string
	ResultDir string
	Sweep     bool

	ForbidDirty     bool
	IgnoreUntracked bool
	ExecutionIDEnv  string
	TempDir         string

	// Dir is where git provenance is read from; "" is the working directory.
	Dir string
}

type Runner struct {
	Store    store.Store
	Uploader upload.Uploader
	Notifier notify.Notifier
	Logger   *log.Logger

	Stdout io.Writer
	Stderr io.Writer

	// Environ returns the environment the child inherits. nil uses os.Environ.
	Environ func() []string
	// Grace is how long an interrupted child has before it is killed.
	Grace time.Duration
	// WaitDelay bounds reading output still held open after the child exits.
	// 0 uses capture.DefaultWaitDelay.
	WaitDelay time.Duration
}

type Result struct {
	ExecutionID int64
	ContextID   int64
	State       store.ExecutionState
	Outcome     *capture.Outcome
}

type phase int

const (
	phaseInit phase = iota
	phaseTypeRegistered
	phaseStarted
	phaseSpawned
	phaseRunning
	phaseDraining
	phaseFinalizing
	phaseTerminal
)

var phaseNames = [...]string{"init", "type_registered", "started", "spawned", "running", "draining", "finalizing", "terminal"}

func (p phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

type invocation struct {
	r       *Runner
	opts    Options
	logger  *log.Logger
	phase   phase
	ledger  *ledger.Ledger
	builder *provenance.Builder
	env     []string
}

func (iv *invocation) enter(p phase) {
	iv.logger.Debug("run phase", "from", iv.phase, "to", p)
	iv.phase = p
}

// Run executes opts.Command under a new execution record. A child that fails
// is reported as *ExitError after its execution has been written FAILED.
// Cancelling ctx interrupts the child; the final state is still written.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Command == "" {
		return nil, errors.New("no command given")
	}
	if opts.ExecutionIDEnv == "" {
		opts.ExecutionIDEnv = config.DefaultExecutionEnv
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	environ := os.Environ
	if r.Environ != nil {
		environ = r.Environ
	}
	iv := &invocation{
		r:      r,
		opts:   opts,
		logger: logger,
		ledger: ledger.New(r.Store, logger),
		env:    environ(),
	}
	return iv.run(ctx)
}

func (iv *invocation) run(ctx context.Context) (*Result, error) {
	opts := iv.opts
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		dir = wd
	}
	snap, err := gitinfo.Capture(dir, gitinfo.Options{IgnoreUntracked: opts.IgnoreUntracked})
	if err != nil {
		return nil, fmt.Errorf("git provenance: %w", err)
	}
	if snap.Dirty && opts.ForbidDirty {
		return nil, fmt.Errorf("%w: %d changed paths in %s", ErrDirtyTree, snap.Changes, dir)
	}

	iv.builder = provenance.NewBuilder(provenance.Input{
		Command:   opts.Command,
		Args:      opts.Args,
		Env:       opts.Env,
		SecretEnv: opts.SecretEnv,
		Custom:    opts.Properties,
		User:      provenance.CurrentUser(),
		Hostname:  provenance.Hostname(),
		Git:       snap,
	})
	values, err := iv.builder.Values()
	if err != nil {
		return nil, err
	}
	if keys := iv.builder.SecretKeys(); len(keys) > 0 {
		iv.logger.Debug("secret environment", "keys", strings.Join(keys, ","))
	}

	typeID, err := iv.ledger.Register(ctx, ledger.ExecutionType, provenance.PropertyTypes())
	if err != nil {
		return nil, err
	}
	iv.enter(phaseTypeRegistered)

	e, err := iv.ledger.Start(ctx, typeID, values, iv.builder.CustomValues(), opts.Name)
	if err != nil {
		return nil, err
	}
	iv.enter(phaseStarted)
	res := &Result{ExecutionID: e.ID, State: e.State}

	contextID, err := iv.resolveContext(ctx)
	if err != nil {
		return res, err
	}
	if contextID != 0 {
		if err := iv.ledger.Associate(ctx, contextID, e.ID); err != nil {
			return res, err
		}
		res.ContextID = contextID
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = iv.childEnv(e.ID, contextID)
	session, err := capture.Start(cmd, capture.Options{
		TempDir:   opts.TempDir,
		Stdout:    iv.r.Stdout,
		Stderr:    iv.r.Stderr,
		Logger:    iv.logger,
		WaitDelay: iv.r.WaitDelay,
	})
	if err != nil {
		return res, fmt.Errorf("spawn %s: %w", opts.Command, err)
	}
	iv.enter(phaseSpawned)

	if err := iv.ledger.MarkRunning(ctx, e); err != nil {
		session.Interrupt(iv.grace())
		session.Wait()
		return res, err
	}
	res.State = e.State
	iv.enter(phaseRunning)
	iv.logger.Info("execution running", "execution_id", e.ID, "pid", session.Pid())
	iv.notifier().Post(ctx, fmt.Sprintf("mog: execution %d started: %s", e.ID, iv.builder.Redact(iv.builder.CommandLine())))

	iv.enter(phaseDraining)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			iv.logger.Warn("interrupted, stopping child", "execution_id", e.ID, "pid", session.Pid())
			session.Interrupt(iv.grace())
		case <-stop:
		}
	}()
	outcome := session.Wait()
	close(stop)
	res.Outcome = outcome
	interrupted := ctx.Err() != nil
	if outcome.Err != nil {
		iv.logger.Error("capture failed", "execution_id", e.ID, "error", outcome.Err)
	}

	// The run context may be cancelled by now; finishing the record must not be.
	fctx := context.WithoutCancel(ctx)
	iv.enter(phaseFinalizing)
	iv.uploadStream(fctx, outcome.Stdout)
	iv.uploadStream(fctx, outcome.Stderr)
	resultURI := iv.uploadResultDir(fctx)

	state := store.StateComplete
	if !outcome.Success() || interrupted {
		state = store.StateFailed
	}
	final := iv.builder.FinalValues(provenance.Outcome{
		ExitCode:  outcome.Code(),
		Storage:   opts.Storage,
		StdoutURI: outcome.Stdout.URI,
		StderrURI: outcome.Stderr.URI,
		ResultURI: resultURI,
	})
	if err := iv.ledger.MarkTerminal(fctx, e, state, final); err != nil {
		session.Cleanup()
		return res, err
	}
	res.State = e.State
	iv.enter(phaseTerminal)

	for _, out := range []struct{ name, uri string }{
		{outcome.Stdout.Name, outcome.Stdout.URI},
		{outcome.Stderr.Name, outcome.Stderr.URI},
		{"result", resultURI},
	} {
		if out.uri == "" {
			continue
		}
		if err := iv.ledger.RecordOutput(fctx, e, out.name, out.uri); err != nil {
			iv.logger.Warn("record output artifact", "execution_id", e.ID, "name", out.name, "error", err)
		}
	}
	session.Cleanup()

	iv.logger.Info("execution finished", "execution_id", e.ID, "state", state, "exit_code", outcome.ExitCode)
	iv.notifier().Post(fctx, fmt.Sprintf("mog: execution %d %s (exit %s)", e.ID, strings.ToLower(string(state)), exitText(outcome)))

	if state == store.StateFailed {
		return res, exitError(outcome)
	}
	return res, nil
}

// resolveContext picks the context for this execution: an explicit name,
// then a context id in our own environment, then the context of the parent
// execution named by the execution id variable. 0 means none.
func (iv *invocation) resolveContext(ctx context.Context) (int64, error) {
	if iv.opts.Context != "" {
		return iv.ledger.ResolveContext(ctx, ledger.ContextType, iv.opts.Context)
	}
	if id, ok := iv.envID(config.ContextIDEnv); ok {
		iv.logger.Debug("context from environment", "context_id", id)
		return id, nil
	}
	parent, ok := iv.envID(iv.opts.ExecutionIDEnv)
	if !ok {
		return 0, nil
	}
	id, found, err := iv.ledger.InheritedContext(ctx, parent)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	iv.logger.Debug("context inherited", "context_id", id, "parent_execution_id", parent)
	return id, nil
}

func (iv *invocation) envID(key string) (int64, bool) {
	raw, ok := lookupEnv(iv.env, key)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		iv.logger.Warn("ignoring malformed id in environment", "var", key, "value", raw)
		return 0, false
	}
	return id, true
}

// childEnv is the inherited environment with the caller's assignments, the
// execution id and the context id layered on top. Later entries win.
func (iv *invocation) childEnv(executionID, contextID int64) []string {
	env := make([]string, 0, len(iv.env)+8)
	for _, kv := range iv.env {
		if contextID == 0 && strings.HasPrefix(kv, config.ContextIDEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, iv.builder.ChildEnv()...)
	env = append(env, iv.opts.ExecutionIDEnv+"="+strconv.FormatInt(executionID, 10))
	if contextID != 0 {
		env = append(env, config.ContextIDEnv+"="+strconv.FormatInt(contextID, 10))
	}
	return env
}

func (iv *invocation) uploadStream(ctx context.Context, st *capture.Stream) {
	if uri, ok := iv.uploader().Upload(ctx, st.Path); ok {
		st.URI = uri
		iv.logger.Debug("uploaded", "stream", st.Name, "uri", uri)
	}
}

func (iv *invocation) uploadResultDir(ctx context.Context) string {
	dir := iv.opts.ResultDir
	if dir == "" {
		return ""
	}
	var uri string
	if _, err := os.Stat(dir); err != nil {
		iv.logger.Warn("result directory not available", "path", dir, "error", err)
	} else if u, ok := iv.uploader().Upload(ctx, dir); ok {
		uri = u
	}
	if iv.opts.Sweep {
		if err := os.RemoveAll(dir); err != nil {
			iv.logger.Warn("sweep result directory", "path", dir, "error", err)
		}
	}
	return uri
}

func (iv *invocation) uploader() upload.Uploader {
	if iv.r.Uploader == nil {
		return upload.Nop{}
	}
	return iv.r.Uploader
}

func (iv *invocation) notifier() notify.Notifier {
	if iv.r.Notifier == nil {
		return notify.New("", iv.logger)
	}
	return iv.r.Notifier
}

func (iv *invocation) grace() time.Duration {
	if iv.r.Grace > 0 {
		return iv.r.Grace
	}
	return defaultGrace
}

func lookupEnv(env []string, key string) (string, bool) {
	var (
		val   string
		found bool
	)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

func exitText(o *capture.Outcome) string {
	if o.Signal != "" {
		return o.Signal
	}
	return strconv.Itoa(o.ExitCode)
}

func exitError(o *capture.Outcome) *ExitError {
	if o.Signal != "" {
		return &ExitError{Code: 1, Signal: o.Signal}
	}
	if o.ExitCode == 0 {
		return &ExitError{Code: 1}
	}
	return &ExitError{Code: o.ExitCode}
}

// Package ledger drives an execution record through its lifecycle in the
// metadata store and groups executions into contexts.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"mog/internal/store"
)

const (
	ExecutionType = "mog_run@0.0"
	ContextType   = "mog_context@0.0"
	OutputType    = "mog_output@0.0"
)

var ErrInvalidTransition = errors.New("invalid execution state transition")

// Execution is the ledger's handle on one execution record.
type Execution struct {
	ID     int64
	TypeID int64
	State  store.ExecutionState
}

type Ledger struct {
	st     store.Store
	logger *log.Logger
}

func New(st store.Store, logger *log.Logger) *Ledger {
	return &Ledger{st: st, logger: logger}
}

// Register upserts the named execution type.
func (l *Ledger) Register(ctx context.Context, typeName string, types store.PropertyTypes) (int64, error) {
	id, err := l.st.PutExecutionType(ctx, typeName, types)
	if err != nil {
		return 0, fmt.Errorf("register execution type %s: %w", typeName, err)
	}
	return id, nil
}

// Start creates the execution in state NEW. A taken name is reported as
// store.ErrNameCollision.
func (l *Ledger) Start(ctx context.Context, typeID int64, values, custom store.Properties, name string) (*Execution, error) {
	id, err := l.st.PostExecution(ctx, store.Execution{
		TypeID:           typeID,
		Name:             name,
		State:            store.StateNew,
		Properties:       values,
		CustomProperties: custom,
	})
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	l.logger.Debug("execution created", "execution_id", id, "state", store.StateNew)
	return &Execution{ID: id, TypeID: typeID, State: store.StateNew}, nil
}

func (l *Ledger) MarkRunning(ctx context.Context, e *Execution) error {
	return l.transition(ctx, e, store.StateRunning, nil)
}

// MarkTerminal moves a running execution to COMPLETE or FAILED with the
// final properties attached.
func (l *Ledger) MarkTerminal(ctx context.Context, e *Execution, state store.ExecutionState, extra store.Properties) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, state)
	}
	return l.transition(ctx, e, state, extra)
}

func (l *Ledger) transition(ctx context.Context, e *Execution, next store.ExecutionState, props store.Properties) error {
	if !store.CanTransition(e.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, next)
	}
	if err := l.st.PutExecution(ctx, e.ID, next, props); err != nil {
		return fmt.Errorf("mark execution %d %s: %w", e.ID, next, err)
	}
	l.logger.Debug("execution updated", "execution_id", e.ID, "from", e.State, "to", next)
	e.State = next
	return nil
}

// ResolveContext returns the id of the named context, creating it when
// needed. Losing a creation race falls back to a lookup by name.
func (l *Ledger) ResolveContext(ctx context.Context, typeName, name string) (int64, error) {
	typeID, err := l.st.PutContextType(ctx, typeName)
	if err != nil {
		return 0, fmt.Errorf("register context type %s: %w", typeName, err)
	}
	id, err := l.st.PostContext(ctx, typeID, name)
	if err == nil {
		l.logger.Debug("context created", "context_id", id, "name", name)
		return id, nil
	}
	if !errors.Is(err, store.ErrNameCollision) {
		return 0, fmt.Errorf("create context %q: %w", name, err)
	}
	found, err := l.st.GetContexts(ctx, store.ContextFilter{TypeName: typeName, Name: name, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("look up context %q: %w", name, err)
	}
	if len(found) == 0 {
		return 0, fmt.Errorf("context %q: %w", name, store.ErrNotFound)
	}
	l.logger.Debug("context reused", "context_id", found[0].ID, "name", name)
	return found[0].ID, nil
}

// InheritedContext returns the first context of a parent execution. ok is
// false when the parent has none.
func (l *Ledger) InheritedContext(ctx context.Context, parentExecutionID int64) (id int64, ok bool, err error) {
	contexts, err := l.st.GetContextsByExecution(ctx, parentExecutionID)
	if err != nil {
		return 0, false, fmt.Errorf("contexts of execution %d: %w", parentExecutionID, err)
	}
	if len(contexts) == 0 {
		return 0, false, nil
	}
	return contexts[0].ID, true, nil
}

func (l *Ledger) Associate(ctx context.Context, contextID, executionID int64) error {
	if err := l.st.PutAttribution(ctx, contextID, executionID); err != nil {
		return fmt.Errorf("associate context %d with execution %d: %w", contextID, executionID, err)
	}
	return nil
}

// RecordOutput registers a captured stream as an output artifact of e.
func (l *Ledger) RecordOutput(ctx context.Context, e *Execution, name, uri string) error {
	typeID, err := l.st.PutArtifactType(ctx, OutputType)
	if err != nil {
		return fmt.Errorf("register artifact type: %w", err)
	}
	artifactID, err := l.st.PostArtifact(ctx, store.Artifact{TypeID: typeID, Name: name, URI: uri})
	if err != nil {
		return fmt.Errorf("record %s artifact: %w", name, err)
	}
	if _, err := l.st.PostEvent(ctx, store.Event{
		ArtifactID:  artifactID,
		ExecutionID: e.ID,
		Type:        store.EventOutput,
	}); err != nil {
		return fmt.Errorf("record %s event: %w", name, err)
	}
	return nil
}

// Package store is the metadata store: typed execution, context and artifact
// records reachable through a connection string.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNameCollision is returned when a named record already exists within
	// its type.
	ErrNameCollision = errors.New("name already exists")
	// ErrTypeConflict is returned when a property disagrees with the declared
	// type manifest.
	ErrTypeConflict      = errors.New("property type conflict")
	ErrUnsupportedScheme = errors.New("unsupported metadata store scheme")
)

// Store is the metadata store handle.
type Store interface {
	// PutExecutionType upserts an execution type. Fields may be added to or
	// omitted from an existing type; redeclaring a field with another type
	// fails with ErrTypeConflict.
	PutExecutionType(ctx context.Context, name string, props PropertyTypes) (int64, error)
	PutContextType(ctx context.Context, name string) (int64, error)
	PutArtifactType(ctx context.Context, name string) (int64, error)

	PostExecution(ctx context.Context, e Execution) (int64, error)
	// PutExecution sets the state (when non-empty) and upserts properties.
	PutExecution(ctx context.Context, id int64, state ExecutionState, props Properties) error
	GetExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	PostContext(ctx context.Context, typeID int64, name string) (int64, error)
	GetContexts(ctx context.Context, filter ContextFilter) ([]Context, error)
	GetContextsByExecution(ctx context.Context, executionID int64) ([]Context, error)
	PutAttribution(ctx context.Context, contextID, executionID int64) error

	PostArtifact(ctx context.Context, a Artifact) (int64, error)
	GetArtifacts(ctx context.Context, filter ArtifactFilter) ([]Artifact, error)
	PostEvent(ctx context.Context, e Event) (int64, error)
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	InitSchema(ctx context.Context) error
	Close() error
}

// Open connects to the store named by uri. Supported schemes are
// postgres:// (postgresql://) and sqlite: (sqlite://path, sqlite::memory:).
// Missing tables are created.
func Open(ctx context.Context, uri string) (Store, error) {
	uri = strings.TrimSpace(uri)
	var (
		st  *sqlStore
		err error
	)
	switch {
	case uri == "":
		return nil, errors.New("missing metadata store uri")
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		st, err = openPostgres(ctx, uri)
	case strings.HasPrefix(uri, "sqlite:"):
		st, err = openSQLite(ctx, uri)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, Scheme(uri))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", Scheme(uri), err)
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// GetExecution returns the execution with the given id.
func GetExecution(ctx context.Context, s Store, id int64) (Execution, error) {
	execs, err := s.GetExecutions(ctx, ExecutionFilter{IDs: []int64{id}})
	if err != nil {
		return Execution{}, err
	}
	if len(execs) == 0 {
		return Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return execs[0], nil
}

// Scheme returns the part of a store uri before the first colon, which is
// safe to print.
func Scheme(uri string) string {
	if i := strings.Index(uri, ":"); i >= 0 {
		return uri[:i]
	}
	return uri
}

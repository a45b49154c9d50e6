// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mog/internal/store"
)

// Fake is an in-memory store.Store. The hook fields inject failures; each is
// consulted before the operation touches state.
type Fake struct {
	mu sync.Mutex

	nextID     int64
	types      map[store.Kind]map[string]*fakeType
	executions map[int64]*store.Execution
	contexts   map[int64]*store.Context
	attrib     map[[2]int64]struct{}
	artifacts  []store.Artifact
	events     []store.Event

	// PostContextHook may return an error to fail PostContext, e.g. to
	// simulate losing a creation race.
	PostContextHook   func(typeID int64, name string) error
	PostExecutionHook func(e store.Execution) error
	PutExecutionHook  func(id int64, state store.ExecutionState) error

	// Calls records operation names in order.
	Calls []string
}

type fakeType struct {
	id    int64
	name  string
	props store.PropertyTypes
}

func New() *Fake {
	return &Fake{
		types:      map[store.Kind]map[string]*fakeType{},
		executions: map[int64]*store.Execution{},
		contexts:   map[int64]*store.Context{},
		attrib:     map[[2]int64]struct{}{},
	}
}

var _ store.Store = (*Fake)(nil)

func (f *Fake) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *Fake) record(op string) { f.Calls = append(f.Calls, op) }

func (f *Fake) PutExecutionType(_ context.Context, name string, props store.PropertyTypes) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutExecutionType")
	return f.putType(store.KindExecution, name, props)
}

func (f *Fake) PutContextType(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutContextType")
	return f.putType(store.KindContext, name, nil)
}

func (f *Fake) PutArtifactType(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutArtifactType")
	return f.putType(store.KindArtifact, name, nil)
}

func (f *Fake) putType(kind store.Kind, name string, props store.PropertyTypes) (int64, error) {
	byName := f.types[kind]
	if byName == nil {
		byName = map[string]*fakeType{}
		f.types[kind] = byName
	}
	t := byName[name]
	if t == nil {
		t = &fakeType{id: f.id(), name: name, props: store.PropertyTypes{}}
		byName[name] = t
	}
	for k, v := range props {
		if have, ok := t.props[k]; ok && have != v {
			return 0, fmt.Errorf("%w: %s.%s", store.ErrTypeConflict, name, k)
		}
	}
	for k, v := range props {
		t.props[k] = v
	}
	return t.id, nil
}

func (f *Fake) typeByID(id int64) *fakeType {
	for _, byName := range f.types {
		for _, t := range byName {
			if t.id == id {
				return t
			}
		}
	}
	return nil
}

func checkProps(t *fakeType, props store.Properties) error {
	for k, v := range props {
		want, ok := t.props[k]
		if !ok || want != v.Type {
			return fmt.Errorf("%w: property %q", store.ErrTypeConflict, k)
		}
	}
	return nil
}

func (f *Fake) PostExecution(_ context.Context, e store.Execution) (int64, error) {
	f.mu.Lock()
	f.record("PostExecution")
	hook := f.PostExecutionHook
	f.mu.Unlock()
	// Hooks run unlocked so they may call back into the fake.
	if hook != nil {
		if err := hook(e); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.typeByID(e.TypeID)
	if t == nil {
		return 0, fmt.Errorf("type %d: %w", e.TypeID, store.ErrNotFound)
	}
	if err := checkProps(t, e.Properties); err != nil {
		return 0, err
	}
	if e.Name != "" {
		for _, other := range f.executions {
			if other.TypeID == e.TypeID && other.Name == e.Name {
				return 0, fmt.Errorf("execution %q: %w", e.Name, store.ErrNameCollision)
			}
		}
	}
	now := time.Now().UTC()
	rec := e
	rec.ID = f.id()
	rec.TypeName = t.name
	if rec.State == "" {
		rec.State = store.StateNew
	}
	rec.Properties = copyProps(e.Properties)
	rec.CustomProperties = copyProps(e.CustomProperties)
	rec.CreatedAt, rec.UpdatedAt = now, now
	f.executions[rec.ID] = &rec
	return rec.ID, nil
}

func (f *Fake) PutExecution(_ context.Context, id int64, state store.ExecutionState, props store.Properties) error {
	f.mu.Lock()
	f.record("PutExecution")
	hook := f.PutExecutionHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(id, state); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.executions[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, store.ErrNotFound)
	}
	if err := checkProps(f.typeByID(rec.TypeID), props); err != nil {
		return err
	}
	if state != "" {
		rec.State = state
	}
	for k, v := range props {
		rec.Properties[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) GetExecutions(_ context.Context, filter store.ExecutionFilter) ([]store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetExecutions")
	return f.listExecutions(filter), nil
}

func (f *Fake) listExecutions(filter store.ExecutionFilter) []store.Execution {
	ids := make([]int64, 0, len(f.executions))
	for id := range f.executions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	want := map[int64]bool{}
	for _, id := range filter.IDs {
		want[id] = true
	}
	var out []store.Execution
	for _, id := range ids {
		e := f.executions[id]
		if len(want) > 0 && !want[id] {
			continue
		}
		if filter.TypeName != "" && e.TypeName != filter.TypeName {
			continue
		}
		if filter.Name != "" && e.Name != filter.Name {
			continue
		}
		c := *e
		c.Properties = copyProps(e.Properties)
		c.CustomProperties = copyProps(e.CustomProperties)
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (f *Fake) PostContext(_ context.Context, typeID int64, name string) (int64, error) {
	f.mu.Lock()
	f.record("PostContext")
	hook := f.PostContextHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(typeID, name); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contexts {
		if c.TypeID == typeID && c.Name == name {
			return 0, fmt.Errorf("context %q: %w", name, store.ErrNameCollision)
		}
	}
	t := f.typeByID(typeID)
	if t == nil {
		return 0, fmt.Errorf("type %d: %w", typeID, store.ErrNotFound)
	}
	c := &store.Context{ID: f.id(), TypeID: typeID, TypeName: t.name, Name: name, CreatedAt: time.Now().UTC()}
	f.contexts[c.ID] = c
	return c.ID, nil
}

// AddContext inserts a context directly, bypassing hooks.
func (f *Fake) AddContext(typeID int64, name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.typeByID(typeID)
	c := &store.Context{ID: f.id(), TypeID: typeID, Name: name, CreatedAt: time.Now().UTC()}
	if t != nil {
		c.TypeName = t.name
	}
	f.contexts[c.ID] = c
	return c.ID
}

func (f *Fake) GetContexts(_ context.Context, filter store.ContextFilter) ([]store.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetContexts")
	var out []store.Context
	for _, c := range f.sortedContexts() {
		if filter.TypeName != "" && c.TypeName != filter.TypeName {
			continue
		}
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) GetContextsByExecution(_ context.Context, executionID int64) ([]store.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetContextsByExecution")
	var out []store.Context
	for _, c := range f.sortedContexts() {
		if _, ok := f.attrib[[2]int64{c.ID, executionID}]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fake) sortedContexts() []store.Context {
	out := make([]store.Context, 0, len(f.contexts))
	for _, c := range f.contexts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) PutAttribution(_ context.Context, contextID, executionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutAttribution")
	if _, ok := f.contexts[contextID]; !ok {
		return fmt.Errorf("context %d: %w", contextID, store.ErrNotFound)
	}
	if _, ok := f.executions[executionID]; !ok {
		return fmt.Errorf("execution %d: %w", executionID, store.ErrNotFound)
	}
	f.attrib[[2]int64{contextID, executionID}] = struct{}{}
	return nil
}

func (f *Fake) PostArtifact(_ context.Context, a store.Artifact) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostArtifact")
	a.ID = f.id()
	if t := f.typeByID(a.TypeID); t != nil {
		a.TypeName = t.name
	}
	a.CreatedAt = time.Now().UTC()
	f.artifacts = append(f.artifacts, a)
	return a.ID, nil
}

func (f *Fake) GetArtifacts(_ context.Context, filter store.ArtifactFilter) ([]store.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetArtifacts")
	var out []store.Artifact
	for _, a := range f.artifacts {
		if filter.TypeName != "" && a.TypeName != filter.TypeName {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) PostEvent(_ context.Context, e store.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostEvent")
	e.ID = f.id()
	if e.Type == "" {
		e.Type = store.EventOutput
	}
	e.Time = time.Now().UTC()
	f.events = append(f.events, e)
	return e.ID, nil
}

func (f *Fake) GetEvents(_ context.Context, filter store.EventFilter) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetEvents")
	var out []store.Event
	for _, e := range f.events {
		if filter.ExecutionID > 0 && e.ExecutionID != filter.ExecutionID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) InitSchema(context.Context) error { return nil }

func (f *Fake) Close() error { return nil }

// Executions returns a snapshot of every execution ordered by id.
func (f *Fake) Executions() []store.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listExecutions(store.ExecutionFilter{})
}

func copyProps(p store.Properties) store.Properties {
	out := make(store.Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

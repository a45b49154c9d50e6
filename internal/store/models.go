package store

import (
	"encoding/json"
	"time"
)

// ExecutionState is the lifecycle state of an execution record.
type ExecutionState string

const (
	StateNew      ExecutionState = "NEW"
	StateRunning  ExecutionState = "RUNNING"
	StateComplete ExecutionState = "COMPLETE"
	StateFailed   ExecutionState = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition enforces the strictly forward lifecycle
// NEW -> RUNNING -> {COMPLETE, FAILED}.
func CanTransition(current, next ExecutionState) bool {
	c, n := stateOrder(current), stateOrder(next)
	if c == 0 || n == 0 {
		return false
	}
	return n == c+1
}

func stateOrder(s ExecutionState) int {
	switch s {
	case StateNew:
		return 1
	case StateRunning:
		return 2
	case StateComplete, StateFailed:
		return 3
	default:
		return 0
	}
}

// PropertyType is the declared type of a property in a type manifest.
type PropertyType string

const (
	PropertyString PropertyType = "STRING"
	PropertyInt    PropertyType = "INT"
	PropertyDouble PropertyType = "DOUBLE"
)

// Value is a typed scalar property value.
type Value struct {
	Type   PropertyType
	String string
	Int    int64
	Double float64
}

func StringValue(s string) Value { return Value{Type: PropertyString, String: s} }
func IntValue(i int64) Value { return Value{Type: PropertyInt, Int: i} }
func DoubleValue(f float64) Value { return Value{Type: PropertyDouble, Double: f} }

// Any returns the scalar held by v.
func (v Value) Any() any {
	switch v.Type {
	case PropertyInt:
		return v.Int
	case PropertyDouble:
		return v.Double
	default:
		return v.String
	}
}

func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.Any()) }

func (v Value) MarshalYAML() (any, error) { return v.Any(), nil }

type (
	Properties    map[string]Value
	PropertyTypes map[string]PropertyType
)

// Kind namespaces type names.
type Kind string

const (
	KindExecution Kind = "execution"
	KindContext   Kind = "context"
	KindArtifact  Kind = "artifact"
)

type Execution struct {
	ID               int64          `json:"id" yaml:"id"`
	TypeID           int64          `json:"type_id" yaml:"type_id"`
	TypeName         string         `json:"type" yaml:"type"`
	Name             string         `json:"name,omitempty" yaml:"name,omitempty"`
	State            ExecutionState `json:"state" yaml:"state"`
	Properties       Properties     `json:"properties,omitempty" yaml:"properties,omitempty"`
	CustomProperties Properties     `json:"custom_properties,omitempty" yaml:"custom_properties,omitempty"`
	CreatedAt        time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"updated_at"`
}

type Context struct {
	ID        int64     `json:"id" yaml:"id"`
	TypeID    int64     `json:"type_id" yaml:"type_id"`
	TypeName  string    `json:"type" yaml:"type"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type Artifact struct {
	ID        int64     `json:"id" yaml:"id"`
	TypeID    int64     `json:"type_id" yaml:"type_id"`
	TypeName  string    `json:"type" yaml:"type"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	URI       string    `json:"uri" yaml:"uri"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// EventType is the direction of an artifact relative to an execution.
type EventType string

const (
	EventInput  EventType = "INPUT"
	EventOutput EventType = "OUTPUT"
)

type Event struct {
	ID          int64     `json:"id" yaml:"id"`
	ArtifactID  int64     `json:"artifact_id" yaml:"artifact_id"`
	ExecutionID int64     `json:"execution_id" yaml:"execution_id"`
	Type        EventType `json:"type" yaml:"type"`
	Time        time.Time `json:"time" yaml:"time"`
}

type ExecutionFilter struct {
	IDs      []int64
	TypeName string
	Name     string
	Limit    int
}

type ContextFilter struct {
	TypeName string
	Name     string
	Limit    int
}

type ArtifactFilter struct {
	TypeName string
	Limit    int
}

type EventFilter struct {
	ExecutionID int64
	Limit       int
}

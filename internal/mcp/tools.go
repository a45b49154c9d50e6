package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mog/internal/store"
)

const (
	toolExecutionsList = "mog.executions.list"
	toolExecutionGet   = "mog.execution.get"
	toolContextsList   = "mog.contexts.list"

	maxLimit = 1000
)

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if s.store == nil {
		return nil, errors.New("no metadata store configured")
	}
	switch name {
	case toolExecutionsList:
		var in struct {
			Type  string `json:"type"`
			Name  string `json:"name"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		execs, err := s.store.GetExecutions(ctx, store.ExecutionFilter{
			TypeName: in.Type,
			Name:     in.Name,
			Limit:    clampLimit(in.Limit),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"executions": nonNil(execs)}, nil

	case toolExecutionGet:
		var in struct {
			ID int64 `json:"id"`
		}
		if err := decodeArgs(args, &in); err != nil || in.ID <= 0 {
			return nil, errors.New("missing id")
		}
		e, err := store.GetExecution(ctx, s.store, in.ID)
		if err != nil {
			return nil, err
		}
		contexts, err := s.store.GetContextsByExecution(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		events, err := s.store.GetEvents(ctx, store.EventFilter{ExecutionID: in.ID})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"execution": e,
			"contexts":  nonNil(contexts),
			"events":    nonNil(events),
		}, nil

	case toolContextsList:
		var in struct {
			Type        string `json:"type"`
			Name        string `json:"name"`
			ExecutionID int64  `json:"execution_id"`
			Limit       int    `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		var (
			contexts []store.Context
			err      error
		)
		if in.ExecutionID > 0 {
			contexts, err = s.store.GetContextsByExecution(ctx, in.ExecutionID)
		} else {
			contexts, err = s.store.GetContexts(ctx, store.ContextFilter{
				TypeName: in.Type,
				Name:     in.Name,
				Limit:    clampLimit(in.Limit),
			})
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"contexts": nonNil(contexts)}, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 || n > maxLimit {
		return maxLimit
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

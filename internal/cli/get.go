package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mog/internal/store"
)

type getFlags struct {
	Output    string
	Type      string
	Name      string
	Limit     int
	Execution int64
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Dump recorded metadata",
	}
	cmd.AddCommand(getListCmd("artifacts", "List artifacts", func(ctx context.Context, st store.Store, f getFlags) (any, error) {
		return records(st.GetArtifacts(ctx, store.ArtifactFilter{TypeName: f.Type, Limit: f.Limit}))
	}))
	cmd.AddCommand(getListCmd("contexts", "List contexts", func(ctx context.Context, st store.Store, f getFlags) (any, error) {
		if f.Execution > 0 {
			return records(st.GetContextsByExecution(ctx, f.Execution))
		}
		return records(st.GetContexts(ctx, store.ContextFilter{TypeName: f.Type, Name: f.Name, Limit: f.Limit}))
	}))
	cmd.AddCommand(getListCmd("events", "List events", func(ctx context.Context, st store.Store, f getFlags) (any, error) {
		return records(st.GetEvents(ctx, store.EventFilter{ExecutionID: f.Execution, Limit: f.Limit}))
	}))
	cmd.AddCommand(getListCmd("executions", "List executions", func(ctx context.Context, st store.Store, f getFlags) (any, error) {
		return records(st.GetExecutions(ctx, store.ExecutionFilter{TypeName: f.Type, Name: f.Name, Limit: f.Limit}))
	}))
	return cmd
}

type listFunc func(ctx context.Context, st store.Store, f getFlags) (any, error)

func getListCmd(use, short string, list listFunc) *cobra.Command {
	var f getFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format := f.Output
			if format == "" {
				format = defaultFormat(cmd.OutOrStdout())
			}
			if format != "json" && format != "yaml" && format != "table" {
				return fmt.Errorf("--output must be json, yaml or table, got %q", f.Output)
			}
			s, err := load(cmd, nil)
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			st, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st, s.logger)

			items, err := list(ctx, st, f)
			if err != nil {
				return fmt.Errorf("get %s: %w", use, err)
			}
			return writeOutput(cmd.OutOrStdout(), format, items)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "json|yaml|table (default table on a terminal, else json)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of records (0 = all)")
	switch use {
	case "events":
		cmd.Flags().Int64Var(&f.Execution, "execution", 0, "only events of this execution id")
	case "contexts":
		cmd.Flags().StringVar(&f.Type, "type", "", "type name filter")
		cmd.Flags().StringVar(&f.Name, "name", "", "name filter")
		cmd.Flags().Int64Var(&f.Execution, "execution", 0, "only contexts of this execution id")
	case "artifacts":
		cmd.Flags().StringVar(&f.Type, "type", "", "type name filter")
	default:
		cmd.Flags().StringVar(&f.Type, "type", "", "type name filter")
		cmd.Flags().StringVar(&f.Name, "name", "", "name filter")
	}
	return cmd
}

// records keeps empty results printing as [] rather than null.
func records[T any](s []T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = []T{}
	}
	return s, nil
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "table":
		return writeTable(w, v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mog/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Metadata store utilities",
	}
	cmd.AddCommand(dbInitCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the metadata tables (safe to repeat)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(cmd, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmdContext(cmd), 60*time.Second)
			defer cancel()

			st, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st, s.logger)

			if err := st.InitSchema(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			printf(cmd, "ok: schema applied (%s)\n", store.Scheme(s.cfg.Database))
			return nil
		},
	}
	return cmd
}

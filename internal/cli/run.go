package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mog/internal/notify"
	"mog/internal/provenance"
	"mog/internal/run"
	"mog/internal/upload"
)

func runCmd() *cobra.Command {
	var (
		envs, secretEnvs, props []string
		name, contextName       string
		resultDir               string
		sweep                   bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] [--] COMMAND [ARGS...]",
		Short: "Run a command and record it as an execution",
		Long: `Run COMMAND with its output captured and recorded in the metadata store.

The child receives its execution id in MLMD_EXECUTION_ID (see --execution-id-env)
and its context id, if any, in MLMD_CONTEXT_ID. mog exits with the child's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(cmd, map[string]string{
				"storage":          "storage",
				"forbid_dirty":     "forbid-dirty",
				"ignore_untracked": "ignore-untracked",
				"execution_id_env": "execution-id-env",
				"slack_url":        "slack-url",
				"temp_dir":         "temp-dir",
			})
			if err != nil {
				return err
			}
			if sweep && resultDir == "" {
				return errors.New("--sweep requires --result-dir")
			}

			plain, err := provenance.ParseEnvVars(envs, os.LookupEnv)
			if err != nil {
				return err
			}
			secret, err := provenance.ParseEnvVars(secretEnvs, os.LookupEnv)
			if err != nil {
				return err
			}
			custom, err := provenance.ParseEnvVars(props, os.LookupEnv)
			if err != nil {
				return err
			}

			cfg := s.cfg
			uploader, err := upload.New(cfg.Storage, upload.S3Config{
				Endpoint:  cfg.S3.Endpoint,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
				Region:    cfg.S3.Region,
				UseSSL:    cfg.S3.UseSSL,
			}, s.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st, s.logger)

			r := &run.Runner{
				Store:    st,
				Uploader: uploader,
				Notifier: notify.New(cfg.SlackURL, s.logger),
				Logger:   s.logger,
				Stdout:   cmd.OutOrStdout(),
				Stderr:   cmd.ErrOrStderr(),
			}
			_, err = r.Run(ctx, run.Options{
				Command:         args[0],
				Args:            args[1:],
				Env:             plain,
				SecretEnv:       secret,
				Properties:      custom,
				Name:            name,
				Context:         contextName,
				Storage:         cfg.Storage,
				ResultDir:       resultDir,
				Sweep:           sweep,
				ForbidDirty:     cfg.ForbidDirty,
				IgnoreUntracked: cfg.IgnoreUntracked,
				ExecutionIDEnv:  cfg.ExecutionIDEnv,
				TempDir:         cfg.TempDir,
			})
			return err
		},
	}
	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringArrayVarP(&envs, "env", "e", nil, "KEY=VALUE (or KEY to copy from the environment) for the child; recorded")
	f.StringArrayVarP(&secretEnvs, "secret-env", "s", nil, "like --env but only the key is recorded and the value is redacted everywhere")
	f.StringArrayVarP(&props, "property", "p", nil, "KEY=VALUE custom property on the execution")
	f.StringVar(&name, "name", "", "execution name, unique per execution type")
	f.StringVar(&contextName, "context", "", "context name to group this execution under")
	f.String("storage", "", "uploader executable, or s3://bucket/prefix")
	f.StringVar(&resultDir, "result-dir", "", "directory uploaded after the command exits")
	f.BoolVar(&sweep, "sweep", false, "remove --result-dir after the upload attempt")
	f.Bool("forbid-dirty", false, "refuse to run with uncommitted changes")
	f.Bool("ignore-untracked", false, "untracked files do not make the tree dirty")
	f.String("execution-id-env", "", "variable the child receives its execution id in (default MLMD_EXECUTION_ID)")
	f.String("slack-url", "", "incoming webhook notified on start and finish")
	f.String("temp-dir", "", "directory for capture files")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

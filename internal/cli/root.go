package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mog/internal/config"
	"mog/internal/logging"
	"mog/internal/store"
)

// Version is set at build time with -ldflags "-X mog/internal/cli.Version=...".
var Version = "dev"

type rootFlags struct {
	DB         string
	ConfigFile string
	Profile    string
	LogLevel   string
}

var rf rootFlags

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rf = rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "mog",
		Short:         "Record command runs in an ML metadata store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.DB, "db", "", "metadata store uri (defaults to MOG_DATABASE, then DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.ConfigFile, "config", "", "config file (default .mog.yaml in the working or home directory)")
	rootCmd.PersistentFlags().StringVar(&rf.Profile, "profile", "", "config profile (defaults to MOG_PROFILE)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "debug|info|warn|error")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(mcpCmd())

	return rootCmd
}

// session is what every subcommand needs after flags are parsed.
type session struct {
	cfg    *config.Config
	logger *log.Logger
}

// load resolves the configuration with the command's flags on top. extra maps
// config keys to the names of command-local flags.
func load(cmd *cobra.Command, extra map[string]string) (*session, error) {
	flags := map[string]*pflag.Flag{
		"database":  cmd.Flag("db"),
		"log_level": cmd.Flag("log-level"),
	}
	for key, name := range extra {
		flags[key] = cmd.Flag(name)
	}
	cfg, path, err := config.Load(config.LoadOptions{
		ConfigFile: rf.ConfigFile,
		Profile:    rf.Profile,
		Flags:      flags,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return &session{cfg: cfg, logger: logger}, nil
}

func (s *session) openStore(ctx context.Context) (store.Store, error) {
	uri, err := s.cfg.RequireDatabase()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return store.Open(ctx, uri)
}

func closeStore(st store.Store, logger *log.Logger) {
	if err := st.Close(); err != nil {
		logger.Warn("close store", "error", err)
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

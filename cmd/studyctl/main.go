// Command studyctl is the operator CLI: migrations, one-off analyses,
// free-slot lookups and manual reminder dispatch against the configured
// stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studyquest/study-companion/config"
	"github.com/studyquest/study-companion/internal/bootstrap"
	"github.com/studyquest/study-companion/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	verbose   bool
	noMigrate bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "studyctl",
		Short:         "Operator CLI for Study Companion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr at debug level")
	root.PersistentFlags().BoolVar(&opts.noMigrate, "no-migrate", false, "Skip automatic migrations on connect")

	root.AddCommand(
		newMigrateCmd(opts),
		newAnalyzeCmd(opts),
		newTasksCmd(opts),
		newSlotsCmd(opts),
		newRemindersCmd(opts),
		newFlagsCmd(),
	)
	return root
}

// openApp loads configuration from the environment and wires the app.
// The caller must Close the returned app.
func openApp(cmd *cobra.Command, opts *options) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.noMigrate {
		cfg.Database.AutoMigrate = false
	}

	log := logger.Nop()
	if opts.verbose {
		lo := logger.DefaultOptions()
		lo.Level = logger.LevelDebug
		lo.Console = true
		lo.Output = cmd.ErrOrStderr()
		log = logger.New(lo)
	}
	return bootstrap.New(cmd.Context(), cfg, log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

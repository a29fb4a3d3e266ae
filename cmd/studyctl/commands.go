package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyquest/study-companion/config"
	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/internal/application/query"
	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/postgres"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

var errNoDatabase = errors.New("DATABASE_URL is not set: migrations need PostgreSQL")

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATE
// ══════════════════════════════════════════════════════════════════════════════

func newMigrateCmd(opts *options) *cobra.Command {
	migrateCmd := &cobra.Command{Use: "migrate", Short: "Database migrations"}

	withMigrator := func(cmd *cobra.Command, fn func(m *postgres.Migrator) error) error {
		opts.noMigrate = true
		app, err := openApp(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.DB == nil {
			return errNoDatabase
		}
		return fn(postgres.NewMigrator(app.DB))
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				applied, err := m.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				return m.Rollback(cmd.Context())
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				status, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
				for _, mig := range status {
					applied := "-"
					if mig.Applied {
						applied = mig.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return tw.Flush()
			})
		},
	})

	return migrateCmd
}

// ══════════════════════════════════════════════════════════════════════════════
// ANALYZE / TASKS
// ══════════════════════════════════════════════════════════════════════════════

func newAnalyzeCmd(opts *options) *cobra.Command {
	var explicit, quiet bool
	cmd := &cobra.Command{
		Use:   "analyze USER_ID",
		Short: "Run the retroactive analysis for a user now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			input := saga.RetroactiveAnalysisInput{UserID: args[0], Explicit: explicit}
			if !quiet {
				errOut := cmd.ErrOrStderr()
				input.Progress = func(phase saga.Phase, current, total int, message string) {
					fmt.Fprintf(errOut, "[%s] %d/%d %s\n", phase, current, total, message)
				}
			}

			res, err := app.Analysis.Execute(cmd.Context(), input)
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&explicit, "explicit", true, "Treat the run as user-initiated (clears a blocked state)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not report progress on stderr")
	return cmd
}

func newTasksCmd(opts *options) *cobra.Command {
	tasksCmd := &cobra.Command{Use: "tasks", Short: "Analysis task queue"}

	var explicit bool
	submitCmd := &cobra.Command{
		Use:   "submit USER_ID",
		Short: "Queue a retroactive analysis task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.SubmitAnalysis.Handle(cmd.Context(), command.SubmitAnalysisCommand{
				UserID:   args[0],
				Explicit: explicit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	submitCmd.Flags().BoolVar(&explicit, "explicit", true, "Treat the submission as user-initiated")
	tasksCmd.AddCommand(submitCmd)

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Lease and run one batch of due tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.ProcessTasks.Handle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	return tasksCmd
}

// ══════════════════════════════════════════════════════════════════════════════
// SLOTS
// ══════════════════════════════════════════════════════════════════════════════

func newSlotsCmd(opts *options) *cobra.Command {
	var (
		duration   time.Duration
		start, end string
		maxSlots   int
		weekends   bool
	)
	cmd := &cobra.Command{
		Use:   "slots USER_ID",
		Short: "Find free slots in a user's calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.FindFreeSlotsQuery{
				UserID:   args[0],
				Duration: duration,
				Options:  query.SlotOptions{MaxSlots: maxSlots},
			}
			if start != "" {
				t, err := timeutil.ParseDate(start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				q.Options.StartDate = t
			}
			if end != "" {
				t, err := timeutil.ParseDate(end)
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				// The end date is inclusive.
				q.Options.EndDate = t.AddDate(0, 0, 1)
			}
			if cmd.Flags().Changed("weekends") {
				exclude := !weekends
				q.Options.ExcludeWeekends = &exclude
			}

			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.FindFreeSlots.Handle(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Slots) == 0 {
				fmt.Fprintln(out, "no free slot found")
				return nil
			}
			for _, s := range res.Slots {
				label := s.Label
				if label == "" {
					label = s.Start.Format(time.RFC3339) + " - " + s.End.Format(time.RFC3339)
				}
				fmt.Fprintln(out, label)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Minute, "Slot length")
	cmd.Flags().StringVar(&start, "start", "", "First day (YYYY-MM-DD), defaults to now")
	cmd.Flags().StringVar(&end, "end", "", "Last day, inclusive (YYYY-MM-DD)")
	cmd.Flags().IntVarP(&maxSlots, "max", "n", 0, "Maximum number of slots")
	cmd.Flags().BoolVar(&weekends, "weekends", false, "Include Saturdays and Sundays")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// REMINDERS
// ══════════════════════════════════════════════════════════════════════════════

func newRemindersCmd(opts *options) *cobra.Command {
	remindersCmd := &cobra.Command{Use: "reminders", Short: "Goal reminders"}

	remindersCmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Publish reminders due today or missed yesterday",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.DispatchReminders.Handle(cmd.Context(), command.DispatchRemindersCommand{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	remindersCmd.AddCommand(&cobra.Command{
		Use:   "list USER_ID",
		Short: "List a user's goals and today's reminders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			goals, err := app.ListReminders.Handle(cmd.Context(), query.ListRemindersQuery{UserID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), goals)
		},
	})

	return remindersCmd
}

// ══════════════════════════════════════════════════════════════════════════════
// FLAGS
// ══════════════════════════════════════════════════════════════════════════════

// newFlagsCmd prints feature toggles as resolved from the environment.
// It only reads configuration and never connects to a store.
func newFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "Show feature flags after FEATURE_* overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			features := config.LoadFeatureFlags().GetAllFeatures()
			names := make([]string, 0, len(features))
			for name := range features {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FEATURE\tENABLED\tROLLOUT\tDESCRIPTION")
			for _, name := range names {
				f := features[name]
				fmt.Fprintf(tw, "%s\t%t\t%d%%\t%s\n", f.Name, f.Enabled, f.RolloutPercent, f.Description)
			}
			return tw.Flush()
		},
	}
}

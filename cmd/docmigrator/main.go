package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	cfg "docmigrator/internal/config"
	"docmigrator/internal/logger"
	pub "docmigrator/pkg/migrator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type app struct {
	cfgFile string
	flags   *pflag.FlagSet
	logOut  io.Writer
	now     func() time.Time
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "docmigrator",
		Short:         "Document store migration tool (Cosmos DB & PostgreSQL jsonb)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a := &app{flags: root.PersistentFlags(), logOut: logOut, now: time.Now}
	addCommonFlags(a.flags)
	a.flags.StringVarP(&a.cfgFile, "config", "c", "", "Path to config YAML")

	root.AddCommand(a.cmdInit(), a.cmdCreate(), a.cmdLatest(), a.cmdVersion(), a.cmdUnlock(), a.cmdStatus())
	return root
}

func addCommonFlags(fs *pflag.FlagSet) {
	fs.String("store", "cosmos", "Document store: cosmos|postgres")
	fs.String("host", "", "Cosmos DB account endpoint")
	fs.String("master-key", "", "Cosmos DB master key")
	fs.String("dsn", "", "PostgreSQL DSN")
	fs.String("path", "./migrations", "Path to migrations directory")
	fs.String("log-level", "info", "Log level: debug|info|warn|error")
}

func (a *app) loadConfig() (cfg.Config, error) {
	return cfg.Load(a.flags, a.cfgFile)
}

func (a *app) newLogger(c cfg.Config) *zap.Logger {
	level, _ := logger.ParseLevel(c.LogLevel)
	return logger.New(a.logOut, level)
}

func (a *app) cmdInit() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a basic config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfgFile
			if path == "" {
				path = cfg.DefaultFile
			}
			if err := cfg.Write(path, cfg.Sample()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration file %q was created\n", path)
			return nil
		},
	}
}

func (a *app) cmdCreate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate:create <name>",
		Short: "Create a new migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			path, err := createMigration(c, args[0], a.now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}
}

func (a *app) cmdLatest() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate:latest",
		Short: "Run all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.newLogger(c)
			defer func() { _ = log.Sync() }()

			entries, err := pub.RunLatest(cmd.Context(), c, pub.WithLogger(log))
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.Status, e.Name)
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "Already up to date")
			}
			return nil
		},
	}
}

func (a *app) cmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate:version",
		Short: "Print the version of the newest applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			v, err := pub.CurrentVersion(cmd.Context(), c, pub.WithLogger(a.newLogger(c)))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func (a *app) cmdUnlock() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate:unlock",
		Short: "Force-free the migration lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := pub.Unlock(cmd.Context(), c, pub.WithLogger(a.newLogger(c))); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration lock released")
			return nil
		},
	}
}

func (a *app) cmdStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate:status",
		Short: "Show migration status table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			rows, err := pub.Status(cmd.Context(), c, pub.WithLogger(a.newLogger(c)))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), rows)
		},
	}
}

func printStatus(out io.Writer, rows []pub.StatusRow) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tNAME")
	for _, r := range rows {
		status := "pending"
		switch {
		case r.Missing:
			status = "missing"
		case r.Applied:
			status = "applied"
		}
		fmt.Fprintf(w, "%s\t%s\n", status, r.Name)
	}
	return w.Flush()
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/estatedesk/billing/internal/app"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/scheduler"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) appConfig() (config.AppConfig, error) {
	return config.LoadFromEnv(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "billing",
		Short:         "Subscription billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (or env "+config.EnvConfigPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing API and run scheduled sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.appConfig()
	if err != nil {
		return err
	}
	if !app.ConfigExists(cfg.ConfigPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
		return fmt.Errorf("config file %s not found; run `billing init` first", cfg.ConfigPath)
	}
	return app.RunServer(cmd.Context(), cfg)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.appConfig()
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), cfg)
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <" + strings.Join(scheduler.SweepNames, "|") + ">",
		Short:     "Run one billing sweep now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: scheduler.SweepNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.appConfig()
			if err != nil {
				return err
			}
			affected, errSweep := app.RunSweep(cmd.Context(), cfg, args[0])
			if errSweep != nil {
				return errSweep
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", args[0], affected)
			return nil
		},
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var req app.InitRequest
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file, migrate the database and create the first admin",
		Long: `Write a config file, migrate the database and create the first admin.

Examples:
  billing init --db-type sqlite --db-path ./billing.db --admin-user root --admin-password s3cret-pass
  billing init --dsn postgres://billing:pw@localhost:5432/billing?sslmode=disable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.appConfig()
			if err != nil {
				return err
			}
			if errInit := app.Initialize(cmd.Context(), cfg, req); errInit != nil {
				return errInit
			}
			log.Infof("initialized; start the server with `billing serve --config %s`", cfg.ConfigPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.DatabaseType, "db-type", "sqlite", "database type (sqlite or postgres)")
	flags.StringVar(&req.DatabasePath, "db-path", "", "SQLite database file")
	flags.StringVar(&req.DSN, "dsn", "", "full database DSN; overrides the other database flags")
	flags.StringVar(&req.DatabaseHost, "db-host", "localhost", "PostgreSQL host")
	flags.IntVar(&req.DatabasePort, "db-port", 5432, "PostgreSQL port")
	flags.StringVar(&req.DatabaseUser, "db-user", "", "PostgreSQL user")
	flags.StringVar(&req.DatabasePassword, "db-password", "", "PostgreSQL password")
	flags.StringVar(&req.DatabaseName, "db-name", "billing", "PostgreSQL database name")
	flags.StringVar(&req.DatabaseSSLMode, "db-sslmode", "disable", "PostgreSQL sslmode")
	flags.IntVar(&req.Port, "port", config.DefaultPort, "HTTP port written to the config")
	flags.StringVar(&req.AdminUsername, "admin-user", "", "username of the first admin")
	flags.StringVar(&req.AdminPassword, "admin-password", "", "password of the first admin")
	flags.BoolVar(&req.Force, "force", false, "overwrite an existing config file")
	cmd.MarkFlagsMutuallyExclusive("dsn", "db-path")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		username string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for an existing user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.appConfig()
			if err != nil {
				return err
			}
			var wantRole models.Role
			if role != "" {
				wantRole = models.Role(strings.ToLower(strings.TrimSpace(role)))
				if !wantRole.Valid() {
					return fmt.Errorf("unknown role %q", role)
				}
			}
			token, errToken := app.IssueUserToken(cmd.Context(), cfg, username, wantRole)
			if errToken != nil {
				return errToken
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username")
	cmd.Flags().StringVar(&role, "role", "", "expected role (admin, manager or user)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

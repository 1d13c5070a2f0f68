package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"booklog/internal/auth"
	"booklog/internal/cli"
	"booklog/internal/config"
	"booklog/internal/storage"
)

var (
	cfg     *config.Config
	dbPath  string
	userID  string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "booklogctl",
	Short:         "Administer a booklog SQLite database",
	Long:          `Import, export and inspect reading diaries stored in a booklog SQLite database, and manage its schema.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dbPath == "" {
			return fmt.Errorf("database path must be set using --dbpath or SQLITE_DB_PATH")
		}
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the booklog database schema",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := storage.RunMigrations(dbPath); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Roll back every migration, dropping all diary data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop %s without --yes", dbPath)
		}
		if err := storage.RollbackMigrations(dbPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back all migrations in %s\n", dbPath)
		return nil
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) error {
	v, dirty, err := storage.SchemaVersion(dbPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an API token for --user with JWT_SECRET",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireUser()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		opts := []auth.Option{}
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		token, err := auth.New(cfg.JWTSecret, opts...).Issue(userID, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("a user id must be set using --user")
	}
	return nil
}

func init() {
	cli.LoadEnvFile()
	cfg = cli.LoadConfig()
	cli.SetupLogger(cfg.LogLevel)

	rootCmd.PersistentFlags().StringVar(&dbPath, "dbpath", cfg.SQLiteDBPath, "Path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User whose diary the command acts on")

	dbResetCmd.Flags().Bool("yes", false, "Confirm dropping all data")
	dbCmd.AddCommand(dbMigrateCmd, dbResetCmd, dbVersionCmd)

	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(dbCmd, tokenCmd, importCmd, exportCmd, statsCmd, settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

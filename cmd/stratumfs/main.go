package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stratumfs/stratumfs/internal/config"
	"github.com/stratumfs/stratumfs/internal/index"
	"github.com/stratumfs/stratumfs/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stratumfs",
		Short: "StratumFS - S3-compatible versioned object storage",
		Long: `StratumFS is an S3-compatible object storage server with full
object versioning, bucket policies, lifecycle expiration and an
embedded metadata index.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("storage", "s", "./data", "Data directory path")
	rootCmd.PersistentFlags().String("hostname", "127.0.0.1", "Listen hostname")
	rootCmd.PersistentFlags().IntP("port", "p", 8080, "Listen port")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("lifecycle-interval", time.Hour, "Janitor pass interval")

	rootCmd.AddCommand(userCmd(), auditCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting StratumFS")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logrus.Info("StratumFS stopped")
	return nil
}

// openIndex loads the configuration of a management subcommand and opens
// the metadata index directly.
func openIndex(cmd *cobra.Command) (*index.Store, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return index.Open(cfg.DatabasePath())
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage credentials",
	}

	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user with an access key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accessKey, _ := cmd.Flags().GetString("access-key")
			secretKey, _ := cmd.Flags().GetString("secret-key")
			if accessKey == "" || secretKey == "" {
				return fmt.Errorf("--access-key and --secret-key are required")
			}

			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.CreateUser(cmd.Context(), args[0], accessKey, secretKey); err != nil {
				return err
			}
			fmt.Printf("User %s created\n", args[0])
			return nil
		},
	}
	create.Flags().String("access-key", "", "Access key id")
	create.Flags().String("secret-key", "", "Secret access key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			users, err := idx.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%s\t%s\t%s\n", u.Username, u.AccessKey, u.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.DeleteUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("User %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Manage the audit trail",
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}

			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			removed, err := idx.PurgeAudit(cmd.Context(), time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d audit events\n", removed)
			return nil
		},
	}
	purge.Flags().Int("days", 90, "Retention window in days")

	cmd.AddCommand(purge)
	return cmd
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

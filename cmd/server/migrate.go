package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-agent-gateway/internal/config"
	"github.com/jrsteele09/go-agent-gateway/internal/logging"
	"github.com/jrsteele09/go-agent-gateway/storage/sqlstore"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for STORAGE_DRIVER and DATABASE_URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		var env config.EnvVars
		var storage config.Storage
		logging.Setup(env.GetEnv(), env.GetLogLevel())

		driver := storage.GetStorageDriver()
		if driver == "memory" {
			return fmt.Errorf("STORAGE_DRIVER is memory: nothing to migrate")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		store, err := sqlstore.Open(ctx, driver, storage.GetDatabaseURL())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		version, dirty, err := store.MigrationVersion()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "driver=%s version=%d dirty=%t\n", driver, version, dirty)
		return err
	},
}

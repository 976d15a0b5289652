package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devos/internal/cache"
	"devos/internal/db"
	"devos/internal/events"
	"devos/internal/pipeline"
	"devos/internal/telemetry"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Scan persisted pipeline contexts and fail stale ones",
	Long: `Runs the same crash-recovery scan that serve performs on startup:
every active pipeline context older than the stale threshold is moved to
failed, with the transition recorded in history.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	store, err := db.NewStore(db.StoreConfig{
		Type: viper.GetString("db.type"),
		DSN:  viper.GetString("db.dsn"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	backend := cache.NewRedis(
		viper.GetString("redis.addr"),
		viper.GetString("redis.password"),
		viper.GetInt("redis.db"),
	)

	machine := pipeline.NewMachine(store, backend, events.NewBus(), nil)
	report, err := machine.Recover(context.Background())
	if err != nil {
		return err
	}

	telemetry.LogInfo("recovery scan complete",
		"recovered", report.Recovered, "stale", report.Stale, "total", report.Total)
	fmt.Printf("Scanned %d active contexts: %d recovered, %d marked stale\n",
		report.Total, report.Recovered, report.Stale)
	return nil
}

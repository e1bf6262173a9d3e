package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"initsync/internal/config"
	"initsync/internal/core"
	"initsync/internal/service/orchestrator"
	"initsync/pkg/log"
)

const shutdownTimeout = 10 * time.Second

var progressInterval time.Duration

var errAttemptFailed = errors.New("initial sync attempt failed")

var CloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone databases from the sync source",
	Long:  `Clone every database from the configured sync source onto the local node.`,
}

var onceCmd = &cobra.Command{
	Use:     "once",
	Short:   "Run one initial sync attempt and exit",
	Long:    `Run one attempt of the data cloning phase, record it in the attempt history and exit.`,
	Example: `initsync clone once --config /path/to/config.yaml`,
	RunE:    runOnce,
}

var listDatabasesCmd = &cobra.Command{
	Use:     "list-databases",
	Short:   "Show the databases an attempt would clone",
	Long:    `Connect to the sync source and print the databases in the order an attempt would clone them.`,
	Example: `initsync clone list-databases --config /path/to/config.yaml`,
	RunE:    runListDatabases,
}

func init() {
	onceCmd.Flags().DurationVar(&progressInterval, "progress-interval", 30*time.Second,
		"how often to log progress while the attempt runs (0 disables)")

	CloneCmd.AddCommand(onceCmd)
	CloneCmd.AddCommand(listDatabasesCmd)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "clone-once").Logger()
	logger.Info().Msg("Starting initial sync attempt")

	appConfig, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Error creating config")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wiring := core.NewWiring(appConfig)
	defer closeWiring(logger, wiring)

	o, err := wiring.InitOrchestrator(ctx, true)
	if err != nil {
		logger.Error().Err(err).Msg("Error wiring orchestrator")
		return err
	}

	stopProgress := reportProgress(ctx, logger, o, progressInterval)
	result, err := o.StartInitialSync(ctx)
	stopProgress()
	if err != nil {
		logger.Error().Err(err).Msg("Initial sync did not complete")
		if result == nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Stats.String())

	if !result.Succeeded() {
		logger.Error().Err(result.Err).Str("attempt_id", result.AttemptID).Msg("Initial sync attempt failed")
		return fmt.Errorf("%w: %w", errAttemptFailed, result.Err)
	}
	if err != nil {
		return err
	}
	logger.Info().Str("attempt_id", result.AttemptID).Msg("Initial sync attempt completed successfully")
	return nil
}

func runListDatabases(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "clone-list-databases").Logger()

	appConfig, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Error creating config")
		return err
	}

	ctx := cmd.Context()
	wiring := core.NewWiring(appConfig)
	defer closeWiring(logger, wiring)

	o, err := wiring.InitOrchestrator(ctx, false)
	if err != nil {
		logger.Error().Err(err).Msg("Error wiring orchestrator")
		return err
	}

	databases, err := o.ListDatabases(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error listing databases")
		return err
	}

	for i, name := range databases {
		logger.Info().Int("position", i).Str("database", name).Msg(" → Would clone")
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	logger.Info().Int("total_databases", len(databases)).Msg("Database listing complete")
	return nil
}

// reportProgress logs the running attempt every interval until the returned
// stop function is called.
func reportProgress(
	ctx context.Context,
	logger zerolog.Logger,
	o *orchestrator.InitialSyncOrchestrator,
	interval time.Duration,
) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				status, stats, running := o.Progress()
				if !running {
					continue
				}
				logger.Info().
					Str("cloner", status).
					Int("databases_total", len(stats.DatabaseStats)).
					Int("databases_cloned", stats.DatabasesCloned).
					Msg("Initial sync progress")
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func closeWiring(logger zerolog.Logger, wiring *core.Wiring) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := wiring.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Error releasing resources")
	}
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/remote-pipeline/internal/config"
	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/fgeck/remote-pipeline/internal/services/history"
	"github.com/fgeck/remote-pipeline/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pipelineName string
	inputDir     string
	outputDir    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline on the remote host",
	Long: `Run the named pipeline:
1. Validate the configuration and the local directories
2. Wake-on-LAN (if configured) and connect over SSH
3. Create the pipeline's remote directories
4. Upload the input directory
5. Execute the pipeline command
6. Download the output directory
7. Record the run and send a Telegram notification (if configured)`,
	Example: `  remote-pipeline run --name assembly --input ./reads --output ./results`,
	RunE:    runPipeline,
}

func init() {
	runCmd.Flags().StringVarP(&pipelineName, "name", "n", "", "name of the pipeline to run (required)")
	runCmd.Flags().StringVarP(&inputDir, "input", "i", "", "local input directory (required)")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "local output directory (required)")
	_ = runCmd.MarkFlagRequired("name")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("output")
}

func loadConfig() (*models.Config, error) {
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}
	return cfg, nil
}

// openHistory opens the run history when one is configured. A history
// that cannot be opened disables recording for this run.
func openHistory(cfg *models.Config) *history.Store {
	if cfg.History == nil {
		return nil
	}
	store, err := history.Open(cfg.History.Path, log.Logger)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.History.Path).Msg("run history disabled")
		return nil
	}
	return store
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("host", cfg.Remote.Host).
		Str("pipeline", pipelineName).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, aborting run")
			cancel()
		case <-ctx.Done():
		}
	}()

	var recorder history.Recorder
	if store := openHistory(cfg); store != nil {
		defer func() { _ = store.Close() }()
		recorder = store
	}

	runnerSvc := runner.New(log.Logger, recorder)
	result, err := runnerSvc.Run(ctx, cfg, models.RunRequest{
		Pipeline: pipelineName,
		Local: models.LocalTransferSpec{
			InputDir:  inputDir,
			OutputDir: outputDir,
		},
	})
	if err != nil {
		var runErr *models.RunError
		if errors.As(err, &runErr) {
			log.Error().
				Str("run_id", result.ID).
				Stringer("phase", runErr.Phase).
				Err(runErr.Err).
				Msg("pipeline failed")
		}
		return err
	}

	log.Info().
		Str("run_id", result.ID).
		Dur("duration", result.Duration).
		Msg("pipeline completed successfully")
	return nil
}

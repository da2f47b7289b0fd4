package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/config"
	"github.com/tsawler/go-mtb/data"
	"github.com/tsawler/go-mtb/logging"
	"github.com/tsawler/go-mtb/model"
	"github.com/tsawler/go-mtb/tensor"
	"github.com/tsawler/go-mtb/training"
)

func main() {
	envFile := flag.String("env", ".env", "Environment file searched upwards from the working directory")
	configFile := flag.String("config", "config.json", "JSON config file searched upwards from the working directory")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile, *configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("pretraining failed")
		stop()
		os.Exit(1)
	}
}

// run builds every collaborator from cfg and trains until NUM_EPOCHS epochs
// have completed.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}
	if device != tensor.CPU {
		logger.Warn().Str("device", cfg.Device).Msg("No accelerator backend available, running on CPU")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create data directory %s", cfg.DataDir)
	}

	modelCfg := model.DefaultConfig()
	modelCfg.VocabSize = cfg.VocabSize
	modelCfg.HiddenSize = cfg.HiddenSize

	dataset, err := loadDataset(cfg, modelCfg, logger)
	if err != nil {
		return err
	}
	loader, err := data.NewDataLoader(dataset, cfg.BatchSize, true, cfg.PadTokenID, cfg.Seed)
	if err != nil {
		return err
	}
	logger.Info().Int("samples", dataset.Len()).Int("batches", loader.Len()).Msg("Loaded pretraining data")

	net, err := model.NewBlanksModel(modelCfg, cfg.Seed)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithFreezePolicy(training.NewFreezePolicy(cfg.UnfrozenLayerList())),
	}
	opts = append(opts, reportingOptions(ctx, cfg, logger)...)

	trainer, err := training.NewTrainer(
		trainerConfig(cfg),
		loader,
		net,
		training.NewTwoHeadedLoss(cfg.PadTokenID),
		training.NewLMAccuracy(cfg.PadTokenID),
		store,
		opts...,
	)
	if err != nil {
		return err
	}

	if _, err := trainer.Run(ctx); err != nil {
		return err
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("Saved checkpoints, history and plots")
	return nil
}

func trainerConfig(cfg config.Config) training.TrainerConfig {
	return training.TrainerConfig{
		ModelNo:          cfg.ModelNo,
		NumEpochs:        cfg.NumEpochs,
		LearningRate:     cfg.LearningRate,
		GradientAccSteps: cfg.GradientAccSteps,
		MaxNorm:          cfg.MaxNorm,
		FP16:             cfg.FP16,
		PadTokenID:       cfg.PadTokenID,
		MaskTokenID:      cfg.MaskTokenID,
		UpdateWindow:     cfg.UpdateWindow,
		DataDir:          cfg.DataDir,
		Optimizer:        cfg.Optimizer,
		Scheduler: training.SchedulerConfig{
			Name:       cfg.Scheduler,
			Milestones: cfg.MilestoneList(),
			Gamma:      cfg.Gamma,
			StepSize:   cfg.SchedulerStepSize,
			TMax:       cfg.SchedulerTMax,
			Patience:   cfg.PlateauPatience,
		},
	}
}

// loadDataset reads PRETRAIN_DATA, or generates a synthetic corpus when it
// is unset, and applies MAX_SAMPLES.
func loadDataset(cfg config.Config, modelCfg model.Config, logger zerolog.Logger) (data.Dataset, error) {
	var ds data.Dataset
	if cfg.PretrainData != "" {
		jsonl, err := data.LoadJSONL(cfg.PretrainData)
		if err != nil {
			return nil, err
		}
		ds = jsonl
	} else {
		synth := data.DefaultSyntheticConfig()
		synth.VocabSize = modelCfg.VocabSize
		synth.QDim = modelCfg.QDim
		synth.PadTokenID = cfg.PadTokenID
		synth.MaskTokenID = cfg.MaskTokenID
		generated, err := data.NewSyntheticDataset(synth, cfg.Seed)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("samples", synth.NumSamples).Msg("PRETRAIN_DATA not set, using synthetic corpus")
		ds = generated
	}

	if cfg.MaxSamples > 0 {
		subset, err := data.NewSubsetDataset(ds, cfg.MaxSamples)
		if err != nil {
			return nil, err
		}
		ds = subset
	}
	return ds, nil
}

func openStore(cfg config.Config) (*checkpoints.Store, error) {
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}

	var history checkpoints.HistoryStore
	if cfg.HistoryBackend == "sqlite" {
		sh, err := checkpoints.OpenSQLiteHistory(filepath.Join(cfg.DataDir, "pretrain_history.db"), cfg.ModelNo)
		if err != nil {
			return nil, err
		}
		history = sh
	}
	return checkpoints.NewStore(cfg.DataDir, cfg.ModelNo, format, history), nil
}

// reportingOptions wires the optional progression file and plotting sidecar.
func reportingOptions(ctx context.Context, cfg config.Config, logger zerolog.Logger) []training.Option {
	var opts []training.Option

	if cfg.ProgressionFile != "" {
		pf := training.NewProgressionFile(cfg.ProgressionFile)
		logger.Info().Str("path", pf.Path()).Str("run_id", pf.RunID()).Msg("Writing progression file")
		opts = append(opts, training.WithProgressionFile(pf))
	}

	if cfg.PlotServiceURL != "" {
		psCfg := training.DefaultPlottingServiceConfig()
		psCfg.BaseURL = cfg.PlotServiceURL
		service := training.NewPlottingService(psCfg)
		service.Enable()
		if err := service.CheckHealth(ctx); err != nil {
			logger.Warn().Err(err).Str("url", cfg.PlotServiceURL).Msg("Plotting service unavailable, continuing without it")
			return opts
		}

		collector := training.NewVisualizationCollector(fmt.Sprintf("mtb_%d", cfg.ModelNo))
		collector.Enable()
		opts = append(opts,
			training.WithPlottingService(service),
			training.WithVisualizationCollector(collector),
		)
	}
	return opts
}

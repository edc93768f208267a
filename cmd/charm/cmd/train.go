package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/dataset"
	"github.com/MeKo-Tech/charm/internal/train"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// trainCmd represents the train command.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a compression model on a directory of images",
	Long: `Train the compression model end to end on random patches cropped from
the images under the training directory. Checkpoints are written after
every epoch and the final model is frozen for deterministic coding.

Training runs until the configured number of epochs and can be resumed
from the checkpoint of an interrupted run with --resume.

Examples:
  charm train --train-dir ./corpus
  charm train --train-glob "./corpus/*.png"
  charm train --train-dir ./corpus --lambda 0.0483 --epochs 500
  charm train --train-dir ./corpus --resume
  charm train --train-dir ./corpus --metrics-addr :9090`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		if cfg.Dataset.Dir == "" && cfg.Dataset.Glob == "" {
			return errors.New("no training directory provided (use --train-dir or --train-glob)")
		}

		model, err := codec.New(cfg.ToCodecConfig())
		if err != nil {
			return fmt.Errorf("building model: %w", err)
		}

		startEpoch := 0
		if resume, _ := cmd.Flags().GetBool("resume"); resume {
			epoch, err := codec.LoadCheckpoint(cfg.Model.Path, model)
			if err != nil {
				return fmt.Errorf("cannot resume from %s: %w", cfg.Model.Path, err)
			}
			startEpoch = epoch
			slog.Info("Resuming training", "checkpoint", cfg.Model.Path, "completed_epochs", epoch)
		}

		loader, err := dataset.NewLoader(cfg.ToDatasetConfig())
		if err != nil {
			return fmt.Errorf("opening training corpus: %w", err)
		}

		trainer, err := train.New(model, loader, cfg.ToTrainConfig())
		if err != nil {
			return err
		}
		trainer = trainer.WithLogger(slog.Default()).WithStartEpoch(startEpoch)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigChan)
		go func() {
			sig, ok := <-sigChan
			if !ok {
				return
			}
			slog.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		}()

		return trainer.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)

	addTrainFlags(trainCmd)
	bindTrainFlags(trainCmd)
}

func addTrainFlags(cmd *cobra.Command) {
	// Corpus flags
	cmd.Flags().String("train-dir", "", "directory scanned recursively for training images")
	cmd.Flags().String("train-glob", "", "glob pattern selecting training images, overrides --train-dir")
	cmd.Flags().Int("patch-size", 256, "square patch edge cropped from each image")
	cmd.Flags().Int("batch-size", 8, "patches per training batch")
	cmd.Flags().Int("workers", 0, "parallel image decode workers (0 = number of CPUs)")
	cmd.Flags().Int("prefetch", 4, "batches buffered ahead of the optimizer")

	// Architecture flags
	cmd.Flags().Float64("lambda", 0.01, "rate weight in the loss, higher means better quality")
	cmd.Flags().Int("latent-depth", 320, "channels of the latent tensor")
	cmd.Flags().Int("hyperprior-depth", 192, "channels of the hyperprior tensor")
	cmd.Flags().Int("num-slices", 10, "channel slices coded autoregressively")
	cmd.Flags().Int("max-support-slices", 5, "decoded slices each predictor conditions on")
	cmd.Flags().Int("num-scales", 64, "entries in the scale table")
	cmd.Flags().Float64("scale-min", 0.11, "smallest codable standard deviation")
	cmd.Flags().Float64("scale-max", 256, "largest codable standard deviation")

	// Schedule flags
	cmd.Flags().Int("epochs", 2000, "total training epochs")
	cmd.Flags().Int("steps-per-epoch", 1000, "optimizer steps per epoch")
	cmd.Flags().Int("max-validation-steps", 16, "validation batches scored after each epoch")
	cmd.Flags().Float64("learning-rate", 1e-4, "Adam learning rate")
	cmd.Flags().Int("lr-drop-epoch", 1800, "first epoch trained at the reduced learning rate")
	cmd.Flags().Float64("lr-drop-factor", 0.1, "learning rate multiplier from the drop epoch on")
	cmd.Flags().Int("log-every", 100, "steps between progress log lines")

	// Artifact flags
	cmd.Flags().String("backup-dir", "", "per-epoch checkpoint directory (default: directory of the model path)")
	cmd.Flags().String("metrics-addr", "", "Prometheus listen address, empty disables the endpoint")
	cmd.Flags().Bool("resume", false, "resume from the epoch recorded in the model checkpoint")
}

func bindTrainFlags(cmd *cobra.Command) {
	flagBindings := []struct {
		key  string
		flag string
	}{
		{"dataset.dir", "train-dir"},
		{"dataset.glob", "train-glob"},
		{"dataset.patch_size", "patch-size"},
		{"dataset.batch_size", "batch-size"},
		{"dataset.workers", "workers"},
		{"dataset.prefetch", "prefetch"},
		{"model.lambda", "lambda"},
		{"model.latent_depth", "latent-depth"},
		{"model.hyperprior_depth", "hyperprior-depth"},
		{"model.num_slices", "num-slices"},
		{"model.max_support_slices", "max-support-slices"},
		{"model.num_scales", "num-scales"},
		{"model.scale_min", "scale-min"},
		{"model.scale_max", "scale-max"},
		{"train.epochs", "epochs"},
		{"train.steps_per_epoch", "steps-per-epoch"},
		{"train.max_validation_steps", "max-validation-steps"},
		{"train.learning_rate", "learning-rate"},
		{"train.lr_drop_epoch", "lr-drop-epoch"},
		{"train.lr_drop_factor", "lr-drop-factor"},
		{"train.log_every", "log-every"},
		{"train.backup_dir", "backup-dir"},
		{"train.metrics_addr", "metrics-addr"},
	}

	for _, binding := range flagBindings {
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", binding.flag, err))
		}
	}
}

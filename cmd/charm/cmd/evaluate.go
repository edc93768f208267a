package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MeKo-Tech/charm/internal/eval"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// evaluateCmd represents the evaluate command.
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Compress a directory of images and report quality and rate",
	Long: `Compress every image under the input directory with a trained model,
decompress the bitstreams again and measure reconstruction quality and
rate. Bitstreams are kept in the output directory and a summary of mean
PSNR, multiscale SSIM and bits per pixel is printed at the end.

Examples:
  charm evaluate --input-dir ./kodak --output-dir ./results
  charm evaluate --input-dir ./kodak --output-dir ./results --png-dir ./recon
  charm evaluate --input-dir ./kodak --output-dir ./results --heatmaps
  charm evaluate --input-dir ./kodak --output-dir ./results --results-file report.txt`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		if cfg.Eval.InputDir == "" {
			return errors.New("no input directory provided (use --input-dir)")
		}
		if cfg.Eval.OutputDir == "" {
			return errors.New("no output directory provided (use --output-dir)")
		}

		model, err := loadFrozenModel(cfg)
		if err != nil {
			return err
		}

		ecfg := cfg.ToEvalConfig()
		if !cfg.Verbose {
			ecfg.Progress = eval.NewConsoleProgressCallback(cmd.ErrOrStderr(), "evaluating ")
		}

		evaluator, err := eval.New(model, ecfg)
		if err != nil {
			return err
		}
		evaluator = evaluator.WithLogger(slog.Default())

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

		result, err := evaluator.Run(ctx)
		if err != nil {
			return err
		}

		if _, err := fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(ecfg.RunLabel, result)); err != nil {
			return fmt.Errorf("failed to write to stdout: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	addEvaluateFlags(evaluateCmd)
	bindEvaluateFlags(evaluateCmd)
}

func addEvaluateFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input-dir", "i", "", "directory scanned recursively for images to evaluate")
	cmd.Flags().StringP("output-dir", "o", "", "directory for the compressed bitstreams")
	cmd.Flags().String("png-dir", "", "directory for decompressed PNGs (empty skips them)")
	cmd.Flags().String("results-file", "", "file the summary report is appended to")
	cmd.Flags().String("run-label", "charm", "label naming this run in the report")
	cmd.Flags().Bool("heatmaps", false, "render per-image latent energy heatmaps")
	cmd.Flags().Int("workers", 0, "parallel evaluation workers (0 = number of CPUs)")
}

func bindEvaluateFlags(cmd *cobra.Command) {
	flagBindings := []struct {
		key  string
		flag string
	}{
		{"eval.input_dir", "input-dir"},
		{"eval.output_dir", "output-dir"},
		{"eval.png_dir", "png-dir"},
		{"eval.results_file", "results-file"},
		{"eval.run_label", "run-label"},
		{"eval.heatmaps", "heatmaps"},
		{"eval.workers", "workers"},
	}

	for _, binding := range flagBindings {
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", binding.flag, err))
		}
	}
}

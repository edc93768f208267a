package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/charm/internal/bitstream"
	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/config"
	"github.com/MeKo-Tech/charm/internal/utils"
	"github.com/spf13/cobra"
)

// compressCmd represents the compress command.
var compressCmd = &cobra.Command{
	Use:   "compress <input> [output]",
	Short: "Compress an image to a charm bitstream",
	Long: `Compress a single image with a trained model. The output path defaults
to the input path with its extension replaced by the bitstream extension.

Supported input formats: PNG, JPEG, BMP

Examples:
  charm compress photo.png
  charm compress photo.png archive/photo.charm
  charm compress photo.png --model models/high_quality.safetensors`,
	Args:         cobra.RangeArgs(1, 2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		model, err := loadFrozenModel(cfg)
		if err != nil {
			return err
		}

		input := args[0]
		output := replaceExt(input, bitstream.Extension)
		if len(args) == 2 {
			output = args[1]
		}

		img, meta, err := utils.LoadImage(input)
		if err != nil {
			return err
		}
		x, err := utils.ImageToTensor(img)
		if err != nil {
			return err
		}

		compressed, err := model.Compress(x)
		if err != nil {
			return fmt.Errorf("compressing %s: %w", input, err)
		}
		if err := bitstream.WriteFile(output, compressed); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}

		info, err := os.Stat(output)
		if err != nil {
			return err
		}
		bpp := float64(info.Size()*8) / float64(meta.Width*meta.Height)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Compressed %s (%dx%d) to %s: %d bytes, %.4f bpp\n",
			input, meta.Width, meta.Height, output, info.Size(), bpp)
		return err
	},
}

func init() {
	rootCmd.AddCommand(compressCmd)
}

// loadFrozenModel builds the codec from the model section of the
// configuration and restores its weights from the checkpoint. Models from
// finished training runs carry frozen entropy tables; mid-training
// checkpoints are frozen here so they can still be used for coding.
func loadFrozenModel(cfg *config.Config) (*codec.Model, error) {
	model, err := codec.New(cfg.ToCodecConfig())
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	if _, err := codec.LoadCheckpoint(cfg.Model.Path, model); err != nil {
		return nil, fmt.Errorf("loading model from %s: %w", cfg.Model.Path, err)
	}
	if !model.Frozen() {
		model.Freeze()
	}
	return model, nil
}

// replaceExt swaps the extension of path for ext, which includes the dot.
func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

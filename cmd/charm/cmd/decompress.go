package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/charm/internal/bitstream"
	"github.com/MeKo-Tech/charm/internal/utils"
	"github.com/spf13/cobra"
)

// decompressCmd represents the decompress command.
var decompressCmd = &cobra.Command{
	Use:   "decompress <input> [output]",
	Short: "Decompress a charm bitstream to a PNG image",
	Long: `Decompress a bitstream written by the compress command back to an
image. The output path defaults to the input path with its extension
replaced by .png. Decompression reproduces the encoder's reconstruction
exactly when the same model is used.

Examples:
  charm decompress photo.charm
  charm decompress photo.charm restored.png`,
	Args:         cobra.RangeArgs(1, 2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		input := args[0]
		output := replaceExt(input, ".png")
		if len(args) == 2 {
			output = args[1]
		}

		compressed, err := bitstream.ReadFile(input)
		if err != nil {
			return fmt.Errorf("reading %s: %w", input, err)
		}

		model, err := loadFrozenModel(cfg)
		if err != nil {
			return err
		}

		x, err := model.Decompress(compressed)
		if err != nil {
			return fmt.Errorf("decompressing %s: %w", input, err)
		}
		img, err := utils.TensorToImage(x, 0)
		if err != nil {
			return err
		}
		if err := utils.SaveImage(output, img); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}

		bounds := img.Bounds()
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Decompressed %s to %s (%dx%d)\n",
			input, output, bounds.Dx(), bounds.Dy())
		return err
	},
}

func init() {
	rootCmd.AddCommand(decompressCmd)
}

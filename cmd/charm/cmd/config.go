package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/charm/internal/config"
	"github.com/spf13/cobra"
)

// configCmd groups configuration inspection and generation.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate configuration files",
	Long: `Inspect the resolved configuration or generate a starter configuration
file with all defaults spelled out.

Examples:
  charm config init
  charm config init --output /etc/charm/charm.yaml
  charm config show
  charm config paths`,
}

// configInitCmd writes a starter configuration file.
var configInitCmd = &cobra.Command{
	Use:          "init",
	Short:        "Write a configuration file with default values",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = config.ConfigFileName + ".yaml"
		}
		if err := config.GenerateDefaultConfigFile(output); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", output)
		return err
	},
}

// configShowCmd prints the resolved configuration.
var configShowCmd = &cobra.Command{
	Use:          "show",
	Short:        "Print the resolved configuration as YAML",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		data, err := cfg.ToYAML()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if used := GetConfigLoader().GetConfigFileUsed(); used != "" {
			if _, err := fmt.Fprintf(out, "# loaded from %s\n", used); err != nil {
				return err
			}
		}
		_, err = fmt.Fprint(out, string(data))
		return err
	},
}

// configPathsCmd lists the configuration search paths.
var configPathsCmd = &cobra.Command{
	Use:          "paths",
	Short:        "List the configuration file search paths",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range config.GetConfigSearchPaths() {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), p); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathsCmd)

	configInitCmd.Flags().StringP("output", "o", "", "file to write (default: charm.yaml)")
}

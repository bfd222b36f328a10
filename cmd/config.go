package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/simreg/regq/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, config file and REGQ_* environment overrides.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if used := viper.ConfigFileUsed(); used != "" {
			_, _ = fmt.Fprintf(out, "# %s\n", used)
		}
		data, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		_, err = out.Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one key in the config file",
	Example: `  regq config set queue.workers 4
  regq config set carrier.retryable_exit_codes "[75, 76]"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = defaultCfg
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", args[0], args[1], path)
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

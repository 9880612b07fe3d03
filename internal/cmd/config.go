package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/tsroute/pkg/router"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <routes-file>",
	Short: "Validate a routing configuration file without loading it",
	Long: `Parse and compile a routing configuration file. Every problem found is
reported; nothing is activated.

Examples:
  tsroute config validate routes.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigValidate,
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in service configuration defaults as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfigDefaults,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd, configDefaultsCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	cfg, err := router.ReadConfigFile(path)
	if err != nil {
		return exitError(ExitInvalidData, "Cannot read routing configuration", err)
	}
	if err := router.New().Validate(cfg); err != nil {
		return exitError(ExitInvalidData, "Invalid routing configuration", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, %d shards)\n", path, len(cfg.Rules), len(cfg.Shards))
	return err
}

func runConfigDefaults(cmd *cobra.Command, args []string) error {
	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/modbus-gateway/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and MBGW_*
environment overrides have been applied. The output is valid input for --config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

func writeConfig(w io.Writer, c *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vocdoni/gofirma/p12rekey/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the loaded configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := viper.GetString("config_file"); f != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", f)
		}
		return config.Dump(cmd.OutOrStdout(), cfg)
	},
}

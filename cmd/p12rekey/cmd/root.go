package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vocdoni/gofirma/p12rekey/internal/app"
	"github.com/vocdoni/gofirma/p12rekey/internal/config"
	"github.com/vocdoni/gofirma/p12rekey/internal/logging"
)

var (
	verbose     bool
	cfg         *config.Config
	application *app.App
)

var rootCmd = &cobra.Command{
	Use:   "p12rekey",
	Short: "Re-encrypt PKCS#12 containers and import the identity they hold",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err := logging.New(os.Stderr, cfg.LogFormat, level)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		application, err = app.New(cfg, logger)
		return err
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.StringP("config-file", "f", "", "YAML config file")
	flags.String("log-format", "console", "log format: console, text or json")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	viper.BindPFlag("config_file", flags.Lookup("config-file"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

// quietrefresh watches the desktop for significant changes and issues a
// refresh action once the user has been quiet for a configurable period.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GriffinCanCode/quietrefresh/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "quietrefresh",
		Short:        "Refresh the screen after it changes and the user goes quiet",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/quietrefresh/config.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newProbeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration and installs the default logger.
func (o *rootOptions) load() (*config.Config, *viper.Viper, error) {
	v, err := config.New(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		v.Set(config.KeyLogLevel, o.logLevel)
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, v, nil
}

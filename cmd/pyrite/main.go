package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var red = color.New(color.FgRed).SprintFunc()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "pyrite",
		Short:         "Run sandboxed pyrite programs",
		Version:       fmt.Sprintf("%s (%s, %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(cfgFile); err != nil {
				return err
			}
			processGlobalFlags()
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.pyrite.yaml)")
	flags.Bool("no-color", false, "disable colored output")
	flags.BoolP("verbose", "v", false, "log engine events to stderr")
	flags.String("limits", "", "YAML file with resource limits")
	flags.Int64("max-allocations", 0, "maximum heap allocations")
	flags.Int64("max-operations", 0, "maximum executed instructions")
	flags.Duration("max-duration", 0, "maximum wall-clock run time")
	flags.Int64("max-memory", 0, "maximum estimated heap bytes")
	flags.Int("max-recursion-depth", 0, "maximum call depth")
	for _, name := range []string{"no-color", "verbose", "limits", "max-allocations",
		"max-operations", "max-duration", "max-memory", "max-recursion-depth"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newRunCmd(), newDisCmd(), newInspectCmd())
	return root
}

// initConfig reads the config file and PYRITE_* environment variables.
func initConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".pyrite")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("pyrite")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Reads global flags from Viper and adjusts the environment accordingly.
func processGlobalFlags() {
	if viper.GetBool("no-color") || !isTerminalIO() {
		color.NoColor = true
	}
}

func newLogger() zerolog.Logger {
	if !viper.GetBool("verbose") {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: color.NoColor}).
		With().Timestamp().Logger().
		Level(zerolog.DebugLevel)
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ppiankov/kafkarelay/internal/config"
	"github.com/ppiankov/kafkarelay/internal/logging"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// envPrefix is prepended to the upper-cased flag name, so --token-secret is
// read from KAFKARELAY_TOKEN_SECRET.
const envPrefix = "KAFKARELAY"

func main() {
	logging.Init(false, "text")

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		_, _ = fmt.Fprintf(os.Stderr, "Tip: Use 'kafkarelay --help' for usage information.\n")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose   bool
		logFormat string
	)

	cmd := &cobra.Command{
		Use:           "kafkarelay",
		Short:         "kafkarelay browses Kafka topics and relays live records to viewers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnvToFlags(cmd); err != nil {
				return err
			}
			logging.Init(verbose, logFormat)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTopicsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "version: %s\n", Version); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "commit:  %s\n", GitCommit); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "date:    %s\n", BuildDate); err != nil {
				return err
			}
			return nil
		},
	}
}

// bindEnvToFlags fills every flag not set on the command line from its
// KAFKARELAY_* environment variable.
func bindEnvToFlags(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}

		envVarName := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if err := v.BindEnv(f.Name, envVarName); err != nil {
			bindErr = err
			return
		}

		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				bindErr = fmt.Errorf("invalid value in %s: %w", envVarName, err)
			}
		}
	})

	return bindErr
}

// flagChanged reports whether a flag was set on the command line or through
// its environment variable.
func flagChanged(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}

	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		return false
	}

	return flag.Changed
}

// applyLogFormat re-initialises logging with the config file's log_format.
// Logging is first set up from flags, before the file is read.
func applyLogFormat(cmd *cobra.Command, cfg *config.Config) {
	if cfg == nil || cfg.LogFormat == "" {
		return
	}
	inherited := cmd.InheritedFlags()
	if f := inherited.Lookup("log-format"); f != nil && f.Changed {
		return
	}
	verbose, _ := inherited.GetBool("verbose")
	logging.Init(verbose, cfg.LogFormat)
}

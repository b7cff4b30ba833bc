package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/claimrelay/internal/config"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
	Verbose    bool
	LogFormat  string

	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "claimrelay",
		Short: "Lead claiming service with live notifications",
		Long: `claimrelay hands inbound leads to sales staff. Claiming a lead turns it
into an inquiry with a daily sequential code, exactly once, and every
change is pushed to connected users over a websocket and kept as a
notification.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.LogFormat {
			case "text", "json":
			default:
				return fmt.Errorf("invalid log format %q: must be text or json", opts.LogFormat)
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose, opts.LogFormat)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("CLAIMRELAY_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading CLAIMRELAY_* variables")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log output format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newLeadsCommand(opts))
	cmd.AddCommand(newNotificationsCommand(opts))

	return cmd
}

func newLogger(w io.Writer, verbose bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadConfig reads the dotenv file, then the YAML file, then the environment.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if env := strings.TrimSpace(o.EnvFile); env != "" {
		if err := config.LoadDotEnv(env); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(o.ConfigPath, o.log())
}

func (o *rootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"HeimLog/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "heimlog",
		Short: "Log a heim chat room to a newline-delimited JSON file",
		Long: "heimlog joins a heim room, appends every message to a log file and records " +
			"checkpoints so the next run pages back through history only as far as needed.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLogger(ctx, cfg, cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.String(config.KeyConfig, "", "Path to a TOML config file (default ./heimlog.toml if present)")
	flags.String(config.KeyServer, config.DefaultServer, "Heim server host, optionally with a ws:// or wss:// scheme")
	flags.String(config.KeyRoom, "", "Room to log")
	flags.String(config.KeyLog, "", "Message log file")
	flags.String(config.KeyNick, config.DefaultNick, "Nick to set after joining (empty stays anonymous)")
	flags.String(config.KeyDB, "", "Optional sqlite database mirroring the log")
	flags.Duration(config.KeyTimeout, config.DefaultTimeout, "Reply timeout for history requests")
	flags.Int(config.KeyPageSize, config.DefaultPageSize, "Messages per history request")
	flags.Int(config.KeyMinPageSize, config.DefaultMinPageSize, "Smallest page size after the server rejects a request")
	flags.Int(config.KeyMaxRetries, config.DefaultMaxRetries, "Retries for a timed out history request")
	flags.Duration(config.KeyRetryDelay, config.DefaultRetryDelay, "Base delay between retries")
	flags.Bool(config.KeyFullHistory, false, "Fetch the whole room history when no checkpoint exists")
	flags.Bool(config.KeySync, true, "fsync the log after every record")
	flags.Bool(config.KeyDebug, false, "Enable debug logging")
	flags.String(config.KeyAppLog, config.DefaultAppLog, "Application log file, rotated")

	rootCmd.AddCommand(newScanCmd())

	return rootCmd
}

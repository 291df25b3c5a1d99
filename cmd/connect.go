package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webrp/webrp/internal/agent"
	"github.com/webrp/webrp/internal/config"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a local service to a webrp server",
	Long: `Open a tunnel from this machine to a webrp server and forward the
traffic it dispatches to a local origin. Configured through environment
variables: CLIENT_ID, REMOTE_URL, LOCAL_URL, CONN_TOKEN, PING_INTERVAL.

The tunnel reconnects automatically; it only gives up when the server
rejects the connection token.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadClient()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		logger := newLogger(cfg.LogLevel)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("disconnecting")
			cancel()
		}()

		logger.Info().
			Str("client_id", cfg.ClientID).
			Str("remote", cfg.RemoteURL.String()).
			Str("local", cfg.LocalURL.String()).
			Msg("starting webrp client")

		client := agent.New(cfg, logger)
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("tunnel client exited")
		}
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
}

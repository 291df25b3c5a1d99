package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/webrp/webrp/internal/config"
	"github.com/webrp/webrp/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the public-facing tunnel server",
	Long: `Start the server that accepts public traffic and forwards it to
connected tunnel clients. Configured through environment variables:
CONN_TOKEN, AUTH_TOKEN, AUTH_RULE, FORWARD_HOST, BUFFER_REQUEST, PORT.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadServer()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}

		logger := newLogger(cfg.LogLevel)
		srv := server.New(cfg, logger)

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: srv.Router(),
		}

		// Graceful shutdown on SIGTERM/SIGINT.
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		logger.Info().Int("port", cfg.Port).Msg("starting webrp server")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	},
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on (overrides PORT)")
}

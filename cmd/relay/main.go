// Command relay runs the development push relay.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/config"
	"github.com/omochice/chatsync/internal/server"
	"github.com/omochice/chatsync/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Run the development push relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.RelayAddr = addr
			}
			return run(cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (default from RELAY_ADDR)")
	return cmd
}

func run(cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	srv := server.New(cfg.RelayAddr, server.WithLogger(log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, server.ErrServerStopped) {
			return err
		}
	case sig := <-sigChan:
		log.Info("Shutting down", zap.String("signal", sig.String()))
		srv.Stop()
	}
	return nil
}

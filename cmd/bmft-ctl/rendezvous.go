package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bmft/internal/logging"
	"bmft/rendezvous"
)

func newRendezvousCommand() *cobra.Command {
	var (
		addr    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Run the bootstrap key-value rendezvous server",
		Long: `rendezvous serves the put/get/barrier/allgather KV store (spec.md §2, §6)
peers dial during Prepare to exchange NIC addresses and memory keys. It
never carries data-plane traffic — only bring-up bookkeeping.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRendezvous(cmd.Context(), addr, verbose)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7777", "listen address (host:port)")
	cmd.Flags().BoolVarP(&verbose, "v", "v", false, "verbose logging")

	return cmd
}

func runRendezvous(ctx context.Context, addr string, verbose bool) error {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	srv, err := rendezvous.NewServer(addr, nil, logger)
	if err != nil {
		return fmt.Errorf("start rendezvous server: %w", err)
	}
	logger.Info("rendezvous server listening", "addr", srv.Addr())
	fmt.Printf("rendezvous listening on %s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop...")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := srv.Serve(runCtx); err != nil {
		return fmt.Errorf("rendezvous server: %w", err)
	}
	return nil
}

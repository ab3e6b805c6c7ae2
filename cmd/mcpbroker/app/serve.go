// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mcpbroker/pkg/broker"
)

// gracefulTimeout bounds the drain of in-flight requests on shutdown.
const gracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker's HTTP server. The configuration is read from the
file given with --config (or mcpbroker.yaml in the working directory or
/etc/mcpbroker) and MCPBROKER_* environment variables.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := broker.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

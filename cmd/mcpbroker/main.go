// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcpbroker server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mcpbroker/cmd/mcpbroker/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/httpapi"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	b, err := broker.New(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer b.Close()

	backend, err := resultbackend.Open(cfg.ResultBackendURL)
	if err != nil {
		return fmt.Errorf("open result backend: %w", err)
	}
	defer backend.Close()

	st, err := store.New(cfg.SharePath)
	if err != nil {
		return fmt.Errorf("open share store: %w", err)
	}

	srv := httpapi.New(cfg, st, backend, b)
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	logging.WithComponent("server").Info().Str("addr", addr).Msg("starting http api")
	return srv.Start(addr)
}

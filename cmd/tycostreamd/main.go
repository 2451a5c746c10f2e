// Command tycostreamd runs the CDC-to-GraphQL-subscription streaming
// pipeline: it loads a source catalog, opens one subscriber per source on
// first use, and serves filtered row-update subscriptions over a
// graphql-transport-ws websocket gateway, plus any configured webhook
// triggers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/config"
	"github.com/tycoworks/tycostream/internal/gateway"
	"github.com/tycoworks/tycostream/internal/hub"
	"github.com/tycoworks/tycostream/internal/registry"
	"github.com/tycoworks/tycostream/internal/sqltype"
	"github.com/tycoworks/tycostream/internal/subscriber"
	"github.com/tycoworks/tycostream/internal/trigger"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "tycostreamd",
		Short: "Streams upstream row changes to GraphQL subscriptions and webhook triggers",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the streaming gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "tycostream.yaml", "path to the process config file")
	return cmd
}

func run(configPath string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("tycostreamd: %w", err)
	}

	defs, err := catalog.Load(cfg.CatalogPath, sqltype.Supported)
	if err != nil {
		return fmt.Errorf("tycostreamd: %w", err)
	}
	logger.Info().Int("sources", len(defs)).Msg("catalog loaded")

	reg := registry.New(defs, func(def *catalog.SourceDefinition) hub.Starter {
		sub := subscriber.New(cfg.DatabaseDSN, def, logger)
		sub.ConnectTimeout(cfg.ConnectTimeout)
		return sub
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var triggers []*trigger.Trigger
	for _, tc := range cfg.Triggers {
		if _, ok := defs[tc.Source]; !ok {
			return fmt.Errorf("tycostreamd: trigger %q references unknown source %q", tc.Name, tc.Source)
		}
		h, err := reg.HubFor(tc.Source)
		if err != nil {
			return fmt.Errorf("tycostreamd: trigger %q: %w", tc.Name, err)
		}
		tr, err := trigger.Start(ctx, tc.ToTriggerConfig(), h, logger, nil)
		if err != nil {
			return fmt.Errorf("tycostreamd: starting trigger %q: %w", tc.Name, err)
		}
		triggers = append(triggers, tr)
		logger.Info().Str("trigger", tc.Name).Str("source", tc.Source).Msg("trigger started")
	}

	gw := gateway.New(reg, logger)
	mux := http.NewServeMux()
	mux.Handle("/graphql", gw)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, refusing new subscriptions")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("gateway server failed")
	}

	reg.Shutdown()
	for _, tr := range triggers {
		tr.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown did not complete cleanly")
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/framelink-project/framelink/internal/api"
	"github.com/framelink-project/framelink/internal/cli"
	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/platform"
	"github.com/framelink-project/framelink/internal/protocol"
	"github.com/framelink-project/framelink/internal/scheduler"
	"github.com/framelink-project/framelink/internal/server"
	"github.com/framelink-project/framelink/internal/telemetry"
)

func serverCmd() *cobra.Command {
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Host a game session",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(banner, version)
			fmt.Println()
			return runServer(cmd, !noConsole)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive console")
	return cmd
}

func runServer(cmd *cobra.Command, console bool) error {
	cfg, err := loadConfig(cmd, "framelink-server")
	if err != nil {
		return err
	}

	if !logValidation(config.Validate(cfg)) {
		if !cfg.IsFirstRun() {
			return errors.New("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	sessCfg := cfg.GetSession()
	app := cfg.GetApplicationData()
	identity := network.Identity(sessCfg.Identity)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	metrics := telemetry.NewMetrics()

	store, err := db.NewTicketStore(app.Auth.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := platform.NewEventQueue(0)
	authority, err := platform.NewLocalAuthority(platform.AuthorityConfig{
		Identity: identity,
		Secret:   []byte(app.Auth.Secret),
		TTL:      app.Auth.TicketTTL(),
		Store:    store,
		Queue:    queue,
	})
	if err != nil {
		return err
	}

	listener, err := network.ListenWS(ctx, sessCfg.ListenAddr, identity, network.DefaultWSOptions())
	if err != nil {
		return err
	}

	session, err := server.NewSession(sessCfg, platform.Handle{
		Identity:  identity,
		Validator: authority,
		Presence:  platform.NewLogPresence(identity),
		Queue:     queue,
	}, listener, server.Options{
		Bus:     eventBus,
		Metrics: metrics,
	})
	if err != nil {
		listener.Close()
		return err
	}

	// Operator quit
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Task 1: session tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx, 0); err != nil {
			errCh <- fmt.Errorf("session: %w", err)
			return
		}
		// The loop also ends when the session closes itself.
		cancel()
	}()

	// Task 2: status API
	if app.API.Enabled {
		apiServer := api.NewServer(cfg, eventBus, session, metrics, version)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting status API")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("status API failed after retries (non-fatal)")
			}
		}()
	}

	// Task 3: MQTT telemetry
	mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus, session.ID(), version)
	switch {
	case errors.Is(err, telemetry.ErrMQTTDisabled):
	case err != nil:
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	default:
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 4: LAN discovery
	if sessCfg.DiscoveryPort > 0 {
		responder, err := network.NewDiscoveryResponder(fmt.Sprintf(":%d", sessCfg.DiscoveryPort), protocol.ServerSendInfo{
			ServerIdentity: sessCfg.Identity,
			Secure:         sessCfg.Secure,
			Name:           sessCfg.ServerName,
		})
		if err != nil {
			log.Warn().Err(err).Msg("discovery disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := startWithRetry(ctx, "discovery", responder.Listen, 5); err != nil {
					log.Warn().Err(err).Msg("discovery listener failed (non-fatal)")
					return
				}
				defer responder.Close()
				if err := responder.Serve(ctx); err != nil {
					log.Warn().Err(err).Msg("discovery responder stopped")
				}
			}()
		}
	}

	// Task 5: housekeeping
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.NewScheduler(cfg, authority, store).Start(ctx)
	}()

	// Task 6: lag alerts
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Lag().Start(ctx, time.Minute)
	}()

	// Task 7: interactive console. It blocks on stdin, so it is not waited
	// for.
	if console {
		go cli.NewCLI(cfg, eventBus, session, os.Stdin, os.Stdout).Start(ctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if err := session.Close(); err != nil && !errors.Is(err, server.ErrSessionClosed) {
		log.Warn().Err(err).Msg("session close failed")
	}
	authority.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("Framelink server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/framelink-project/framelink/internal/client"
	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/platform"
	"github.com/framelink-project/framelink/internal/telemetry"
	"github.com/framelink-project/framelink/internal/util"
)

// demoChannel carries the demo input frames.
const demoChannel = 1

func clientCmd() *cobra.Command {
	var identity uint64

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a demo participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, identity)
		},
	}
	cmd.Flags().Uint64Var(&identity, "identity", 0, "override client.identity; 0 keeps the configured value")
	return cmd
}

// demoPlayer submits a snapshot and loads as soon as it is admitted, then
// logs what the server sends.
type demoPlayer struct {
	client.NopHandler
	session *client.Session
	logger  zerolog.Logger
	ended   chan network.EndInfo

	mu     sync.Mutex
	frames int
}

func (p *demoPlayer) OnAuthenticated(position uint32) {
	p.logger.Info().Uint32("position", position).Msg("admitted")

	snap := []byte(fmt.Sprintf("hello from %d", p.session.Status().Identity))
	if err := p.session.SetGameData(snap); err != nil {
		p.logger.Warn().Err(err).Msg("failed to submit snapshot")
	}
	if err := p.session.LoadReadyToGo(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to report load complete")
	}
}

func (p *demoPlayer) OnAllReadyToGo() {
	p.logger.Info().Msg("all participants admitted")
}

func (p *demoPlayer) OnGameStart(start client.GameStart) {
	p.logger.Info().Int("snapshots", start.Count).Int("bytes", len(start.Buffer)).Msg("game start")
}

func (p *demoPlayer) OnFrames(u client.FramesUpdate) {
	p.mu.Lock()
	p.frames++
	n := p.frames
	p.mu.Unlock()

	if n%100 == 0 {
		p.logger.Info().Uint32("frame_id", u.FrameID).Int("count", u.Count).Msg("frames update")
	}
}

func (p *demoPlayer) OnBroadcast(b client.Broadcast) {
	p.logger.Info().Str("sender", b.Sender.String()).Int("bytes", len(b.Payload)).Msg("broadcast")
}

func (p *demoPlayer) OnDisconnected(end network.EndInfo) {
	select {
	case p.ended <- end:
	default:
	}
}

func runClient(cmd *cobra.Command, identity uint64) error {
	cfg, err := loadConfig(cmd, "framelink-client")
	if err != nil {
		return err
	}

	clientCfg := cfg.GetClient()
	if identity != 0 {
		clientCfg.Identity = identity
	}
	if clientCfg.Identity == 0 {
		id, err := util.RandomIdentity()
		if err != nil {
			return err
		}
		clientCfg.Identity = id
		log.Info().Uint64("identity", id).Msg("no client identity configured, using a random one")
	}
	cfg.SetClient(clientCfg)
	if !logValidation(config.ValidateClient(cfg)) {
		return errors.New("client configuration is invalid, please fix the errors above")
	}

	app := cfg.GetApplicationData()
	local := network.Identity(clientCfg.Identity)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.NewTicketStore(app.Auth.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := platform.NewEventQueue(0)
	defer queue.Close()

	authority, err := platform.NewLocalAuthority(platform.AuthorityConfig{
		Identity: local,
		Secret:   []byte(app.Auth.Secret),
		TTL:      app.Auth.TicketTTL(),
		Store:    store,
		Queue:    queue,
	})
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus, "client-"+local.String(), version)
	switch {
	case errors.Is(err, telemetry.ErrMQTTDisabled):
	case err != nil:
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	default:
		mqttDone := make(chan struct{})
		go func() {
			defer close(mqttDone)
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
		defer func() {
			cancel()
			<-mqttDone
		}()
	}

	player := &demoPlayer{
		logger: util.ComponentLogger("demo_client"),
		ended:  make(chan network.EndInfo, 1),
	}
	session, err := client.NewSession(clientCfg, platform.Handle{
		Identity: local,
		Tickets:  authority,
		Presence: platform.NewLogPresence(local),
		Queue:    queue,
	}, network.NewWSDialer(clientCfg.ServerURL, local), client.Options{
		Handler: player,
		Bus:     eventBus,
	})
	if err != nil {
		return err
	}
	player.session = session

	if err := session.Initialize(); err != nil {
		return err
	}
	// Stands in for a lobby assigning the configured server.
	queue.Post(platform.ServerAssigned{Server: network.Identity(clientCfg.ServerIdentity)})

	go sendFrames(ctx, session, clientCfg.SendInterval())

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx, clientCfg.TickInterval()) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
		session.Disconnect()
	case end := <-player.ended:
		log.Info().Str("reason", end.Reason.String()).Str("debug", end.Debug).Msg("disconnected from server")
	case err := <-runErr:
		if err != nil {
			return err
		}
	}

	log.Info().Interface("status", session.Status()).Msg("Framelink client stopped")
	return nil
}

// sendFrames sends a counter on the demo channel while authenticated.
func sendFrames(ctx context.Context, session *client.Session, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.State() != client.Authenticated {
				continue
			}
			seq++
			payload := []byte{byte(seq), byte(seq >> 8), byte(seq >> 16), byte(seq >> 24)}
			if err := session.SendFrameData(demoChannel, payload); err != nil {
				log.Debug().Err(err).Msg("frame send failed")
			}
		}
	}
}

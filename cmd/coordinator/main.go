// Command coordinator runs the drone rescue coordination server: the
// TCP wire protocol listener, the survivor generator, the matcher, the
// heartbeat/liveness sweep, and the read-only visualizer feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"odyssey/internal/config"
	"odyssey/internal/heartbeat"
	"odyssey/internal/matcher"
	"odyssey/internal/protocol"
	"odyssey/internal/rescue"
	"odyssey/internal/visualizer"
	"odyssey/internal/world"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var logLevel string

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Drone rescue coordination server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.LogLevel = logLevel
			return serve(cfg)
		},
	}

	flags := serveCmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "drone-facing TCP listen address")
	flags.StringVar(&cfg.VisualizerAddr, "visualizer-addr", cfg.VisualizerAddr, "visualizer HTTP/WebSocket listen address")
	flags.IntVar(&cfg.GridWidth, "grid-width", cfg.GridWidth, "grid width in cells")
	flags.IntVar(&cfg.GridHeight, "grid-height", cfg.GridHeight, "grid height in cells")
	flags.IntVar(&cfg.MaxDrones, "max-drones", cfg.MaxDrones, "maximum simultaneously connected drones (<=0 unbounded)")
	flags.DurationVar(&cfg.GeneratorMinInterval, "generator-min-interval", cfg.GeneratorMinInterval, "minimum delay between generated survivors")
	flags.DurationVar(&cfg.GeneratorMaxInterval, "generator-max-interval", cfg.GeneratorMaxInterval, "maximum delay between generated survivors")
	flags.IntVar(&cfg.StatusUpdateInterval, "status-update-interval", cfg.StatusUpdateInterval, "seconds, advertised in HANDSHAKE_ACK")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "interval between HEARTBEAT broadcasts")
	flags.DurationVar(&cfg.MissionTTL, "mission-ttl", cfg.MissionTTL, "horizon for ASSIGN_MISSION expiry")
	flags.DurationVar(&cfg.VisualizerPushInterval, "visualizer-push-interval", cfg.VisualizerPushInterval, "interval between visualizer snapshot pushes")
	flags.StringVar(&logLevel, "log-level", cfg.LogLevel, "log level: trace|debug|info|warn|error")

	root.AddCommand(serveCmd)
	return root
}

func serve(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "coordinator",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	w, err := world.New(cfg.GridWidth, cfg.GridHeight, cfg.MaxDrones, log)
	if err != nil {
		return fmt.Errorf("build world: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	protoCfg := protocol.Config{
		StatusUpdateInterval: cfg.StatusUpdateInterval,
		HeartbeatInterval:    int(cfg.HeartbeatInterval.Seconds()),
		MissionTTL:           cfg.MissionTTL,
	}
	server := protocol.NewServer(cfg.ListenAddr, w, protoCfg, log)
	m := matcher.New(w, cfg.MissionTTL, log)
	hb := heartbeat.New(w, cfg.HeartbeatInterval, log)
	gen := rescue.NewGenerator(w.Survivors, w.Grid, log, cfg.GeneratorMinInterval, cfg.GeneratorMaxInterval)
	vis := visualizer.New(cfg.VisualizerAddr, w, cfg.VisualizerPushInterval, log)

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); m.Run(ctx) }()
	go func() { defer wg.Done(); hb.Run(ctx) }()
	go func() { defer wg.Done(); gen.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := vis.Run(ctx); err != nil {
			log.Error("visualizer stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.Error("protocol server stopped", "error", err)
		}
	}()

	log.Info("coordinator started", "listen_addr", cfg.ListenAddr, "visualizer_addr", cfg.VisualizerAddr,
		"grid", fmt.Sprintf("%dx%d", cfg.GridWidth, cfg.GridHeight), "max_drones", cfg.MaxDrones)

	<-ctx.Done()
	log.Info("shutdown signal received, draining subsystems")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("shutdown timed out waiting for subsystems")
	}
	return nil
}

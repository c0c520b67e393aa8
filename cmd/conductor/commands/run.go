package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dyluth/conductor/internal/config"
	"github.com/dyluth/conductor/internal/engine"
	"github.com/dyluth/conductor/internal/health"
	"github.com/dyluth/conductor/internal/hub"
	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/internal/relay"
	"github.com/dyluth/conductor/internal/sacn"
	"github.com/dyluth/conductor/internal/singleton"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runFrameRate    float64
	runTotalFrames  int
	runUniverse     int
	runFrameLength  int
	runNoSingleton  bool
	runRedisURL     string
	runHealthPort   int
	runInstanceName string
	runAutostart    bool
	runDestinations []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start transmitting the frame counter",
	Long: `Start the conductor.

The conductor first listens for other active instances on the singleton port.
If one answers it prints who is running and exits. Otherwise it claims the
network, heartbeats, and transmits the frame counter over sACN when started.

Flags override the matching conductor.yml settings.

Examples:
  # Run with conductor.yml and start counting immediately
  conductor run --autostart

  # 24fps, 2 minutes, universe 7
  conductor run --fps 24 --target-frame 2880 --universe 7

  # Mirror progress to Redis and expose /healthz
  conductor run --redis-url redis://localhost:6379 --health-port 8080`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Float64Var(&runFrameRate, "fps", 0, "Frames per second (1-120)")
	runCmd.Flags().IntVar(&runTotalFrames, "target-frame", 0, "Frame at which the run completes (1-65535)")
	runCmd.Flags().IntVar(&runUniverse, "universe", 0, "sACN universe (1-63999)")
	runCmd.Flags().IntVar(&runFrameLength, "frame-length", 0, "DMX slots per packet (2-512)")
	runCmd.Flags().BoolVar(&runNoSingleton, "no-singleton", false, "Skip singleton coordination (local testing only)")
	runCmd.Flags().StringVar(&runRedisURL, "redis-url", "", "Mirror events to Redis and accept remote commands")
	runCmd.Flags().IntVar(&runHealthPort, "health-port", 0, "Serve /healthz on this port (0 disables)")
	runCmd.Flags().StringVarP(&runInstanceName, "name", "n", "", "Instance name used for Redis keys")
	runCmd.Flags().BoolVar(&runAutostart, "autostart", false, "Start counting as soon as the network is claimed")
	runCmd.Flags().StringSliceVar(&runDestinations, "unicast", nil, "Unicast sACN receivers (host or host:port)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags copies every explicitly set flag over the loaded config and
// re-validates the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.ConductorConfig) error {
	flags := cmd.Flags()
	if flags.Changed("fps") {
		cfg.Sender.FrameRate = &runFrameRate
	}
	if flags.Changed("target-frame") {
		cfg.Sender.TotalFrames = &runTotalFrames
	}
	if flags.Changed("universe") {
		cfg.Sender.Universe = &runUniverse
	}
	if flags.Changed("frame-length") {
		cfg.Sender.FrameLength = &runFrameLength
	}
	if flags.Changed("no-singleton") {
		cfg.Singleton.Bypass = runNoSingleton
	}
	if flags.Changed("redis-url") {
		cfg.Redis.URL = runRedisURL
	}
	if flags.Changed("health-port") {
		cfg.Health.Port = &runHealthPort
	}
	if flags.Changed("name") {
		cfg.InstanceName = runInstanceName
	}
	if flags.Changed("unicast") {
		cfg.SACN.Destinations = runDestinations
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return printer.Error("invalid settings", err.Error(), []string{"Run 'conductor run --help' for valid ranges"})
	}

	// Phase 1: claim the network
	coord := newCoordinator(cfg)
	if !cfg.Singleton.Bypass {
		printer.Step("Probing for other conductors (%s)...\n", cfg.Singleton.ProbeWindowDuration())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	probeCtx, cancelProbe := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
			cancelProbe()
		case <-probeCtx.Done():
		}
	}()
	err = coord.Start(probeCtx)
	cancelProbe()
	if err != nil {
		stopCoordinator(coord)
		var conflict *singleton.ConflictError
		if errors.As(err, &conflict) {
			return printer.ConflictReport(conflictFrom(conflict))
		}
		if errors.Is(err, context.Canceled) {
			printer.Info("Interrupted while probing\n")
			return nil
		}
		return fmt.Errorf("singleton coordination failed: %w", err)
	}

	// Phase 2: output and engine
	instanceID, _ := uuid.Parse(coord.InstanceID())
	tx, err := sacn.NewTransmitter(sacn.Options{
		CID:          instanceID,
		SourceName:   cfg.SACN.SourceName,
		Priority:     byte(*cfg.SACN.Priority),
		Multicast:    *cfg.SACN.Multicast,
		Destinations: cfg.SACN.Destinations,
		BindAddress:  cfg.SACN.BindAddress,
	})
	if err != nil {
		stopCoordinator(coord)
		return printer.Error("failed to open sACN output", err.Error(), []string{"Check sacn.bind_address and sacn.destinations in conductor.yml"})
	}
	// The coordinator stops advertising before the output goes away.
	defer func() {
		stopCoordinator(coord)
		if err := tx.Close(); err != nil {
			log.Printf("[WARN] sACN close: %v", err)
		}
	}()

	h := hub.New(*cfg.Observers.QueueSize)
	eng, err := engine.New(cfg.SenderConfig(), tx, h, engine.WithGate(coord))
	if err != nil {
		h.Close()
		return printer.Error("invalid sender configuration", err.Error(), nil)
	}
	h.SetSource(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	// Phase 3: optional Redis relay and health endpoint
	var client *conductor.Client
	if cfg.Redis.URL != "" {
		client, err = connectRedis(ctx, cfg.Redis.URL, cfg.InstanceName)
		if err != nil {
			shutdown(cancel, &wg, h)
			return err
		}
		defer client.Close()

		rl := relay.New(client, h, eng)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Run(ctx); err != nil {
				errCh <- fmt.Errorf("relay: %w", err)
			}
		}()
	}

	if *cfg.Health.Port > 0 {
		sources := health.Sources{Engine: eng, Singleton: coord, Observers: h}
		if client != nil {
			sources.Redis = client
		}
		hs := health.NewHealthServer(sources, *cfg.Health.Port)
		if err := hs.Start(); err != nil {
			shutdown(cancel, &wg, h)
			return printer.Error("failed to start health server", err.Error(), []string{"Choose a free port with --health-port"})
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	sc := eng.Config()
	printer.Success("Conductor %s active: universe %d, %s fps, %d frames\n", coord.InstanceID(), sc.Universe, formatRate(sc.FrameRate), sc.TotalFrames)

	if runAutostart {
		if _, err := eng.Start(); err != nil {
			log.Printf("[WARN] Autostart refused: %v", err)
		}
	}

	// Phase 4: wait
	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("[INFO] Received signal %v, shutting down", sig)
	case <-coord.Lost():
		var conflict *singleton.ConflictError
		if errors.As(coord.Err(), &conflict) {
			runErr = printer.ConflictReport(conflictFrom(conflict))
		} else {
			runErr = fmt.Errorf("singleton lost")
		}
	case err := <-errCh:
		log.Printf("[ERROR] %v", err)
		runErr = err
	}

	shutdown(cancel, &wg, h)
	printer.Info("Stopped at frame %d\n", eng.State().CurrentFrame)
	return runErr
}

// newCoordinator opens the singleton socket. A socket failure leaves the
// coordinator without transport, so it runs standalone.
func newCoordinator(cfg *config.ConductorConfig) *singleton.Coordinator {
	opts := singleton.Options{
		ProbeWindow:       cfg.Singleton.ProbeWindowDuration(),
		HeartbeatInterval: cfg.Singleton.HeartbeatIntervalDuration(),
		Bypass:            cfg.Singleton.Bypass,
	}
	if opts.Bypass {
		return singleton.New(nil, opts)
	}

	var transport singleton.Transport
	t, err := singleton.ListenUDP(*cfg.Singleton.Port, cfg.Singleton.BroadcastAddress)
	if err != nil {
		log.Printf("[WARN] Singleton socket unavailable: %v", err)
		printer.Warning("Cannot open singleton port %d, other conductors will not be detected\n", *cfg.Singleton.Port)
	} else {
		transport = t
	}
	return singleton.New(transport, opts)
}

// stopCoordinator announces GOODBYE (if this instance advertised) and
// releases the socket.
func stopCoordinator(coord *singleton.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.Stop(ctx); err != nil {
		log.Printf("[WARN] Singleton shutdown: %v", err)
	}
}

// shutdown stops the engine and relay, then ends every observer stream.
func shutdown(cancel context.CancelFunc, wg *sync.WaitGroup, h *hub.Hub) {
	cancel()
	wg.Wait()
	h.Close()
}

func conflictFrom(e *singleton.ConflictError) printer.Conflict {
	return printer.Conflict{
		LocalID:  e.Local,
		PeerID:   e.Peer,
		PeerAddr: e.PeerAddr,
		Reason:   e.Reason,
	}
}

func formatRate(r float64) string {
	return fmt.Sprintf("%g", r)
}

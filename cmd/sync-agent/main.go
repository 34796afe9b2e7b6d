package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/openambit/ambit-sync/internal/config"
	"github.com/openambit/ambit-sync/internal/device"
	"github.com/openambit/ambit-sync/internal/integration"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/internal/syncer"
	"github.com/openambit/ambit-sync/internal/upload"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

func main() {
	// Command line flags
	configFile := pflag.StringP("config", "c", "config/ambit-sync.yml", "Configuration file path")
	validate := pflag.Bool("validate", false, "Validate the configuration and exit")
	once := pflag.Bool("once", false, "Sync every device once, drain the upload queue and exit")
	drain := pflag.Duration("drain", time.Minute, "Maximum time to wait for uploads with --once")
	handles := pflag.StringSlice("device", nil, "Only sync these device handles")
	pflag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *validate {
		fmt.Printf("%s: configuration OK (%d devices)\n", *configFile, len(cfg.Devices))
		return
	}

	setupLogging(cfg.Log)

	if err := run(cfg, *handles, *once, *drain); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Sync agent failed")
	}

	log.Info().Msg("Sync agent stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config, only []string, once bool, drain time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()

	handles, addrs, err := selectDevices(cfg, only)
	if err != nil {
		return err
	}

	// Connect to database
	store, err := storage.NewSQLStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("Connected to database")

	// Optional NATS event publishing
	nc := connectNATS(cfg)
	if nc != nil {
		defer nc.Close()
	}

	client, closeClient, err := newCloudClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	queueOpts := []upload.Option{}
	if sink, err := newSnapshotSink(ctx, cfg); err != nil {
		return err
	} else if sink != nil {
		queueOpts = append(queueOpts, upload.WithSink(sink))
	}
	if nc != nil {
		queueOpts = append(queueOpts, upload.WithNotifier(upload.NewNATSNotifier(nc)))
	}

	queue := upload.NewQueue(upload.Config{
		Workers:     cfg.Upload.Workers,
		BatchSize:   cfg.Upload.BatchSize,
		MaxAttempts: cfg.Upload.MaxAttempts,
		Backoff: upload.Backoff{
			Initial:    cfg.Upload.InitialBackoff,
			Max:        cfg.Upload.MaxBackoff,
			Multiplier: cfg.Upload.Multiplier,
		},
		PollInterval:    cfg.Upload.PollInterval,
		SubmitTimeout:   cfg.Upload.Cloud.Timeout,
		SnapshotBuffer:  cfg.Snapshot.Buffer,
		SnapshotTimeout: cfg.Snapshot.Timeout,
	}, store, client, queueOpts...)

	orch, err := newOrchestrator(cfg, addrs, store, queue, nc)
	if err != nil {
		return err
	}
	manager := syncer.NewManager(orch)

	queueCtx, stopQueue := context.WithCancel(ctx)
	defer stopQueue()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := queue.Start(queueCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("upload queue: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		interval := cfg.Sync.Interval
		if once {
			interval = 0
		}
		log.Info().
			Strs("devices", handles).
			Dur("interval", interval).
			Msg("Sync agent started")

		err := manager.Run(gctx, handles, interval)
		manager.Wait()
		if once {
			waitForUploads(gctx, store, drain)
			stopQueue()
		}
		return err
	})

	return g.Wait()
}

func selectDevices(cfg *config.Config, only []string) ([]string, map[string]string, error) {
	addrs := make(map[string]string, len(cfg.Devices))
	handles := make([]string, 0, len(cfg.Devices))

	if len(only) == 0 {
		for _, d := range cfg.Devices {
			only = append(only, d.Handle)
		}
	}

	for _, h := range only {
		d, ok := cfg.Device(h)
		if !ok {
			return nil, nil, fmt.Errorf("device %q is not configured", h)
		}
		addrs[d.Handle] = d.Address
		handles = append(handles, d.Handle)
	}

	if len(handles) == 0 {
		return nil, nil, errors.New("no devices configured")
	}
	return handles, addrs, nil
}

func connectNATS(cfg *config.Config) *nats.Conn {
	if cfg.NATS.URL == "" {
		log.Info().Msg("NATS not configured, events are only logged")
		return nil
	}

	log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Server.Name+"-sync-agent"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event publishing")
		return nil
	}

	log.Info().Msg("Connected to NATS")
	return nc
}

func newCloudClient(ctx context.Context, cfg *config.Config) (integration.Client, func(), error) {
	cloud := cfg.Upload.Cloud

	switch cloud.Mode {
	case "mqtt":
		client := integration.NewMQTTClient(&cloud.MQTT)
		if err := client.Connect(ctx); err != nil {
			// paho keeps retrying in the background; submits fail as transient meanwhile
			log.Warn().Err(err).Str("broker", cloud.MQTT.Broker).Msg("MQTT broker not reachable yet")
		}
		return client, client.Close, nil
	default:
		if cloud.Endpoint == "" {
			return nil, nil, errors.New("upload.cloud.endpoint is required in http mode")
		}
		return integration.NewHTTPClient(cloud.Endpoint, cloud.Token, cloud.Timeout), func() {}, nil
	}
}

func newSnapshotSink(ctx context.Context, cfg *config.Config) (upload.Sink, error) {
	var sinks upload.MultiSink

	if cfg.Snapshot.Enabled {
		sinks = append(sinks, upload.NewFileSink(cfg.Snapshot.Dir))
		log.Info().Str("dir", cfg.Snapshot.Dir).Msg("Writing upload snapshots")
	}

	if cfg.Snapshot.S3.Enabled {
		s3Sink, err := upload.NewS3Sink(ctx, &cfg.Snapshot.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 snapshot sink: %w", err)
		}
		sinks = append(sinks, s3Sink)
		log.Info().Str("bucket", cfg.Snapshot.S3.Bucket).Msg("Writing upload snapshots to S3")
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func newOrchestrator(cfg *config.Config, addrs map[string]string, store storage.Store, queue *upload.Queue, nc *nats.Conn) (*syncer.Orchestrator, error) {
	syncCfg := syncer.Config{
		CallTimeout:    cfg.Sync.CallTimeout,
		ChunkSize:      cfg.Sync.ChunkSize,
		MaxLogs:        cfg.Sync.MaxLogs,
		MaxLogSize:     cfg.Sync.MaxLogSize,
		MaxLogFailures: cfg.Sync.MaxLogFailures,
		OrbitalTimeout: cfg.Sync.OrbitalTimeout,
	}

	if cfg.Sync.LatestFirmware != "" {
		v, err := ambit.ParseVersion(cfg.Sync.LatestFirmware)
		if err != nil {
			return nil, fmt.Errorf("sync.latest_firmware: %w", err)
		}
		syncCfg.LatestFirmware = &v
	}

	var orbital syncer.OrbitalSource
	if cfg.Sync.OrbitalURL != "" {
		orbital = integration.NewHTTPOrbitalSource(cfg.Sync.OrbitalURL, cfg.Upload.Cloud.Token)
	}

	observer := syncer.MultiObserver{syncer.NewLogObserver()}
	if nc != nil {
		observer = append(observer, syncer.NewNATSObserver(nc))
	}

	transport := device.NewTCPTransport(addrs, cfg.Sync.ConnectTimeout)
	return syncer.NewOrchestrator(syncCfg, transport, store, queue, orbital, observer), nil
}

// waitForUploads blocks until no ticket is pending or in flight, or the
// drain timeout expires
func waitForUploads(ctx context.Context, store storage.Store, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		open := int64(0)
		for _, st := range []models.TicketStatus{models.TicketPending, models.TicketInFlight} {
			status := st
			_, n, err := store.ListTickets(ctx, storage.TicketFilters{Status: &status}, 1, 0)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to count open uploads")
				return
			}
			open += n
		}
		if open == 0 {
			log.Info().Msg("Upload queue drained")
			return
		}

		select {
		case <-ctx.Done():
			log.Warn().Int64("open", open).Msg("Uploads still open, they resume on the next run")
			return
		case <-ticker.C:
		}
	}
}

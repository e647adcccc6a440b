package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/wearlink-core/internal/api"
	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/history"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/database"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/wearlink-core/internal/process"
	"github.com/nerrad567/wearlink-core/internal/simulator"
	"github.com/nerrad567/wearlink-core/internal/transport"
	"github.com/nerrad567/wearlink-core/internal/transport/bluez"
	"github.com/nerrad567/wearlink-core/internal/transport/tethered"
	"github.com/nerrad567/wearlink-core/migrations"
)

const (
	// simulatorReadyTimeout bounds the wait for a managed simulator to
	// accept connections.
	simulatorReadyTimeout = 30 * time.Second

	// shutdownTimeout bounds the session shutdown on exit.
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Run the bridge until interrupted.

Configuration is read from --config (or WEARLINK_CONFIG). Without a file the
built-in defaults apply, and WEARLINK_* environment variables override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOr(configEnv, ""), "Path to the YAML configuration file")
	return cmd
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting WearLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"mode", cfg.Session.Mode,
		"variant", cfg.Session.Variant,
	)

	// Every event flows through one ordered bus. Sinks that also log keep
	// the plain logger so their own records do not feed back as LOG events.
	// The bus and registry outlive ctx so the session can be shut down
	// after the signal; their deferred Stop calls end them.
	bus := events.NewBus()
	bus.SetLogger(log)
	bus.Start(context.WithoutCancel(ctx))
	defer bus.Stop()
	evLog := log.WithEvents(bus)

	journal, closeJournal, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeJournal()
	if journal != nil {
		bus.Subscribe(journal)
	}

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		bus.Subscribe(mqtt.NewEventPublisher(mqttClient))
	}

	var metrics device.Metrics
	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		metrics = influxdb.NewMetrics(influxClient)
	}

	opts := device.Options{
		Factory:      transportFactory(cfg, evLog),
		Sink:         bus,
		Logger:       evLog,
		SendTimeout:  cfg.GetSendTimeout(),
		ReleaseAppID: cfg.Session.ReleaseAppID,
		DebugAppID:   cfg.Session.DebugAppID,
		Metrics:      metrics,
	}
	if cfg.Simulator.HarnessEnabled {
		opts.Harness = simulatorHarness(cfg, evLog)
	}
	registry, err := device.NewRegistry(opts)
	if err != nil {
		return fmt.Errorf("creating device registry: %w", err)
	}
	if err := registry.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting device registry: %w", err)
	}
	defer func() {
		log.Info("stopping device registry")
		registry.Stop()
	}()

	session := device.Session{
		Mode:    device.Mode(cfg.Session.Mode),
		Variant: device.Variant(cfg.Session.Variant),
	}

	var simulator *process.Manager
	if session.Mode == device.ModeSimulator && cfg.Simulator.Process.Managed {
		simulator, err = startSimulator(ctx, cfg, evLog)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping simulator")
			if stopErr := simulator.Stop(); stopErr != nil {
				log.Error("error stopping simulator", "error", stopErr)
			}
		}()
	}

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Registry: registry,
		Session:  session,
		Version:  version,
	}
	if journal != nil {
		deps.History = journal
	}
	if mqttClient != nil {
		deps.Commands = mqttClient
	}
	if simulator != nil {
		deps.Simulator = simulator
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	bus.Subscribe(server.Hub())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "addr", server.Addr(), "auth", cfg.Security.JWT.Secret != "")

	if cfg.Session.AutoInitialize {
		autoInitialize(ctx, registry, session, log)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Shut the session down while the sinks are still connected so the
	// final DEVICE events reach them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil && !errors.Is(err, device.ErrStopped) {
		log.Warn("session shutdown failed", "error", err)
	}

	log.Info("WearLink Core stopped")
	return nil
}

// openJournal opens the history database when enabled. The returned close
// function is always safe to call.
func openJournal(ctx context.Context, cfg *config.Config, log *logging.Logger) (*history.Journal, func(), error) {
	if !cfg.Database.Enabled {
		log.Info("event history disabled")
		return nil, func() {}, nil
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	closeDB := func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path())

	journal := history.NewJournal(db.DB)
	journal.SetLogger(log)

	if days := cfg.Database.RetentionDays; days > 0 {
		go journal.Run(ctx, time.Duration(days)*24*time.Hour, 0)
	}
	return journal, closeDB, nil
}

// connectMQTT connects when enabled. A nil client means MQTT is off.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectInflux connects when enabled. A nil client means metrics are off.
func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// transportFactory builds the transport for each session's endpoint.
func transportFactory(cfg *config.Config, log *logging.Logger) transport.Factory {
	return func(endpoint transport.Endpoint) (transport.Transport, error) {
		switch endpoint {
		case transport.EndpointTethered:
			t := tethered.New(tethered.Config{
				URL:            cfg.Transport.Tethered.URL,
				DialTimeout:    time.Duration(cfg.Transport.Tethered.DialTimeout) * time.Second,
				RequestTimeout: time.Duration(cfg.Transport.Tethered.RequestTimeout) * time.Second,
			})
			t.SetLogger(log)
			return t, nil
		case transport.EndpointWireless:
			t := bluez.New(bluez.Config{
				Adapter:      cfg.Transport.BlueZ.Adapter,
				AgentBusName: cfg.Transport.BlueZ.AgentBusName,
				AgentPath:    cfg.Transport.BlueZ.AgentPath,
			})
			t.SetLogger(log)
			return t, nil
		default:
			return nil, fmt.Errorf("unknown transport endpoint %q", endpoint)
		}
	}
}

// simulatorHarness wraps debug-variant transports with synthetic replies.
func simulatorHarness(cfg *config.Config, log *logging.Logger) device.Harness {
	hcfg := simulator.Config{
		DebugAppID: cfg.Session.DebugAppID,
		MinDelay:   time.Duration(cfg.Simulator.MinDelay) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Simulator.MaxDelay) * time.Millisecond,
		Markers:    cfg.Simulator.Markers,
	}
	return func(t transport.Transport, appID string) (transport.Transport, error) {
		wrapped, err := simulator.Wrap(t, appID, hcfg)
		if err != nil {
			return nil, err
		}
		wrapped.SetLogger(log)
		return wrapped, nil
	}
}

// startSimulator launches the managed simulator and waits for its endpoint.
// A simulator that is slow to come up is logged, not fatal: the session
// reports the failure when it is initialised.
func startSimulator(ctx context.Context, cfg *config.Config, log *logging.Logger) (*process.Manager, error) {
	pcfg, err := process.SimulatorConfig(cfg.Simulator.Process, cfg.Transport.Tethered.URL)
	if err != nil {
		return nil, fmt.Errorf("configuring simulator: %w", err)
	}

	manager := process.NewManager(pcfg)
	manager.SetLogger(log)
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting simulator: %w", err)
	}

	if err := manager.WaitReady(ctx, simulatorReadyTimeout); err != nil {
		log.Warn("simulator not ready", "error", err)
	}
	return manager, nil
}

// autoInitialize opens the configured session at startup.
func autoInitialize(ctx context.Context, registry *device.Registry, session device.Session, log *logging.Logger) {
	result, err := registry.Initialize(ctx, session)
	switch {
	case err != nil:
		log.Error("automatic session initialise failed", "error", err)
	case !result.Success:
		log.Warn("automatic session initialise rejected", "message", result.Message)
	default:
		log.Info("session initialised",
			"simulator", result.Simulator,
			"debug_application", result.DebugApplication,
		)
	}
}

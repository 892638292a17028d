// AquaSync Core - RO Water Purifier Fleet Backend
//
// This is the main entry point for the AquaSync Core service. It
// reconciles MQTT telemetry from field devices with per-device
// records, correlates control commands with acknowledgments, derives
// liveness, accumulates daily usage, enforces subscription windows,
// and fans state changes out to WebSocket observers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aquasync/aquasync-core/internal/api"
	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/engine"
	"github.com/aquasync/aquasync-core/internal/fanout"
	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
	"github.com/aquasync/aquasync-core/internal/infrastructure/docstore"
	"github.com/aquasync/aquasync-core/internal/infrastructure/influxdb"
	"github.com/aquasync/aquasync-core/internal/infrastructure/logging"
	"github.com/aquasync/aquasync-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AquaSync Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the document store
	store, err := docstore.Open(cfg.Docstore)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer func() {
		log.Info("closing document store")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing document store", "error", closeErr)
		}
	}()
	log.Info("document store opened", "path", cfg.Docstore.Path)

	deviceRepo := device.NewRepository(store)

	// Connect to the MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional usage mirror)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Observer fanout hub
	hub := fanout.NewHub(cfg.WebSocket, log)

	// Synchronization engine
	engineOpts := engine.Options{
		Engine:       cfg.Engine,
		Subscription: cfg.Subscription,
		Store:        deviceRepo,
		Publisher:    mqttClient,
		Broadcaster:  hub,
		Logger:       log,
	}
	if influxClient != nil {
		engineOpts.Usage = influxClient
	}
	eng := engine.New(engineOpts)

	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("loading engine state: %w", err)
	}

	// Subscribe to all device status topics
	topics := mqtt.Topics{}
	if err := mqttClient.Subscribe(topics.AllDeviceStatus(), byte(cfg.MQTT.QoS), eng.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}
	log.Info("subscribed to device status topics", "pattern", topics.AllDeviceStatus())

	// Background loops: hub lifecycle and the engine's periodic work
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	// Administrative HTTP surface
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		Logger:  log,
		Core:    eng,
		Devices: deviceRepo,
		WS:      hub,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, store, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	wg.Wait()

	log.Info("AquaSync Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AQUASYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AQUASYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, store *docstore.SQLite, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("docstore: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

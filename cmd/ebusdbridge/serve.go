package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/ebusd-bridge/migrations"

	"github.com/nerrad567/ebusd-bridge/internal/api"
	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/database"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/mqtt"
)

// run is the bridge's application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ebusd bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, _ := db.SchemaVersion(ctx) //nolint:errcheck // informational only
	log.Info("database migrations complete", "schema_version", schema)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	validator, err := ebusd.NewCatalogValidator()
	if err != nil {
		return fmt.Errorf("compiling catalog schema: %w", err)
	}

	gateway := ebusd.NewGateway(cfg.Ebusd.Host, cfg.Ebusd.Port, ebusd.GatewayOptions{
		Timeout: time.Duration(cfg.Ebusd.RequestTimeout) * time.Second,
	})

	// The bridge owns the Last Will payload, so it is created before the
	// MQTT connection and the adapter is attached once connected.
	adapter := &mqttBridgeAdapter{}
	bridge, err := ebusd.NewBridge(ebusd.BridgeOptions{
		Config:     bridgeConfig(cfg),
		MQTT:       adapter,
		Gateway:    gateway,
		Repository: ebusd.NewSQLiteRepository(db.DB),
		Validator:  validator,
		Metrics:    ebusd.NewMetrics(registry),
		Logger:     log.Component("ebusd"),
	})
	if err != nil {
		return fmt.Errorf("creating ebusd bridge: %w", err)
	}

	lwtTopic, lwtPayload, err := bridge.LWT()
	if err != nil {
		return fmt.Errorf("building last will: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:    lwtTopic,
		Payload:  lwtPayload,
		QoS:      1,
		Retained: true,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	adapter.attach(mqttClient)
	log.Info("MQTT connected",
		"broker", mqttClient.BrokerURL(),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.HandleConnectionChange(true)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		bridge.HandleConnectionChange(false)
	})

	// Health snapshots go to every optional sink that is enabled.
	var healthSinks healthFanout

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, influxdb.Options{BridgeID: cfg.Bridge.ID})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "dropped_values", influxClient.Dropped())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		bridge.AddSink(influxSink{client: influxClient})
		healthSinks = append(healthSinks, influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the REST API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log.Component("api"),
			Bridge:     api.NewBridgeService(bridge),
			MQTT:       mqttClient,
			DB:         db.DB,
			Gatherer:   registry,
			Registerer: registry,
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		bridge.AddSink(server.Hub())
		healthSinks = append(healthSinks, server.Hub())
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting ebusd bridge: %w", err)
	}
	defer bridge.Stop()

	if len(healthSinks) > 0 {
		go recordHealth(ctx, bridge, healthSinks, cfg.HealthInterval())
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: bridge, API, InfluxDB, MQTT, database.
	log.Info("ebusd bridge stopped")
	return nil
}

// bridgeConfig maps the file configuration onto the bridge's own.
func bridgeConfig(cfg *config.Config) *ebusd.Config {
	circuits := make([]ebusd.CircuitConfig, 0, len(cfg.Ebusd.Circuits))
	for _, c := range cfg.Ebusd.Circuits {
		circuits = append(circuits, ebusd.CircuitConfig{
			Name:           c.Name,
			UpdateInterval: c.UpdateEvery(),
			AutoFetch:      c.AutoFetch,
		})
	}

	return &ebusd.Config{
		BridgeID:    cfg.Bridge.ID,
		Version:     version,
		TopicPrefix: cfg.Bridge.TopicPrefix,
		GroupTopic:  cfg.Ebusd.GroupTopic,
		Host:        cfg.Ebusd.Host,
		Port:        cfg.Ebusd.Port,
		Circuits:    circuits,
		Labels: ebusd.LabelOptions{
			From: cfg.Ebusd.Labels.From,
			To:   cfg.Ebusd.Labels.To,
		},
		Backoff: ebusd.Backoff{
			Min: time.Duration(cfg.Ebusd.Backoff.Min) * time.Second,
			Max: time.Duration(cfg.Ebusd.Backoff.Max) * time.Second,
		},
		HealthInterval: cfg.HealthInterval(),
	}
}

// healthSource is the part of the bridge recordHealth needs.
type healthSource interface {
	CircuitHealth() []ebusd.CircuitHealth
}

// healthWriter receives circuit health snapshots: the InfluxDB client and
// the WebSocket hub both implement it.
type healthWriter interface {
	WriteHealth(circuit, status string, code int, at time.Time)
}

type healthFanout []healthWriter

func (f healthFanout) WriteHealth(circuit, status string, code int, at time.Time) {
	for _, w := range f {
		w.WriteHealth(circuit, status, code, at)
	}
}

// recordHealth writes every circuit's status to w each interval until ctx
// is cancelled.
func recordHealth(ctx context.Context, src healthSource, w healthWriter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			writeHealth(src, w, now)
		}
	}
}

func writeHealth(src healthSource, w healthWriter, at time.Time) {
	for _, h := range src.CircuitHealth() {
		w.WriteHealth(h.Circuit, h.Status.String(), h.Code, at)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
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

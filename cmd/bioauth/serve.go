package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/api"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/influxdb"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/logging"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/mqtt"
	"github.com/KelvinOps/bioauthentication/internal/reconcile"
)

// realtimeRetryInterval is how often serve checks that realtime events are
// still registered on the live connection.
const realtimeRetryInterval = 30 * time.Second

// run is the serve command, separated from cobra for testability.
// It blocks until ctx is cancelled.
func run(ctx context.Context, path string) error {
	a, err := newApp(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		a.log.Info("closing device connection and database")
		a.Close()
	}()
	cfg, log := a.cfg, a.log

	log.Info("starting bioauth",
		"version", version,
		"commit", commit,
		"build_date", date,
		"device", a.device.Config().Address(),
	)

	checks := map[string]api.HealthChecker{"database": a.db}
	var syncOpts []reconcile.SyncerOption

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

		checks["mqtt"] = mqttClient
		syncOpts = append(syncOpts, reconcile.WithPublisher(mqttClient))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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

		checks["influxdb"] = influxClient
		syncOpts = append(syncOpts, reconcile.WithMetrics(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub outlives the API server so the syncer can broadcast into it.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)
	syncOpts = append(syncOpts, reconcile.WithBroadcaster(hub))

	syncer := a.newSyncer(syncOpts...)

	if cfg.Sync.AutoEnabled {
		scheduler := reconcile.NewScheduler(syncer, cfg.Sync.Interval, log.Component("scheduler"))
		scheduler.Start(ctx)
		defer scheduler.Stop()
	} else {
		log.Info("auto sync disabled")
	}

	a.device.SetOnPunch(func(p zkteco.Punch) {
		syncer.HandlePunch(ctx, p)
	})
	go keepRealtime(ctx, a.device, realtimeRetryInterval, log)
	defer a.device.DisableRealtimeEvents(context.WithoutCancel(ctx))

	if mqttClient != nil {
		deviceID := syncer.Config().DeviceID
		topic := mqtt.Topics{}.SyncRequest(deviceID)
		//nolint:gosec // qos validated to 0-2 by config
		if subErr := mqttClient.Subscribe(topic, byte(cfg.MQTT.QoS), syncRequestHandler(ctx, syncer, log)); subErr != nil {
			return fmt.Errorf("subscribing to sync requests: %w", subErr)
		}
		log.Info("listening for sync requests", "topic", topic)
	}

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Syncer:  syncer,
			Repo:    a.repo,
			Hub:     hub,
			Checks:  checks,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
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

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, realtime, scheduler, InfluxDB,
	// MQTT, then the device and database.
	return nil
}

// keepRealtime arms realtime events and re-arms them every interval while
// the device is not delivering them, until ctx is cancelled. A reconnect by
// Ping or a retrying sync counts as lost registration.
func keepRealtime(ctx context.Context, device zkteco.Device, interval time.Duration, log *logging.Logger) {
	arm := func() {
		if device.RealtimeEnabled() {
			return
		}
		if !device.IsConnected() {
			if err := device.Connect(ctx); err != nil {
				log.Warn("device unreachable, realtime feed paused", "error", err)
				return
			}
		}
		// The connection may be shared with a running sync, so a rejected
		// registration is only retried, never torn down.
		if err := device.EnableRealtimeEvents(ctx); err != nil {
			log.Warn("enabling realtime events failed", "error", err)
		}
	}

	arm()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			arm()
		}
	}
}

// syncRequestHandler starts an attendance sync for each MQTT sync request.
// A request that arrives during a run is dropped.
func syncRequestHandler(ctx context.Context, syncer reconcile.AttendanceSyncer, log *logging.Logger) mqtt.MessageHandler {
	return func(topic string, _ []byte) error {
		log.Info("sync requested over MQTT", "topic", topic)
		go func() {
			res, err := syncer.SyncAttendance(ctx)
			switch {
			case errors.Is(err, reconcile.ErrSyncInProgress):
				log.Info("sync request ignored, run already in progress")
			case err != nil:
				log.Warn("requested sync failed", "sync_id", res.SyncID, "error", err)
			}
		}()
		return nil
	}
}

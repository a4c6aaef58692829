package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/config"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/database"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/logging"
	"github.com/KelvinOps/bioauthentication/internal/reconcile"
	_ "github.com/KelvinOps/bioauthentication/migrations"
)

// app holds the components every command needs.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	db     *database.DB
	repo   *attendance.SQLiteRepository
	device *zkteco.Client
}

// newApp loads configuration, opens and migrates the database and creates
// a disconnected device client. The caller must call Close.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		repo:   attendance.NewSQLiteRepository(db.DB),
		device: zkteco.NewClient(deviceConfig(cfg.Device), zkteco.WithLogger(log.Component("zkteco"))),
	}, nil
}

// Close disconnects the device and closes the database.
func (a *app) Close() {
	a.device.Disconnect()
	if err := a.db.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
}

// newSyncer creates a Syncer for the configured device.
func (a *app) newSyncer(opts ...reconcile.SyncerOption) *reconcile.Syncer {
	opts = append([]reconcile.SyncerOption{reconcile.WithSyncLogger(a.log.Component("sync"))}, opts...)
	return reconcile.NewSyncer(a.device, a.repo, syncerConfig(a.cfg), opts...)
}

func deviceConfig(d config.DeviceConfig) zkteco.Config {
	return zkteco.Config{
		IP:         d.IP,
		Port:       d.Port,
		DeviceID:   d.DeviceID,
		CommKey:    d.CommKey,
		Timeout:    d.Timeout,
		CaptureDir: d.CaptureDir,
	}
}

func syncerConfig(cfg *config.Config) reconcile.SyncerConfig {
	return reconcile.SyncerConfig{
		DeviceIP:    cfg.Device.IP,
		DevicePort:  cfg.Device.Port,
		DeviceID:    strconv.Itoa(cfg.Device.DeviceID),
		DeviceName:  cfg.Device.Name,
		DeviceModel: cfg.Device.Model,
		Retry:       cfg.Sync.Retry,
		StaleAfter:  cfg.Sync.StaleAfter,
	}
}

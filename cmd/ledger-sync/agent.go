package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ledger/internal/backend"
	"github.com/MarcoPoloResearchLab/ledger/internal/config"
	"github.com/MarcoPoloResearchLab/ledger/internal/database"
	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/ledger/internal/logging"
	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// agent holds the offline core wired against the local SQLite store and the
// remote data service.
type agent struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	monitor *offline.StatusMonitor
	client  *backend.Client
	tokens  *auth.SessionTokenVault
	queue   *offline.Queue
	cache   *offline.Cache
	driver  *offline.Driver
	access  *offline.Access
	prober  *offline.ConnectivityProber
}

func loadAgent() (*agent, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	built, err := newAgent(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return built, nil
}

func newAgent(appConfig config.AppConfig, logger *zap.Logger) (*agent, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	built, err := wireAgent(appConfig, logger, db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return built, nil
}

func wireAgent(appConfig config.AppConfig, logger *zap.Logger, db *gorm.DB) (*agent, error) {
	store, err := kvstore.NewSQLiteStore(db, time.Now)
	if err != nil {
		return nil, err
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL: appConfig.BackendURL,
		APIKey:  appConfig.BackendAPIKey,
		Timeout: appConfig.BackendTimeout,
		Logger:  logger.Named("backend"),
	})
	if err != nil {
		return nil, err
	}

	// Session tokens are held in memory, so user-owned changes queued before
	// a restart wait until their owner calls the API again.
	tokens := auth.NewSessionTokenVault(time.Now)

	// Offline until the first probe answers.
	monitor := offline.NewStatusMonitor(false)

	queue, err := offline.NewQueue(offline.QueueConfig{
		Store:  store,
		Clock:  time.Now,
		Logger: logger.Named("queue"),
	})
	if err != nil {
		return nil, err
	}

	cache, err := offline.NewCache(offline.CacheConfig{
		Store:  store,
		Prefix: appConfig.CachePrefix,
		Logger: logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}

	driver, err := offline.NewDriver(offline.DriverConfig{
		Queue:            queue,
		Backend:          client,
		Store:            store,
		Connectivity:     monitor,
		Leaser:           store,
		Credentials:      backend.NewReplayCredentials(tokens),
		LeaseTTL:         appConfig.LeaseTTL,
		OperationTimeout: appConfig.OperationTimeout,
		Backoff:          offline.BackoffPolicy{Base: appConfig.BackoffBase, Max: appConfig.BackoffMax},
		StuckAfter:       appConfig.StuckAfter,
		Clock:            time.Now,
		Logger:           logger.Named("sync"),
	})
	if err != nil {
		return nil, err
	}

	access, err := offline.NewAccess(offline.AccessConfig{
		Connectivity: monitor,
		Queue:        queue,
		Cache:        cache,
		Driver:       driver,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	prober, err := offline.NewConnectivityProber(offline.ProberConfig{
		Monitor:  monitor,
		Pinger:   client,
		Interval: appConfig.ProbeInterval,
		Timeout:  appConfig.ProbeTimeout,
		Logger:   logger.Named("connectivity"),
	})
	if err != nil {
		return nil, err
	}

	return &agent{
		config:  appConfig,
		logger:  logger,
		db:      db,
		monitor: monitor,
		client:  client,
		tokens:  tokens,
		queue:   queue,
		cache:   cache,
		driver:  driver,
		access:  access,
		prober:  prober,
	}, nil
}

func (a *agent) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			a.logger.Warn("failed to close database", zap.Error(closeErr))
		}
	}
	_ = a.logger.Sync()
}

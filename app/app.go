// Package app assembles stores, the activity API client and the workflow services for
// the service and job binaries.
package app

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/assessment_monitor/api"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/memstore"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/sources"
	"bitbucket.org/mmdatafocus/assessment_monitor/workflow"
	"github.com/sirupsen/logrus"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type Options struct {
	// Store is "mysql" (default) or "memory".
	Store string
	// Migrate runs AutoMigrate after connecting to MySQL.
	Migrate bool
	// Redis enables the distributed run lock and the last-run cache.
	Redis bool
}

type App struct {
	Settings config.MonitorSettings
	Logger   *logrus.Logger

	Monitors workflow.MonitorStore
	Ghosts   workflow.GhostStore
	Source   *sources.Client

	Live      *workflow.LiveMonitorService
	Detection *workflow.GhostDetectionService
	Closures  *workflow.ClosureListener

	channel *workflow.ChannelDispatcher
}

// Build connects what opts asks for and wires the services. Closure events go through an
// in-process ChannelDispatcher unless CLOSURE_EVENT_TRANSPORT=pubsub.
func Build(ctx context.Context, opts Options) (*App, error) {
	a := &App{
		Settings: config.LoadMonitorSettings(),
		Logger:   config.GetLogger(),
	}

	switch opts.Store {
	case StoreMemory:
		store := memstore.New()
		a.Monitors = store
		a.Ghosts = store
	case "", StoreMySQL:
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			return nil, fmt.Errorf("database not initialized")
		}
		if opts.Migrate {
			if err := models.Migrate(db); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Monitors = models.NewMonitorRepository(db)
		a.Ghosts = models.NewGhostRepository(db)
	default:
		return nil, fmt.Errorf("unknown store %q", opts.Store)
	}

	if opts.Redis {
		config.ConnectRedisWithRetry()
	}

	source, err := sources.NewClientFromEnv(a.Settings)
	if err != nil {
		return nil, err
	}
	a.Source = source

	a.Detection = workflow.NewGhostDetectionService(a.Ghosts, source, source, a.Logger, a.Settings)
	a.Closures = workflow.NewClosureListener(a.Detection, a.Monitors, a.Logger)

	var dispatcher workflow.ClosureDispatcher
	if a.Settings.ClosureTransport == config.ClosureTransportPubSub {
		if config.EnvBool("CLOSURE_EVENT_CREATE_TOPIC", false) {
			client, err := config.GetClient(ctx)
			if err != nil {
				return nil, err
			}
			if _, err := config.CreateTopicIfNotExists(ctx, client, a.Settings.ClosureTopic); err != nil {
				return nil, err
			}
		}
		dispatcher = workflow.NewPubSubDispatcher(a.Settings.ClosureTopic)
	} else {
		a.channel = workflow.NewChannelDispatcher(a.Closures, a.Logger, 0)
		a.channel.Start(ctx)
		dispatcher = a.channel
	}

	a.Live = workflow.NewLiveMonitorService(a.Monitors, source, source, dispatcher, a.Logger, a.Settings)
	if opts.Redis && config.GetRedisLock() != nil {
		a.Live.Locker = workflow.NewRedisLocker(config.GetRedisLock())
	}
	return a, nil
}

// Handlers exposes the services to the HTTP layer.
func (a *App) Handlers() *api.Handlers {
	return &api.Handlers{
		Monitor:  a.Live,
		Monitors: a.Monitors,
		Ghosts:   a.Detection,
		Periods:  a.Detection,
		Evidence: a.Ghosts,
		Closures: a.Closures,
		Logger:   a.Logger,
	}
}

// Close drains queued closure events and releases the database pool.
func (a *App) Close() {
	if a.channel != nil {
		a.channel.Close()
	}
	if db := config.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

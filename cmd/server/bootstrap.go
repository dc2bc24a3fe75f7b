package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/api"
	"github.com/charlesng35/rentdesk/internal/app"
	"github.com/charlesng35/rentdesk/internal/app/maintenance"
	"github.com/charlesng35/rentdesk/internal/database"
	"github.com/charlesng35/rentdesk/internal/offline"
	"github.com/charlesng35/rentdesk/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Dispatcher *offline.Dispatcher
	Scheduler  *maintenance.Scheduler
	Router     *gin.Engine

	drainOnShutdown bool
}

// bootstrapRuntime initialises the database, the offline subsystem, the sync
// schedule and the HTTP router. With cache.install_on_start the current cache
// generation is installed and activated before the router is returned.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, deps offline.Deps, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{drainOnShutdown: cfg.Sync.DrainOnShutdown}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// GIN_DEBUG=true keeps gin in debug mode
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	deps.DB = stack.DB
	stack.Dispatcher, err = offline.Bootstrap(cfg.OfflineConfig(), deps)
	if err != nil {
		return nil, fmt.Errorf("initialise offline subsystem: %w", err)
	}

	if cfg.Cache.InstallOnStart {
		if err := stack.Dispatcher.Install(ctx); err != nil {
			return nil, err
		}
		if err := stack.Dispatcher.Activate(ctx); err != nil {
			return nil, err
		}
		log.Info("cache generation ready", zap.String("version", stack.Dispatcher.Version()))
	}

	if cfg.Sync.Enabled {
		stack.Scheduler = maintenance.NewScheduler(stack.Dispatcher, maintenance.WithSchedule(cfg.Sync.Schedule))
		if err := stack.Scheduler.Start(); err != nil {
			return nil, fmt.Errorf("start sync schedule: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(stack.DB, cfg, stack.Dispatcher)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown stops the sync schedule, optionally drains the queue one last time
// and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Scheduler != nil {
		<-s.Scheduler.Stop().Done()
		if s.drainOnShutdown {
			if err := s.Scheduler.RunOnce(ctx); err != nil {
				log.Warn("shutdown drain failed", zap.Error(err))
			}
		}
	}

	if s.Dispatcher != nil {
		if err := s.Dispatcher.Close(); err != nil {
			log.Warn("offline shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}

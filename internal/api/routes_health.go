package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/app"
	"github.com/charlesng35/rentdesk/internal/handlers"
	"github.com/charlesng35/rentdesk/internal/monitoring"
	"github.com/charlesng35/rentdesk/internal/monitoring/checks"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, db *gorm.DB, dispatcher handlers.Dispatcher) {
	if cfg == nil {
		return
	}

	if !cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.HealthDisabled)
		r.GET("/health/live", handlers.HealthDisabled)
		r.GET("/health/ready", handlers.HealthDisabled)
		return
	}

	manager := monitoring.NewHealthManager(cfg.Monitoring.Health.Timeout)
	manager.RegisterLiveness(monitoring.NewCheck("process", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	manager.RegisterReadiness(checks.Database(db))
	manager.RegisterReadiness(checks.Queue(dispatcher, cfg.Queue.MaxEntries))
	manager.RegisterReadiness(checks.Cache(dispatcher))

	r.GET("/health", handlers.Health(manager))
	r.GET("/health/live", handlers.Liveness(manager))
	r.GET("/health/ready", handlers.Readiness(manager))
}

package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/app"
	"github.com/charlesng35/rentdesk/internal/handlers"
	"github.com/charlesng35/rentdesk/internal/middleware"
)

// edgePrefix namespaces edge-control routes; nothing under it is proxied.
const edgePrefix = "/edge/"

// NewRouter builds the Gin engine, wires middleware and registers the edge
// routes. Every unmatched route is proxied to the origin through the cache.
func NewRouter(db *gorm.DB, cfg *app.Config, dispatcher handlers.Dispatcher) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	edgeHandler, err := handlers.NewEdgeHandler(dispatcher)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.HandleMethodNotAllowed = false

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, cfg, db, dispatcher)
	registerMonitoringRoutes(r, cfg)

	edge := r.Group(strings.TrimSuffix(edgePrefix, "/"))
	{
		edge.POST("/queue", edgeHandler.Enqueue)
		edge.GET("/queue", edgeHandler.Pending)
		edge.POST("/sync", edgeHandler.Sync)
		edge.POST("/lifecycle/install", edgeHandler.Install)
		edge.POST("/lifecycle/activate", edgeHandler.Activate)
	}

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, edgePrefix) {
			middleware.NotFoundHandler(c)
			return
		}
		edgeHandler.Proxy(c)
	})

	return r, nil
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"imaging-backend/internal/shared/config"
	"imaging-backend/internal/shared/metrics"
	"imaging-backend/internal/shared/server/middleware"
	"imaging-backend/internal/shared/server/respond"
	"imaging-backend/internal/studies"
	"imaging-backend/internal/uploads"
)

// RouterDeps carries the handlers the router wires up.
type RouterDeps struct {
	Config         config.Config
	StudiesHandler *studies.Handler
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: "DEFAULT",
			GroupFor: func(c *gin.Context) string {
				if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/studies/:id/poll" {
					return "POLLING"
				}
				return "DEFAULT"
			},
			Rules: map[string]middleware.RateLimitRule{
				// Polls arrive on a schedule per in-flight study, so they get
				// more headroom than interactive requests.
				"DEFAULT": {Rate: 5, Burst: 20},
				"POLLING": {Rate: 20, Burst: 60},
			},
		}),
	)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/metrics", metrics.Handler())

	if deps.StudiesHandler != nil {
		deps.StudiesHandler.RegisterRoutes(api)
	}
	uploads.RegisterRoutes(api)

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}

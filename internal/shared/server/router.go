package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smile-backend/internal/account"
	"smile-backend/internal/cases"
	"smile-backend/internal/services/health"
	"smile-backend/internal/shared/config"
	"smile-backend/internal/shared/metrics"
	"smile-backend/internal/shared/server/middleware"
	"smile-backend/internal/shared/server/respond"
	"smile-backend/internal/uploads"
	"smile-backend/internal/usage"
)

// RouterDeps carries the handlers the router mounts. Bootstrap owns
// construction; the router only wires middleware and routes.
type RouterDeps struct {
	Config         config.Config
	CaseHandler    *cases.Handler
	UsageHandler   *usage.Handler
	AccountHandler *account.Handler
	Health         *health.Service
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
		middleware.Auth(deps.Config.Env),
		middleware.RateLimit(rateLimits()),
	)

	r.GET("/metrics", metrics.Handler())

	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, healthSvc.Status())
	})
	registerMeRoutes(api)
	uploads.RegisterRoutes(api)
	if deps.CaseHandler != nil {
		deps.CaseHandler.RegisterRoutes(api)
	}
	if deps.AccountHandler != nil {
		deps.AccountHandler.RegisterRoutes(api)
	}
	if deps.UsageHandler != nil {
		deps.UsageHandler.RegisterRoutes(api)
		if deps.Config.Env == "dev" {
			dev := api.Group("/dev")
			deps.UsageHandler.RegisterDevRoutes(dev)
		}
	}

	return r
}

// rateLimits throttles case submission harder than status polling. Poll
// requests also pass through the per-case limiter inside the cases handler.
func rateLimits() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		DefaultGroup: "DEFAULT",
		Rules: map[string]middleware.RateLimitRule{
			"DEFAULT":     {Rate: 5, Burst: 20},
			"CASE_CREATE": {Rate: 0.5, Burst: 3},
			"POLLING":     {Rate: 5, Burst: 10},
		},
		GroupFor: func(c *gin.Context) string {
			switch {
			case c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/cases":
				return "CASE_CREATE"
			case c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/cases/:id":
				return "POLLING"
			}
			return "DEFAULT"
		},
	}
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

package federationapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig configures the gin.Engine built by NewRouter.
type RouterConfig struct {
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
}

// NewRouter builds the tafed HTTP surface: the federation query group
// (public, rate-limited, no admin mutation) and the admin group (CRUD over
// subordinates/trust marks), both behind the same CORS and metrics
// middleware, following the teacher's cmd/registry/main.go router assembly.
func NewRouter(cfg RouterConfig, federation *Handler, admin *AdminHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(PrometheusMiddleware())
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	router.GET("/metrics", MetricsHandler())
	router.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	federation.Register(router)

	adminGroup := router.Group("/admin")
	admin.Register(adminGroup)

	return router
}

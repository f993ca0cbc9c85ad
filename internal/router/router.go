package router

import (
	"net/http"
	"strconv"
	"strings"

	"cicada/internal/config"
	"cicada/internal/handlers"
	"cicada/internal/ledger"
	"cicada/internal/middleware"
	"cicada/internal/psk"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies are the components the HTTP surface reads from.
type Dependencies struct {
	Config  *config.Config
	Plugin  ledger.Plugin
	Secret  psk.Secret
	Tracker *psk.Tracker
	// Notifier is nil when notifications are disabled
	Notifier handlers.NotifierStatus
	Logger   *logrus.Logger
}

// corsMiddleware CORS middleware; an allowed origin list of "*" allows every origin
func corsMiddleware(cfg config.CORSConfig, logger *logrus.Logger) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	maxAge := 3600
	if cfg.MaxAge > 0 {
		maxAge = cfg.MaxAge
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		case origin != "":
			logger.WithFields(logrus.Fields{
				"request_origin": origin,
				"path":           c.Request.URL.Path,
				"remote_addr":    c.ClientIP(),
			}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs every request at debug level
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(logrus.Fields{
			"path":        c.Request.URL.Path,
			"method":      c.Request.Method,
			"status":      c.Writer.Status(),
			"remote_addr": c.ClientIP(),
		}).Debug("HTTP request")
	}
}

func SetupRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))
	r.Use(corsMiddleware(deps.Config.CORS, deps.Logger))

	if len(deps.Config.Admin.AllowedIPs) > 0 {
		deps.Logger.WithFields(logrus.Fields{
			"allowed_ips": deps.Config.Admin.AllowedIPs,
			"count":       len(deps.Config.Admin.AllowedIPs),
		}).Info("Admin API IP whitelist configured")
	} else {
		deps.Logger.Info("No admin.allowedIPs configured, using localhost-only mode")
	}
	localhostOnly := middleware.NewLocalhostOnly(deps.Logger, deps.Config.Admin.AllowedIPs)

	// ============ SPSP ============
	spsp := handlers.NewSPSPHandler(deps.Plugin, deps.Secret, deps.Config.Receiver, deps.Logger)
	r.GET("/", spsp.Query)

	webfinger := handlers.NewWebfingerHandler(deps.Plugin, deps.Config.ILP.SPSPServerURL)
	r.GET("/.well-known/webfinger", webfinger.Lookup)

	// ============ Health Check ============
	r.GET("/api/health", handlers.HealthCheckHandler(deps.Plugin))

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ Admin (localhost only) ============
	status := handlers.NewStatusHandler(deps.Plugin, deps.Tracker, deps.Notifier)
	r.GET("/admin/status", localhostOnly.Restrict(), status.Status)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Endpoint not found",
			"code":    "NOT_FOUND",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

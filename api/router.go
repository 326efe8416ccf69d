package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewRouter wires the monitor routes. The closure push route is only mounted when a
// closure handler is set.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(correlationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	if h.Logger != nil {
		r.Use(customErrorLogger(h.Logger))
	}
	r.Use(gin.Recovery())

	r.POST("/api/monitor/daily-snapshot", TriggerDailySnapshotHandler(h))
	r.GET("/api/monitor/last-run", LastRunHandler(h))
	if h.Monitors != nil {
		r.GET("/api/monitor/assessments/:job_guid", MonitorHandler(h))
	}
	r.POST("/api/ghost/check", GhostCheckHandler(h))
	r.POST("/api/ghost/compare", GhostCompareHandler(h))
	r.GET("/api/ghost/evidence", EvidenceHandler(h))
	if h.Periods != nil {
		r.POST("/api/ghost/periods/:id/resolve", ResolvePeriodHandler(h))
	}

	if h.Closures != nil {
		r.POST("/pubsub/assessment-closed", ClosurePushHandler(h.Closures, h.Logger))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func correlationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	cfg.AddExposeHeaders("Content-Length")
	return cfg
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

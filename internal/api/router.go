package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the HTTP engine.
type Options struct {
	Logger            *zap.Logger
	Gatherer          prometheus.Gatherer
	RequestsPerSecond float64
	Burst             int
	CORSOrigin        string
}

// NewEngine builds the gin engine with every route mounted.
func NewEngine(g Guardian, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}

	r := gin.New()
	r.Use(gin.Recovery(), Logger(opts.Logger.Named("http")), CORS(opts.CORSOrigin))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &Handler{Guard: g}
	v1 := r.Group("/api/v1")
	v1.Use(NewRateLimiter(opts.RequestsPerSecond, opts.Burst).Middleware())
	{
		v1.POST("/threats/classify", h.Classify)
		v1.GET("/intelligence", h.GetIntelligence)
		v1.DELETE("/intelligence", h.ResetIntelligence)

		v1.POST("/users/:user/entries", h.Admit)
		v1.GET("/users/:user/entries", h.EntryLog)
		v1.POST("/users/:user/items/:type", h.Deposit)

		v1.POST("/users/:user/exits", h.Initiate)
		v1.GET("/users/:user/exits", h.GetAttempts)
		v1.GET("/users/:user/exits/:exit", h.GetAttempt)
		v1.POST("/users/:user/exits/:exit/steps/:step", h.VerifyStep)
		v1.POST("/users/:user/exits/:exit/execute", h.Execute)

		v1.POST("/users/:user/violations", h.DetectViolation)
		v1.GET("/statistics", h.Statistics)
		v1.GET("/events", h.RecentEvents)

		v1.GET("/config", h.GetConfig)
		v1.PATCH("/config", h.UpdateConfig)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

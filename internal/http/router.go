// Package httpapi wires the HTTP transport (Gin) to the ingestion gate and
// the operator endpoints. It centralizes cross-cutting concerns: tracing,
// correlation IDs, redacted logging, panic recovery, metrics, CORS and
// security headers.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/config"
	"github.com/tbourn/go-site-agent/internal/http/handlers"
	"github.com/tbourn/go-site-agent/internal/http/middleware"
	"github.com/tbourn/go-site-agent/internal/services"
)

// Queue is the slice of the durable queue the HTTP layer needs.
type Queue interface {
	services.Enqueuer
	handlers.TaskService
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger (masks X-Webhook-Secret)
//  4. Recovery
//  5. Metrics
//  6. CORS and security headers
//
// The webhook route then applies, in order: body ceiling (413), shared
// secret (401), binding (400), rate limit (429), dedup, enqueue.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, limiter services.Limiter, q Queue, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	allowHeaders := []string{"Origin", "Content-Type", "Accept", middleware.HeaderWebhookSecret, "X-Request-ID"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	ingest := &services.IngestService{
		DB:      db,
		Limiter: limiter,
		Queue:   q,
		Log:     log.With().Str("component", "ingest").Logger(),
	}
	h := handlers.New(ingest, q)

	webhook := []gin.HandlerFunc{
		middleware.BodyLimit(cfg.MaxBodyBytes),
		middleware.WebhookAuth(cfg.WebhookSecret),
		h.Webhook,
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/webhook", webhook...)

		ops := api.Group("/tasks", middleware.WebhookAuth(cfg.WebhookSecret))
		ops.GET("/stats", h.TaskStats)
		ops.GET("", h.ListTasks)
	}
	// Bridges configured before the versioned path existed post to /webhook.
	if api.BasePath() != "/" {
		r.POST("/webhook", webhook...)
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

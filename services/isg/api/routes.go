// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/isg/services/isg/service"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isg_http_requests_total",
		Help: "HTTP requests served, by route and status",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isg_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName labels otelgin spans.
	ServiceName string

	// RateLimit is the sustained requests per second. 0 disables limiting.
	RateLimit float64

	// RateBurst is the limiter bucket size.
	RateBurst int

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	// Logger receives request logs.
	Logger *slog.Logger
}

// RateLimit returns middleware that rejects requests over the limit with
// 429 Too Many Requests.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// requestMetrics records request counts and latency per route template.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, http.StatusText(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// NewRouter builds the gin engine serving the ISG API.
func NewRouter(svc *service.Service, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "isg"
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(requestMetrics())
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		router.Use(RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	RegisterRoutes(router.Group("/v1"), NewHandlers(svc, cfg.Logger))
	return router
}

// RegisterRoutes registers the /v1/isg/* endpoints.
//
// Endpoints:
//
//	GET  /v1/isg/health
//	GET  /v1/isg/stats
//	GET  /v1/isg/node?ref=
//	GET  /v1/isg/search?name=
//	GET  /v1/isg/implementors?ref=
//	GET  /v1/isg/blast-radius?ref=&max_depth=&max_results=&edge_kinds=
//	GET  /v1/isg/cycles?edge_kinds=
//	GET  /v1/isg/context?ref=&hops=
//	POST /v1/isg/snapshot
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	isg := rg.Group("/isg")
	{
		isg.GET("/health", h.HandleHealth)
		isg.GET("/stats", h.HandleStats)
		isg.GET("/node", h.HandleNode)
		isg.GET("/search", h.HandleSearch)
		isg.GET("/implementors", h.HandleImplementors)
		isg.GET("/blast-radius", h.HandleBlastRadius)
		isg.GET("/cycles", h.HandleCycles)
		isg.GET("/context", h.HandleContext)
		isg.POST("/snapshot", h.HandleSnapshot)
	}
}

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clamav_mock_connections_total",
			Help: "Total number of accepted client connections",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clamav_mock_connections_active",
			Help: "Number of client connections currently being served",
		},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clamav_mock_commands_total",
			Help: "Total number of protocol commands by command name",
		},
		[]string{"command"},
	)

	sessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clamav_mock_sessions_created_total",
			Help: "Total number of IDSESSION sessions created",
		},
	)

	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clamav_mock_scans_total",
			Help: "Total number of INSTREAM scans by result status",
		},
		[]string{"status"},
	)

	scanBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clamav_mock_scan_bytes",
			Help:    "Aggregate payload size of INSTREAM scans in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clamav_mock_http_requests_total",
			Help: "Total number of admin HTTP requests by path and status code",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clamav_mock_http_request_duration_seconds",
			Help:    "Duration of admin HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	healthCheckStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clamav_mock_health_check_healthy",
			Help: "Whether the protocol listener answers a clamd client (1) or not (0)",
		},
	)
)

// recordScanMetrics records scan-specific metrics for one INSTREAM exchange
func recordScanMetrics(result *instreamResult) {
	if result == nil {
		return
	}
	scansTotal.WithLabelValues(result.Status).Inc()
	scanBytes.Observe(float64(result.Bytes))
}

// metricsMiddleware records HTTP request metrics for all admin endpoints.
// Skips /metrics (self-referential) and /api/health-check (high-frequency probe).
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "/metrics" || path == "/api/health-check" {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		elapsed := time.Since(start).Seconds()
		statusCode := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, statusCode).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed)
	}
}

// handleHealthCheck probes the protocol listener through a real clamd client
func handleHealthCheck(c *gin.Context) {
	logger := GetLogger()

	if err := pingSelf(); err != nil {
		healthCheckStatus.Set(0)
		logger.Warn("Health check failed", zap.Error(err))
		c.JSON(502, gin.H{
			"message": "clamd listener unavailable",
		})
		return
	}

	healthCheckStatus.Set(1)
	logger.Debug("Health check passed")
	c.JSON(200, gin.H{
		"message": "ok",
	})
}

func handleVersion(c *gin.Context) {
	c.JSON(200, gin.H{
		"version": Version,
		"commit":  CommitHash,
		"build":   BuildTime,
		"engine":  clamdVersionString,
	})
}

// newAdminRouter builds the admin HTTP surface: Prometheus metrics, a
// health check that round-trips the protocol listener, and build info.
func newAdminRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/health-check", handleHealthCheck)
	router.GET("/api/version", handleVersion)

	return router
}

// startAdminServer runs the admin HTTP server, reporting errors on errChan
func startAdminServer(errChan chan<- error) {
	router := newAdminRouter()

	addr := fmt.Sprintf("%s:%s", config.Host, config.AdminPort)
	GetLogger().Info("Starting admin HTTP server", zap.String("address", addr))
	if err := router.Run(addr); err != nil {
		errChan <- fmt.Errorf("admin server error: %w", err)
	}
}

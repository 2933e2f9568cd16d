package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// HabitToggles 按切换后的状态计数（completed / none）
	HabitToggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habit_toggles_total",
			Help: "Completion toggles by resulting day state",
		},
		[]string{"state"},
	)

	HabitSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "habit_skips_total",
			Help: "Days marked as skipped",
		},
	)

	HabitWriteConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habit_write_conflicts_total",
			Help: "Habit log writes rejected because of a concurrent writer",
		},
		[]string{"op"},
	)

	HabitWriteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "habit_write_retries_total",
			Help: "Habit log writes retried after a transient storage error",
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			HabitToggles,
			HabitSkips,
			HabitWriteConflicts,
			HabitWriteRetries,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

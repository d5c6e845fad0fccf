package middleware

import (
	"net/http"
	"strings"
	"time"

	"gerrit-slack-notifier/internal/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceHeader is echoed on every response.
const TraceHeader = "X-Trace-ID"

// requestTraceID prefers the Cloud Run trace, then a caller-supplied X-Trace-ID (Cloud Tasks
// runs forward the scheduler's), then a fresh uuid.
func requestTraceID(c *gin.Context) string {
	// Cloud Run format: "TRACE_ID/SPAN_ID;o=TRACE_TRUE"
	if cloudTrace := c.GetHeader("X-Cloud-Trace-Context"); cloudTrace != "" {
		traceID, _, _ := strings.Cut(cloudTrace, "/")
		return traceID
	}
	if traceID := c.GetHeader(TraceHeader); traceID != "" {
		return traceID
	}
	return uuid.NewString()
}

// LoggingMiddleware tags the request context with a trace id and the matched route, so handler
// logs (including summary runs started from the control API) carry them, and logs each request.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := requestTraceID(c)
		c.Set(string(log.TraceIDKey), traceID)
		c.Header(TraceHeader, traceID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := log.WithTraceID(c.Request.Context(), traceID)
		ctx = log.WithFields(ctx, log.LogFields{"http_method": c.Request.Method, "route": route})
		c.Request = c.Request.WithContext(ctx)

		startTime := time.Now()
		log.Debug(ctx, "Request started",
			"path", c.Request.URL.Path,
			"user_agent", c.Request.UserAgent(),
			"remote_addr", c.ClientIP(),
		)

		c.Next()

		status := c.Writer.Status()
		args := []any{"status", status, "duration_seconds", time.Since(startTime).Seconds()}
		if status >= http.StatusInternalServerError {
			log.Warn(ctx, "Request failed", args...)
			return
		}
		log.Info(ctx, "Request completed", args...)
	}
}

package logging

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationHeader carries the correlation id on requests and responses.
const CorrelationHeader = "X-Correlation-Id"

// MaxCorrelationIDLength matches the width of the stored correlation column.
const MaxCorrelationIDLength = 128

const (
	ginLoggerKey        = "logger"
	ginCorrelationIDKey = "correlation_id"
)

// CorrelationMiddleware takes the caller's correlation id, or generates one,
// echoes it on the response and attaches a tagged logger to the request.
// An id longer than MaxCorrelationIDLength is refused with 400; the response
// then carries a generated id instead.
func CorrelationMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if utf8.RuneCountInString(id) > MaxCorrelationIDLength {
			generated := uuid.NewString()
			c.Header(CorrelationHeader, generated)
			c.Set(ginCorrelationIDKey, generated)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("%s must be at most %d characters", CorrelationHeader, MaxCorrelationIDLength),
			})
			return
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)

		ctx, reqLogger := WithCorrelationID(c.Request.Context(), logger, id)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ginCorrelationIDKey, id)
		c.Set(ginLoggerKey, reqLogger)
		c.Next()
	}
}

// GinMiddleware logs every HTTP request once it completes
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("correlation_id", c.GetString(ginCorrelationIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// Recovery turns panics into a generic 500 and logs the detail
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.String("correlation_id", c.GetString(ginCorrelationIDKey)),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", err),
					zap.Stack("stacktrace"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// GinLogger returns the request logger set by CorrelationMiddleware
func GinLogger(c *gin.Context) *zap.Logger {
	if logger, ok := c.Get(ginLoggerKey); ok {
		if l, ok := logger.(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}

// GinCorrelationID returns the correlation id set by CorrelationMiddleware
func GinCorrelationID(c *gin.Context) string {
	return c.GetString(ginCorrelationIDKey)
}

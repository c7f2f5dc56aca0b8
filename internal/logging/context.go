package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace id stored by WithTraceContext.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// PairContext creates a logger for one pair evaluation
func PairContext(pair, exchange string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"pair":     pair,
		"exchange": exchange,
	}).WithComponent("engine")
}

// LotContext creates a logger for SMART_GUARD decisions on one lot
func LotContext(lotID, pair string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"lot_id": lotID,
		"pair":   pair,
	}).WithComponent("smart_guard")
}

// TradeContext creates a logger context for ledger operations on one fill
func TradeContext(exchange, pair, side string, amount, price float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"exchange": exchange,
		"pair":     pair,
		"side":     side,
		"amount":   amount,
		"price":    price,
	}).WithComponent("ledger")
}

// GinMiddleware logs every request with a trace id and stores the logger
// in the request context.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := Default().WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"remote_addr": c.ClientIP(),
		}).WithComponent("http")

		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(NewContext(ctx, l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.WithDuration(time.Since(start)).Info("Request completed", "status_code", c.Writer.Status())
	}
}

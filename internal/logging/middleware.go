package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDKey is the logrus field and gin context key carrying the request id.
const RequestIDKey = "request_id"

// RequestID returns the short request id attached to c, or "".
func RequestID(c *gin.Context) string {
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithRequest returns a log entry tagged with the request id of c.
func WithRequest(c *gin.Context) *log.Entry {
	return log.WithField(RequestIDKey, RequestID(c))
}

// GinLogger tags each request with an 8-char id and logs method, path,
// status and latency once the handler chain has run.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()

		entry := WithRequest(c).WithFields(log.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Millisecond),
		})
		msg := c.Request.Method + " " + c.Request.URL.Path
		switch {
		case c.Writer.Status() >= 500:
			entry.Error(msg)
		case c.Writer.Status() >= 400:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

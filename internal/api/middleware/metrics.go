package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestRecorder receives one observation per served request.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, elapsed time.Duration)
}

// Metrics records every request against its route template, so path
// parameters such as subject ids do not create new label values.
func Metrics(recorder RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

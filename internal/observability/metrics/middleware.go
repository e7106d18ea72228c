package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware records request metrics using the matched route template,
// falling back to Default() when recorder is nil.
func GinMiddleware(recorder *Recorder) gin.HandlerFunc {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		rec.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

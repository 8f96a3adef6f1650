package events

import (
	"time"

	"github.com/gin-gonic/gin"
)

// keepAlive is the interval between comment pings on an idle stream.
const keepAlive = 25 * time.Second

// StreamHandler serves hub events as server-sent events until the client
// disconnects.
func (h *Hub) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, cancel := h.Subscribe()
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(200)
		c.Writer.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.SSEvent(ev.Type, ev)
				c.Writer.Flush()
			case <-ticker.C:
				_, _ = c.Writer.WriteString(": ping\n\n")
				c.Writer.Flush()
			}
		}
	}
}

package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Replay indicator headers.
const (
	HeaderReplayed          = "Idempotent-Replayed"
	HeaderOriginalTimestamp = "Idempotent-Original-Timestamp"
	HeaderConcurrentReplay  = "Idempotent-Concurrent-Replay"
)

// maxBodyBytes bounds the body of a keyed request; larger bodies get 413.
const maxBodyBytes = 1 << 20

// replayedHeaders are captured from the original response and replayed.
var replayedHeaders = []string{"Content-Type", "Location"}

// Middleware guards the remaining handler chain with the Idempotency-Key header.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)

		var fingerprint string
		if key != "" {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"success": false,
					"error":   "could not read request body",
					"code":    "VALIDATION_ERROR",
				})
				return
			}
			if len(body) > maxBodyBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"success": false,
					"error":   "request body exceeds 1 MiB",
					"code":    "PAYLOAD_TOO_LARGE",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint = Fingerprint(c.Request.Method, c.Request.URL.Path, body)
		}

		out, err := g.Do(c.Request.Context(), key, fingerprint, func(ctx context.Context) (Response, error) {
			w := &captureWriter{ResponseWriter: c.Writer}
			c.Writer = w
			defer func() { c.Writer = w.ResponseWriter }()
			c.Next()
			return w.response(), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(StatusCode(err), gin.H{
				"success": false,
				"error":   errorMessage(err),
				"code":    ErrorCode(err),
			})
			return
		}
		if out.Replayed {
			writeReplay(c, out)
			c.Abort()
		}
	}
}

func errorMessage(err error) string {
	if errors.Is(err, ErrInvalidKey) {
		return "Invalid idempotency key format. Must be a valid UUID v4."
	}
	return err.Error()
}

func writeReplay(c *gin.Context, out Outcome) {
	contentType := "application/json; charset=utf-8"
	for k, v := range out.Response.Headers {
		if k == "Content-Type" {
			contentType = v
			continue
		}
		c.Header(k, v)
	}
	c.Header(HeaderReplayed, "true")
	c.Header(HeaderOriginalTimestamp, out.CompletedAt.UTC().Format(time.RFC3339Nano))
	if out.Concurrent {
		c.Header(HeaderConcurrentReplay, "true")
	}
	c.Data(out.Response.StatusCode, contentType, out.Response.Body)
}

// captureWriter tees the handler's response so it can be cached.
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) response() Response {
	headers := map[string]string{}
	for _, h := range replayedHeaders {
		if v := w.Header().Get(h); v != "" {
			headers[h] = v
		}
	}
	return Response{
		StatusCode: w.Status(),
		Body:       bytes.Clone(w.body.Bytes()),
		Headers:    headers,
	}
}

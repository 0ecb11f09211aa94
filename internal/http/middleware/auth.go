package middleware

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-site-agent/internal/services"
)

// HeaderWebhookSecret carries the shared secret between bridge and gate.
const HeaderWebhookSecret = "X-Webhook-Secret"

// WebhookAuth rejects requests whose X-Webhook-Secret does not match secret
// with 401. The comparison is constant-time. An empty configured secret
// rejects everything.
func WebhookAuth(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderWebhookSecret)
		if got == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing "+HeaderWebhookSecret+" header")
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", services.ErrUnauthorized.Error())
			return
		}
		c.Next()
	}
}

// BodyLimit buffers at most maxBytes of the request body and answers 413
// payload_too_large when it is larger. It runs before authentication so an
// oversized request is rejected without further work. Downstream handlers
// read the buffered copy.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 || c.Request.Body == nil || c.Request.Body == http.NoBody {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			abortJSON(c, http.StatusRequestEntityTooLarge, "payload_too_large", services.ErrPayloadTooLarge.Error())
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				abortJSON(c, http.StatusRequestEntityTooLarge, "payload_too_large", services.ErrPayloadTooLarge.Error())
				return
			}
			abortJSON(c, http.StatusBadRequest, "bad_request", "unable to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Request.ContentLength = int64(len(body))
		c.Next()
	}
}

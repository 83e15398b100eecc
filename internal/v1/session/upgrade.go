package session

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/logging"
)

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header pass, so non-browser clients and tests
// can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// ServeWs upgrades the HTTP request and starts the connection's pumps. The
// transport starts unregistered; identity arrives with the first register
// or reconnect frame.
func (h *Hub) ServeWs(allowedOrigins []string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	return func(c *gin.Context) {
		if err := validateOrigin(c.Request, allowedOrigins); err != nil {
			logging.Warn(c.Request.Context(), "Rejecting upgrade", zap.Error(err))
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
			return
		}

		client := newClient(h, conn, newConnID(), h.codec)
		h.addConn(client)

		go client.writePump()
		go client.readPump()
	}
}

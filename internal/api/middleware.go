package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/serialsync/internal/auth"
	"github.com/danmuck/serialsync/internal/observability"
)

// Event streams and status polling log at debug.
var quietPaths = []string{"/api/events", "/api/status", "/health", "/ready", "/metrics"}

func observabilityMiddleware(name string) []gin.HandlerFunc {
	observability.RegisterMetrics()
	return []gin.HandlerFunc{
		observability.RequestLogger(log.Logger, quietPaths...),
		observability.RequestMetricsMiddleware(name),
	}
}

// requireToken checks the bearer token when a validator is set. EventSource
// clients cannot send headers, so a token query parameter is also accepted.
func (s *Server) requireToken(c *gin.Context) {
	v := s.validator
	if v == nil {
		c.Next()
		return
	}
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		token = c.Query("token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": auth.ErrMissingToken.Error()})
		return
	}
	if err := v.Validate(token); err != nil {
		status := http.StatusForbidden
		if !errors.Is(err, auth.ErrUnauthorized) {
			status = http.StatusInternalServerError
		}
		c.AbortWithStatusJSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.Next()
}

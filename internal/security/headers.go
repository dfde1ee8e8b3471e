// Package security provides security middleware for the escrow API and the
// policy for outbound webhook endpoints.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets response headers for a JSON-only payments API.
// hsts enables Strict-Transport-Security and belongs behind TLS only.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Escrow and webhook paths carry IDs that must not leak to third parties.
		h.Set("Referrer-Policy", "no-referrer")
		// Balances change under the caller, and webhook secrets are shown once.
		h.Set("Cache-Control", "no-store")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// CORSMiddleware answers browser cross-origin requests for allowedOrigins.
// An empty list allows any origin without credentials. Paths under a skip
// prefix (processor callbacks) are server-to-server and get no CORS
// handling at all.
func CORSMiddleware(allowedOrigins []string, skip ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	anyOrigin := len(allowedOrigins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		for _, prefix := range skip {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Writer.Header().Add("Vary", "Origin")

		ok := anyOrigin || allowed[origin]
		preflight := c.Request.Method == http.MethodOptions &&
			c.GetHeader("Access-Control-Request-Method") != ""
		if !ok {
			if preflight {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "origin_not_allowed",
					"message": "Origin is not allowed",
				})
				return
			}
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		// Browsers reject credentials with a wildcard policy.
		if !anyOrigin {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if preflight {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyLicenseKey is the gin context key holding the caller's license key.
	ContextKeyLicenseKey = "licenseKey"

	HeaderLicenseKey  = "X-License-Key"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware extracts the license key from the request, if any, and stores
// it under ContextKeyLicenseKey. It never rejects; the entitlement
// middleware decides what a missing key means.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := BearerKey(c.GetHeader("Authorization"))
		if key == "" {
			key = BearerKey(c.GetHeader(HeaderLicenseKey))
		}
		if key != "" {
			c.Set(ContextKeyLicenseKey, key)
		}
		c.Next()
	}
}

// LicenseKey returns the key stored by Middleware, or "".
func LicenseKey(c *gin.Context) string {
	return c.GetString(ContextKeyLicenseKey)
}

// AdminMiddleware guards administrative routes with a shared secret. An
// empty secret is accepted only when allowOpen is set (development).
func AdminMiddleware(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is disabled. Set ADMIN_SECRET to enable it.",
			})
			return
		}

		given := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required.",
			})
			return
		}
		c.Next()
	}
}

// Package validation provides request validation helpers for the outreach API.
package validation

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/tier"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxEmailLength follows the RFC 5321 path limit.
const MaxEmailLength = 254

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail accepts a bare address such as "a@b.co". Display names
// ("Ann <a@b.co>") are rejected.
func IsValidEmail(s string) bool {
	if s == "" || len(s) > MaxEmailLength {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeEmail trims and lowercases an address; owners are stored this way.
func SanitizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidEmail checks a field holds an email address. Empty passes; pair with Required.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEmail(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidTier checks a field names a catalogue tier, case-insensitively.
func ValidTier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := tier.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: "must be one of free, pro, enterprise"}
		}
		return nil
	}
}

// ValidLicenseKey checks a field is shaped like OUTREACH-XXXX-XXXX-XXXX-XXXX.
func ValidLicenseKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !license.ValidKeyFormat(value) {
			return &ValidationError{Field: field, Message: "must be a license key (OUTREACH-XXXX-XXXX-XXXX-XXXX)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// KeyParamMiddleware rejects malformed :key URL parameters before they reach a store.
func KeyParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if key != "" && !license.ValidKeyFormat(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_license_key",
				"message": "license key must look like OUTREACH-XXXX-XXXX-XXXX-XXXX",
			})
			return
		}
		c.Next()
	}
}

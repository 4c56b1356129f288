// Package validation provides input validation helpers for the API surface.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	agentIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks for a three-letter uppercase currency code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidAgentID checks that an agent identifier is well formed.
func IsValidAgentID(id string) bool {
	return agentIDRegex.MatchString(id)
}

// ValidateAmount checks that an amount in minor units is positive.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	return nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

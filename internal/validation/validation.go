// Package validation provides request validation helpers for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
	// userIDRegex bounds opaque user, store and product identifiers.
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit amount is greater than zero.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Currency checks for a three-letter ISO 4217 code.
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// UserID checks an opaque external identifier. Empty values pass; use Required.
func UserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !userIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "contains invalid characters"}
		}
		return nil
	}
}

// RecordID checks a generated record ID such as "ord_...".
func RecordID(field, prefix, value string) func() *ValidationError {
	return func() *ValidationError {
		if !idgen.Valid(prefix, value) {
			return &ValidationError{Field: field, Message: "must be a valid " + strings.TrimSuffix(prefix, "_") + " id"}
		}
		return nil
	}
}

// IDParamMiddleware rejects a malformed :id route parameter before the handler runs.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !idgen.Valid(prefix, id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a valid " + strings.TrimSuffix(prefix, "_") + " id",
			})
			return
		}
		c.Next()
	}
}

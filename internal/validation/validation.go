// Package validation provides input validation helpers for the UniBazaar API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mwalcott/unibazaar/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTitleLength bounds listing titles.
const MaxTitleLength = 140

// MaxTextLength bounds free-text fields (descriptions, dispute text, messages).
const MaxTextLength = 4000

// Categories accepted for listings.
var Categories = map[string]bool{
	"resale":        true,
	"accommodation": true,
	"academic":      true,
	"service":       true,
	"other":         true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
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

// Errors is a collection of validation errors
type Errors []ValidationError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their errors.
func Validate(validators ...func() *ValidationError) Errors {
	var errs Errors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLen checks that a field does not exceed max bytes.
func MaxLen(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "is too long"}
		}
		return nil
	}
}

// ValidID checks that a value looks like an entity ID with the given prefix.
func ValidID(field, value, prefix string) func() *ValidationError {
	return func() *ValidationError {
		if !idgen.HasPrefix(value, prefix) {
			return &ValidationError{Field: field, Message: "must be a valid " + strings.TrimSuffix(prefix, "_") + " id"}
		}
		return nil
	}
}

// ValidCategory checks that a listing category is one of the known set.
func ValidCategory(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !Categories[value] {
			return &ValidationError{Field: field, Message: "unknown category"}
		}
		return nil
	}
}

// ValidPriceCents checks that a price is non-negative and sane.
func ValidPriceCents(field string, cents int64) func() *ValidationError {
	return func() *ValidationError {
		if cents < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		if cents > 100_000_00 {
			return &ValidationError{Field: field, Message: "exceeds the allowed maximum"}
		}
		return nil
	}
}

// ValidEmail checks the minimal shape of an email address. Deliverability
// is the mail system's problem, not ours.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		at := strings.IndexByte(value, '@')
		if at < 1 || at == len(value)-1 || strings.ContainsAny(value, " \t") {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidIdempotencyKey checks that an optional idempotency key is a UUID.
func ValidIdempotencyKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := uuid.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a UUID"}
		}
		return nil
	}
}

// Package security provides validation, sanitization, and limits for the
// orchestration engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
)

// Limits enforced on registry entries and persisted rows.
const (
	// MaxTypeNameLength is the maximum length for job and task type names
	MaxTypeNameLength = 255

	// MaxParametersSize is the maximum size in bytes for job or task
	// parameter JSON (1MB)
	MaxParametersSize = 1 << 20

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for broker queue names
	MaxQueueNameLength = 255

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxFanOut is the hard limit on tasks generated for a single stage
	MaxFanOut = 100000
)

// validTypeName matches alphanumeric, hyphens, underscores, and dots
var validTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobType validates a job type name
func ValidateJobType(name string) error {
	if name == "" {
		return core.ErrInvalidJobTypeName
	}
	if len(name) > MaxTypeNameLength {
		return core.ErrJobTypeNameTooLong
	}
	if !validTypeName.MatchString(name) {
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// ValidateTaskType validates a task type name
func ValidateTaskType(name string) error {
	if name == "" || len(name) > MaxTypeNameLength || !validTypeName.MatchString(name) {
		return core.ErrInvalidTaskType
	}
	return nil
}

// ValidateQueueName validates a broker queue name
func ValidateQueueName(name string) error {
	if name == "" || len(name) > MaxQueueNameLength || !validTypeName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidateParameterSize enforces the parameter JSON size limit
func ValidateParameterSize(raw []byte) error {
	if len(raw) > MaxParametersSize {
		return core.ErrParametersTooLarge
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Strip null bytes and control characters (except newlines/tabs)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}

// ClampConcurrency ensures worker concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

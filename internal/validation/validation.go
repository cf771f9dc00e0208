package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"walink/internal/constants"
	"walink/internal/errors"
)

// NormalizePhone strips every non-digit character from phone and checks the
// remaining length. An empty input is allowed and yields "".
func NormalizePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", nil
	}

	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) < constants.MinPhoneDigits || len(digits) > constants.MaxPhoneDigits {
		return "", errors.NewValidationError("phone", phone,
			fmt.Sprintf("phone number must have %d to %d digits", constants.MinPhoneDigits, constants.MaxPhoneDigits))
	}
	return digits, nil
}

// ValidateDisplayName trims name and checks it is present and not too long
func ValidateDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.NewValidationError("name", name, "connection name cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > constants.MaxDisplayNameLength {
		return "", errors.NewValidationError("name", name,
			fmt.Sprintf("connection name too long (max %d characters)", constants.MaxDisplayNameLength))
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", errors.NewValidationError("name", name, "connection name contains invalid characters")
		}
	}
	return trimmed, nil
}

// ValidateInstanceName checks a provider instance identifier
func ValidateInstanceName(instance string) error {
	if instance == "" {
		return errors.NewValidationError("instance", instance, "instance cannot be empty")
	}
	if len(instance) > constants.MaxInstanceNameLength {
		return errors.NewValidationError("instance", instance,
			fmt.Sprintf("instance too long (max %d characters)", constants.MaxInstanceNameLength))
	}
	for _, r := range instance {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return errors.NewValidationError("instance", instance,
				"instance must contain only letters, numbers, underscores, and dashes")
		}
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.NewValidationError("body", "",
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.NewConfigError(fieldName, fmt.Sprintf("%s must be at least 1 second", fieldName))
	}
	if timeoutSec > 3600 {
		return errors.NewConfigError(fieldName, fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}
	return nil
}

// ValidateConnectionPool validates database connection pool settings
func ValidateConnectionPool(maxOpen, maxIdle int) error {
	if maxOpen < 1 {
		return errors.NewConfigError("database.max_open_conns", "max open connections must be at least 1")
	}
	if maxOpen > 1000 {
		return errors.NewConfigError("database.max_open_conns", "max open connections too large (max 1000)")
	}
	if maxIdle < 0 {
		return errors.NewConfigError("database.max_idle_conns", "max idle connections cannot be negative")
	}
	if maxIdle > maxOpen {
		return errors.NewConfigError("database.max_idle_conns", "max idle connections cannot exceed max open connections")
	}
	return nil
}

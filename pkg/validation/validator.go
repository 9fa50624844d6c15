// Package validation checks configuration and command-line input before it
// reaches the key store or the cipher adapters.
package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	// Schemes a keysync address may use.
	syncSchemes = []string{"tcp://", "ipc://", "inproc://", "ws://", "wss://", "tls+tcp://"}

	bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("syncaddr", func(fl validator.FieldLevel) bool {
		return ValidateSyncAddress(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("s3bucket", func(fl validator.FieldLevel) bool {
		return bucketPattern.MatchString(fl.Field().String())
	})
}

// Struct validates v's `validate` tags and returns the first failure in a
// readable form.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateSyncAddress checks that addr is a mangos transport URL.
func ValidateSyncAddress(addr string) error {
	for _, s := range syncSchemes {
		if strings.HasPrefix(addr, s) && len(addr) > len(s) {
			return nil
		}
	}
	return fmt.Errorf("address %q must start with one of %v", addr, syncSchemes)
}

// ParseHexKey decodes a hex string that must hold exactly size bytes.
func ParseHexKey(s string, size int) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("key must be %d bytes, got %d", size, len(key))
	}
	return key, nil
}

// ValidateTagSize checks a GCM tag length.
func ValidateTagSize(n, min, max int) error {
	if n < min || n > max {
		return fmt.Errorf("tag size must be between %d and %d, got %d", min, max, n)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "syncaddr":
			return fmt.Errorf("%s: not a valid sync address", field)
		case "s3bucket":
			return fmt.Errorf("%s: not a valid bucket name", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}

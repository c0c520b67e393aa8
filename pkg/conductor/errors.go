package conductor

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ValidationError reports a configuration value outside its allowed range.
type ValidationError struct {
	Field      string
	Value      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s", e.Field, e.Value, e.Constraint)
}

// IsValidation returns true if err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

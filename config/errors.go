package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports startup-time configuration problems. Fields lists
// every offending key so operators can fix them in one pass.
type ConfigurationError struct {
	Reason string
	Fields []string
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	if len(e.Fields) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
}

// NewConfigurationError creates a ConfigurationError for the given fields.
func NewConfigurationError(reason string, fields ...string) *ConfigurationError {
	return &ConfigurationError{Reason: reason, Fields: fields}
}

// Package config parses ini-style machine configuration files with access
// tracking and maps them onto typed settings for the mesh, the planner and
// the outer surfaces.
package config

import (
	"fmt"

	"meshmotion/pkg/errors"
)

// ConfigError names the section and option a configuration problem was
// found in.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Option != "":
		return fmt.Sprintf("option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	case e.Section != "":
		return fmt.Sprintf("section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// HostError converts the error into the unified error type, choosing the
// code from what is missing.
func (e *ConfigError) HostError() *errors.HostError {
	code := errors.ErrConfigValidation
	switch {
	case e.Option == "" && e.Section != "":
		code = errors.ErrConfigSection
	case e.Message == msgMissing:
		code = errors.ErrConfigOption
	}
	return errors.Wrap(e, code, e.Error()).SetSection(e.Section).SetOption(e.Option)
}

const msgMissing = "must be specified"

// NewConfigError creates a new ConfigError.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// WrapError wraps an existing error with config context.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: err.Error(), Cause: err}
}

func ErrMissingOption(section, option string) *ConfigError {
	return NewConfigError(section, option, msgMissing)
}

func ErrMissingSection(section string) *ConfigError {
	return NewConfigError(section, "", "section not found")
}

func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}

// Unified error handling for meshmotion
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Planning queue errors
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// Mesh store errors
	ErrMeshOutOfFootprint     ErrorCode = "MESH_OUT_OF_FOOTPRINT"
	ErrMeshStorageUnavailable ErrorCode = "MESH_STORAGE_UNAVAILABLE"
	ErrMeshSlotOutOfRange     ErrorCode = "MESH_SLOT_OUT_OF_RANGE"
	ErrMeshInvalid            ErrorCode = "MESH_INVALID"

	// Motion request errors
	ErrMoveRejected ErrorCode = "MOVE_REJECTED"

	// Outer surfaces
	ErrArchive   ErrorCode = "ARCHIVE"
	ErrTransport ErrorCode = "TRANSPORT"
	ErrRuntime   ErrorCode = "RUNTIME"
	ErrHalted    ErrorCode = "HALTED"
)

// HostError is the unified error type for meshmotion services
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Queue errors

// QueueFull reports expected backpressure from the planning queue.
func QueueFull(capacity int) *HostError {
	return New(ErrQueueFull, fmt.Sprintf("planning queue full (%d blocks)", capacity)).
		SetContext("capacity", capacity)
}

// Mesh errors

// OutOfFootprint reports a calibration coordinate or index outside the mesh.
func OutOfFootprint(what string, x, y float64) *HostError {
	return New(ErrMeshOutOfFootprint, fmt.Sprintf("%s (%.3f, %.3f) outside mesh footprint", what, x, y)).
		SetSection("mesh")
}

// StorageUnavailable reports a missing or empty mesh storage region.
func StorageUnavailable(reason string) *HostError {
	return New(ErrMeshStorageUnavailable, fmt.Sprintf("mesh storage not available: %s", reason)).
		SetSection("mesh")
}

// SlotOutOfRange reports a slot index outside [0, slots).
func SlotOutOfRange(slot, slots int) *HostError {
	return New(ErrMeshSlotOutOfRange, fmt.Sprintf("invalid storage slot %d, use 0 to %d", slot, slots-1)).
		SetSection("mesh").
		SetContext("slot", slot).
		SetContext("slots", slots)
}

// MeshInvalid reports a mesh that cannot serve the requested operation.
func MeshInvalid(message string) *HostError {
	return New(ErrMeshInvalid, message).SetSection("mesh")
}

// MoveRejected reports a motion request refused before segmentation.
func MoveRejected(reason string) *HostError {
	return New(ErrMoveRejected, reason).SetSection("motion")
}

// ArchiveError wraps a snapshot archive failure.
func ArchiveError(err error, operation string) *HostError {
	return Wrap(err, ErrArchive, fmt.Sprintf("archive %s failed: %v", operation, err))
}

// TransportError wraps a block transport failure.
func TransportError(err error, operation string) *HostError {
	return Wrap(err, ErrTransport, fmt.Sprintf("transport %s failed: %v", operation, err))
}

// Halted reports that motion is stopped until the halt is reset.
func Halted(reason, message string) *HostError {
	return New(ErrHalted, fmt.Sprintf("halted (%s): %s", reason, message)).SetContext("reason", reason)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// Is reports whether any error in err's chain is a HostError with code.
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsQueueFull checks for planning queue backpressure
func IsQueueFull(err error) bool {
	return Is(err, ErrQueueFull)
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsStorage checks if error is a mesh persistence error
func IsStorage(err error) bool {
	return Is(err, ErrMeshStorageUnavailable) ||
		Is(err, ErrMeshSlotOutOfRange)
}

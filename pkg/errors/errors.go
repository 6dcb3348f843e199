// Unified error handling for the pump host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Link errors
	ErrCannotConnect ErrorCode = "CANNOT_CONNECT"
	ErrLinkLost      ErrorCode = "LINK_LOST"
	ErrFraming       ErrorCode = "FRAMING"
	ErrNotConnected  ErrorCode = "NOT_CONNECTED"

	// Caller errors
	ErrPrecondition   ErrorCode = "PRECONDITION"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
)

// HostError is the unified error type for the host
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component
	Section string

	// Option is the config option or field name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", e.Code)
	switch {
	case e.Section != "" && e.Option != "":
		fmt.Fprintf(&b, ":%s.%s", e.Section, e.Option)
	case e.Section != "":
		fmt.Fprintf(&b, ":%s", e.Section)
	case e.Option != "":
		fmt.Fprintf(&b, ":%s", e.Option)
	}
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
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

// SetOption sets the option name
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

// ConfigOptionError creates an error for an unknown or missing config option
func ConfigOptionError(section, option, reason string) *HostError {
	return New(ErrConfigOption, reason).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, reason).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("failed to parse '%s' as %s", value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Link errors

// CannotConnect reports that opening a session failed. The session has
// been rolled back to disconnected.
func CannotConnect(port, reason string, err error) *HostError {
	return Wrap(err, ErrCannotConnect, fmt.Sprintf("cannot connect to %s: %s", port, reason)).
		SetSection("connection").
		SetContext("port", port)
}

// LinkLost reports an unrecoverable read or write failure on an open link.
func LinkLost(op string, err error) *HostError {
	return Wrap(err, ErrLinkLost, fmt.Sprintf("link lost during %s", op)).
		SetSection("connection")
}

// FramingError reports a malformed frame that was discarded.
func FramingError(reason string, raw []byte) *HostError {
	return New(ErrFraming, reason).SetContext("raw", string(raw))
}

// NotConnected reports an operation that needs an open session.
func NotConnected(op string) *HostError {
	return New(ErrNotConnected, fmt.Sprintf("%s requires an open connection", op))
}

// Caller errors

// PreconditionViolation reports an input outside its legal range, such as
// a non-positive geometry constant.
func PreconditionViolation(option string, value interface{}, constraint string) *HostError {
	return New(ErrPrecondition, fmt.Sprintf("%v %s", value, constraint)).
		SetOption(option)
}

// InvalidRequest reports a malformed operator request.
func InvalidRequest(format string, args ...interface{}) *HostError {
	return New(ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Is checks if err, or any error it wraps or joins, carries the given
// code
func Is(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *HostError:
		if e.Code == code {
			return true
		}
		return Is(e.Err, code)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(e.Unwrap(), code)
	}
	return false
}

// CodeOf returns the code of the outermost HostError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code, true
	}
	return "", false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsLink checks if error is a link error
func IsLink(err error) bool {
	return Is(err, ErrCannotConnect) ||
		Is(err, ErrLinkLost) ||
		Is(err, ErrNotConnected)
}

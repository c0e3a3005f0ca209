// Package apierr implements the provisioning engine's error taxonomy
// (spec §7) as a small typed-error type with a stable HTTP status mapping,
// grounded on the teacher's internal/api/errors package.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the conceptual error codes from spec §7.
type Code string

const (
	CodeInvalidID               Code = "INVALID_ID"
	CodeNonDeletable             Code = "NON_DELETABLE"
	CodeInvalidParameter         Code = "INVALID_PARAMETER"
	CodeRawConfigInvalid         Code = "RAW_CONFIG_INVALID"
	CodePluginNotLoaded          Code = "PLUGIN_NOT_LOADED"
	CodePluginAlreadyInstalled   Code = "PLUGIN_ALREADY_INSTALLED"
	CodePluginBusy               Code = "PLUGIN_BUSY"
	CodeTenantInvalidForDevice   Code = "TENANT_INVALID_FOR_DEVICE"
	CodeDeviceNotInProvdTenant   Code = "DEVICE_NOT_IN_PROVD_TENANT"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeSyncUnsupported          Code = "SYNC_UNSUPPORTED"
	CodeSyncFailed               Code = "SYNC_FAILED"
	CodeIOError                  Code = "IO_ERROR"
	CodeNotAcceptable            Code = "NOT_ACCEPTABLE"
	CodeUnsupportedMediaType     Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// Error is the engine's structured error. Every error that can surface to
// a REST caller is (or wraps) one of these.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying a lower-level cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is lets errors.Is match on Code regardless of message/cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// StatusCode maps a Code to the HTTP status conventions of spec §6.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeInvalidID:
		return http.StatusNotFound
	case CodeNonDeletable:
		return http.StatusForbidden
	case CodeInvalidParameter, CodeRawConfigInvalid:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTenantInvalidForDevice, CodeDeviceNotInProvdTenant:
		return http.StatusForbidden
	case CodeNotAcceptable:
		return http.StatusNotAcceptable
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodePluginBusy, CodePluginAlreadyInstalled:
		return http.StatusConflict
	case CodePluginNotLoaded, CodeSyncUnsupported:
		return http.StatusBadRequest
	case CodeSyncFailed, CodeIOError, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors mirroring spec §7's taxonomy names.

func InvalidID(id string) *Error {
	return New(CodeInvalidID, fmt.Sprintf("no document with id %q", id))
}

func NonDeletable(id string) *Error {
	return New(CodeNonDeletable, fmt.Sprintf("document %q is not deletable", id))
}

func InvalidParameter(key, reason string) *Error {
	return New(CodeInvalidParameter, fmt.Sprintf("invalid value for %q: %s", key, reason))
}

func RawConfigInvalid(reason string) *Error {
	return New(CodeRawConfigInvalid, reason)
}

func PluginNotLoaded(id string) *Error {
	return New(CodePluginNotLoaded, fmt.Sprintf("plugin %q is not loaded", id))
}

func PluginAlreadyInstalled(id string) *Error {
	return New(CodePluginAlreadyInstalled, fmt.Sprintf("plugin %q is already installed", id))
}

func PluginBusy(id string) *Error {
	return New(CodePluginBusy, fmt.Sprintf("operation already in progress for plugin %q", id))
}

func Unauthorized(reason string) *Error {
	return New(CodeUnauthorized, reason)
}

func SyncUnsupported(reason string) *Error {
	return New(CodeSyncUnsupported, reason)
}

func SyncFailed(reason string) *Error {
	return New(CodeSyncFailed, reason)
}

func IOError(cause error) *Error {
	return Wrap(CodeIOError, "I/O failure", cause)
}

func Internal(cause error) *Error {
	return Wrap(CodeInternal, "internal error", cause)
}

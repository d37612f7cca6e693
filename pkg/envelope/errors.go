package envelope

import "fmt"

// Dispatch error codes.
const (
	ErrCodeMethodNotFound        = "METHOD_NOT_FOUND"
	ErrCodeMethodConflict        = "METHOD_CONFLICT"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeExtensionUnresponsive = "EXTENSION_UNRESPONSIVE"
	ErrCodeExtensionUnloaded     = "EXTENSION_UNLOADED"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeExtensionError        = "EXTENSION_ERROR"
)

// Bus error codes.
const (
	ErrCodeCongested = "CONGESTED"
	ErrCodeClosed    = "CLOSED"
)

// Load error codes.
const (
	ErrCodeIncompatibleVersion    = "INCOMPATIBLE_VERSION"
	ErrCodeSymbolResolutionFailed = "SYMBOL_RESOLUTION_FAILED"
	ErrCodeInitFailed             = "INIT_FAILED"
	ErrCodeDuplicateExtension     = "DUPLICATE_EXTENSION"
)

// DispatchError is returned to the caller of a request dispatch.
type DispatchError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error %s: %s", e.Code, e.Message)
}

// NewDispatchError creates a DispatchError with the given code.
func NewDispatchError(code, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BusError is returned when a bus channel send cannot complete.
type BusError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *BusError) Error() string {
	return fmt.Sprintf("bus error %s: %s", e.Code, e.Message)
}

// NewBusError creates a BusError with the given code.
func NewBusError(code, format string, args ...interface{}) *BusError {
	return &BusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LoadError is returned when an extension module fails to load or initialize.
// It is fatal to that load attempt only, never to the host.
type LoadError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load error %s: %s", e.Code, e.Message)
}

// NewLoadError creates a LoadError with the given code.
func NewLoadError(code, format string, args ...interface{}) *LoadError {
	return &LoadError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Detail converts an error into a wire-level ErrorDetail. Unrecognized errors
// map to EXTENSION_ERROR with Retryable set.
func Detail(err error) *ErrorDetail {
	switch e := err.(type) {
	case *DispatchError:
		retryable := e.Code == ErrCodeTimeout || e.Code == ErrCodeCancelled
		return &ErrorDetail{Code: e.Code, Message: e.Message, Retryable: retryable}
	case *BusError:
		return &ErrorDetail{Code: e.Code, Message: e.Message, Retryable: e.Code == ErrCodeCongested}
	case *LoadError:
		return &ErrorDetail{Code: e.Code, Message: e.Message, Retryable: false}
	default:
		return &ErrorDetail{Code: ErrCodeExtensionError, Message: err.Error(), Retryable: true}
	}
}

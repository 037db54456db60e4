package ble

import (
	"errors"
	"fmt"
)

var (
	ErrScanFailed           = errors.New("ble: scan failed")
	ErrConnectFailed        = errors.New("ble: connect failed")
	ErrDiscoveryFailed      = errors.New("ble: service discovery failed")
	ErrAttributeNotResolved = errors.New("ble: target attribute not resolved")
	ErrWriteInProgress      = errors.New("ble: write already in progress")
	ErrWriteFailed          = errors.New("ble: write failed")
	ErrInvalidArgument      = errors.New("ble: invalid argument")
	ErrNotConnected         = errors.New("ble: not connected")
	ErrSessionActive        = errors.New("ble: session already active")
)

// CodeUnknown is reported when a failure carries no stack status code.
const CodeUnknown = -1

// Op names the operation an OpError belongs to.
type Op string

const (
	OpScan     Op = "scan"
	OpConnect  Op = "connect"
	OpDiscover Op = "discover"
	OpWrite    Op = "write"
	OpLink     Op = "link"
)

var opSentinels = map[Op]error{
	OpScan:     ErrScanFailed,
	OpConnect:  ErrConnectFailed,
	OpDiscover: ErrDiscoveryFailed,
	OpWrite:    ErrWriteFailed,
}

// OpError is a failure reported by the radio stack or the remote peripheral.
// It matches both the operation sentinel (ErrConnectFailed, ...) and the
// underlying driver error with errors.Is.
type OpError struct {
	Op   Op
	Code int
	Err  error
}

func newOpError(op Op, err error) *OpError {
	return &OpError{Op: op, Code: ErrorCode(err), Err: err}
}

func (e *OpError) Error() string {
	if e.Code != CodeUnknown {
		return fmt.Sprintf("ble: %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("ble: %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	errs := []error{e.Err}
	if s, ok := opSentinels[e.Op]; ok {
		errs = append(errs, s)
	}
	return errs
}

// Coder is implemented by driver errors that carry a stack status code, such
// as an ATT error code or an HCI disconnect reason.
type Coder interface {
	Code() int
}

// ErrorCode extracts the status code from err, or CodeUnknown.
func ErrorCode(err error) int {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeUnknown
}

// StatusError attaches a stack status code to a driver error.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status 0x%02x: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) Code() int { return e.Status }

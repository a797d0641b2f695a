package errors

import (
	"fmt"
)

// Kind classifies a bridge error for recovery decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNet
	KindAuthRejected
	KindProtocolError
	KindBadInput
	KindPersistenceError
	KindTerminal
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTransientNet:
		return "TransientNet"
	case KindAuthRejected:
		return "AuthRejected"
	case KindProtocolError:
		return "ProtocolError"
	case KindBadInput:
		return "BadInput"
	case KindPersistenceError:
		return "PersistenceError"
	case KindTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// ErrorSeverity defines the severity level of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// severityFor maps an error kind to its default severity.
func severityFor(kind Kind) ErrorSeverity {
	switch kind {
	case KindTransientNet, KindProtocolError, KindPersistenceError:
		return SeverityWarning
	case KindAuthRejected, KindBadInput:
		return SeverityError
	case KindTerminal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// BridgeError is the base error type for all bridge errors. Account and
// Device carry the correlation ids required by the error contract; either
// may be empty.
type BridgeError struct {
	Kind     Kind
	Op       string // Operation that failed
	Account  string // Account email, when applicable
	Device   string // Device MAC, when applicable
	Err      error  // Underlying error
	Severity ErrorSeverity
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	scope := ""
	switch {
	case e.Account != "" && e.Device != "":
		scope = fmt.Sprintf(" account=%s device=%s", e.Account, e.Device)
	case e.Account != "":
		scope = fmt.Sprintf(" account=%s", e.Account)
	case e.Device != "":
		scope = fmt.Sprintf(" device=%s", e.Device)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s%s: %v", e.Kind, e.Op, scope, e.Err)
	}
	return fmt.Sprintf("[%s] %s%s", e.Kind, e.Op, scope)
}

// Unwrap returns the underlying error
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// WithAccount attaches the account correlation id
func (e *BridgeError) WithAccount(email string) *BridgeError {
	e.Account = email
	return e
}

// WithDevice attaches the device correlation id
func (e *BridgeError) WithDevice(mac string) *BridgeError {
	e.Device = mac
	return e
}

// New creates a bridge error of the given kind
func New(kind Kind, op string, err error) *BridgeError {
	return &BridgeError{
		Kind:     kind,
		Op:       op,
		Err:      err,
		Severity: severityFor(kind),
	}
}

// Transient wraps a network-class failure (timeouts, DNS, 5xx, 429)
func Transient(op string, err error) *BridgeError {
	return New(KindTransientNet, op, err)
}

// AuthRejected wraps a credential rejection (HTTP 401/403, CONNACK 5)
func AuthRejected(op string, err error) *BridgeError {
	return New(KindAuthRejected, op, err)
}

// Protocol wraps a malformed-payload failure (bad JSON, bad CRC, bad frame)
func Protocol(op string, err error) *BridgeError {
	return New(KindProtocolError, op, err)
}

// Input creates a caller-input rejection
func Input(op string, format string, args ...interface{}) *BridgeError {
	return New(KindBadInput, op, fmt.Errorf(format, args...))
}

// Persistence wraps a cache read/write failure
func Persistence(op string, err error) *BridgeError {
	return New(KindPersistenceError, op, err)
}

// Terminal creates an unrecoverable failure requiring operator intervention
func Terminal(op string, err error) *BridgeError {
	return New(KindTerminal, op, err)
}

// KindOf extracts the kind from an error chain; untyped errors are Unknown
func KindOf(err error) Kind {
	var be *BridgeError
	if As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain contains a bridge error of kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRecoverable returns true if the error allows the session to continue.
// BadInput surfaces to the caller and Terminal ends recovery; everything
// else is retried or dropped.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case KindBadInput, KindTerminal:
		return false
	default:
		return true
	}
}

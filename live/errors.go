package live

import (
	"errors"
	"fmt"
)

const (
	CommandError = iota

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	NotOpenError

	ProtocolError

	HandshakeError

	KeepaliveTimeoutError

	ExhaustedError

	SinkError

	InvalidURIError

	UnknownError
)

// ErrNotOpen and ErrClosed match any error carrying the same code under errors.Is.
var (
	ErrNotOpen = &Error{Code: NotOpenError}
	ErrClosed  = &Error{Code: DisconnectedError}
)

// Error is the coded error returned by the live client.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func errorName(errorCode int) string {
	switch errorCode {
	case CommandError:
		return "CommandError"
	case ConnectionError:
		return "ConnectionError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case DisconnectedError:
		return "DisconnectedError"
	case NotOpenError:
		return "NotOpenError"
	case ProtocolError:
		return "ProtocolError"
	case HandshakeError:
		return "HandshakeError"
	case KeepaliveTimeoutError:
		return "KeepaliveTimeoutError"
	case ExhaustedError:
		return "ExhaustedError"
	case SinkError:
		return "SinkError"
	case InvalidURIError:
		return "InvalidURIError"
	default:
		return "UnknownError"
	}
}

func (err *Error) Error() string {
	text := errorName(err.Code)
	if err.Message != "" {
		text += ": " + err.Message
	}
	if err.Cause != nil {
		text += ": " + err.Cause.Error()
	}
	return text
}

// Unwrap returns the underlying cause, if any.
func (err *Error) Unwrap() error { return err.Cause }

// Is reports whether target is an *Error with the same code.
func (err *Error) Is(target error) bool {
	var coded *Error
	if !errors.As(target, &coded) {
		return false
	}
	return coded.Code == err.Code
}

// NewError builds a coded error. An error argument becomes the cause; any
// other argument is formatted into the message.
func NewError(errorCode int, message ...interface{}) error {
	result := &Error{Code: errorCode}
	for _, part := range message {
		if cause, ok := part.(error); ok && result.Cause == nil {
			result.Cause = cause
			continue
		}
		if result.Message != "" {
			result.Message += " "
		}
		result.Message += fmt.Sprint(part)
	}
	return result
}

// ErrorCode returns the code of the first *Error in the chain, or UnknownError.
func ErrorCode(err error) int {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return UnknownError
}

package crawler

import "fmt"

// Error codes for task setup failures.
const (
	ErrCodeSpiderCreate = "SPIDER_CREATE"
	ErrCodeEngineCreate = "ENGINE_CREATE"
	ErrCodeSpiderOpen   = "SPIDER_OPEN"
	ErrCodeEngineStart  = "ENGINE_START"
)

// Error is a task setup failure. It is delivered through the future returned
// by Task.Start.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

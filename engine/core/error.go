package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error envelope carried across package boundaries.
// Code is a stable machine-readable identifier; Details hold structured
// context for logs and operator summaries.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func NewError(cause error, code string, details map[string]any) *Error {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, Details: details, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause.Error())
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	var ce *Error
	for errors.As(err, &ce) {
		if ce.Code == code {
			return true
		}
		err = ce.cause
	}
	return false
}

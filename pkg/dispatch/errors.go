package dispatch

import (
	"errors"
	"fmt"
)

// Code категория ошибки, которую видит приложение
type Code string

const (
	CodeMalformedArguments Code = "MalformedArguments"
	CodeInternalStateError Code = "InternalStateError"
	CodeUnavailable        Code = "Unavailable"
)

// Error ошибка выполнения команды
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func malformed(format string, args ...any) *Error {
	return &Error{Code: CodeMalformedArguments, Message: fmt.Sprintf(format, args...)}
}

func internal(msg string, err error) *Error {
	return &Error{Code: CodeInternalStateError, Message: msg, Err: err}
}

func unavailable(msg string, err error) *Error {
	return &Error{Code: CodeUnavailable, Message: msg, Err: err}
}

// CodeOf возвращает код ошибки или пустую строку для nil и сторонних ошибок
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

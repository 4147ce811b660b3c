package form

import (
	"errors"
	"fmt"
)

// Code classifies broker failures. Validation codes are returned synchronously;
// connection codes usually arrive out of band through a host's OnError.
type Code int

const (
	CodeOK Code = iota
	CodeCommon
	CodeInvalidParam
	CodeNotExistID
	CodeOperationNotSelf
	CodeQuotaExceeded
	CodeBindProviderFailed
	CodeConnectRenderFailed
	CodeConfigMismatch
)

var codeNames = map[Code]string{
	CodeOK:                  "ok",
	CodeCommon:              "common",
	CodeInvalidParam:        "invalid_param",
	CodeNotExistID:          "not_exist_id",
	CodeOperationNotSelf:    "operation_not_self",
	CodeQuotaExceeded:       "quota_exceeded",
	CodeBindProviderFailed:  "bind_provider_failed",
	CodeConnectRenderFailed: "connect_render_failed",
	CodeConfigMismatch:      "config_mismatch",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a coded broker error.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotExistID)
// holds for wrapped errors that carry a more specific message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

// Errorf builds a coded error.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err. nil maps to CodeOK and uncoded errors to CodeCommon.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeCommon
}

var (
	ErrInvalidParam        = &Error{Code: CodeInvalidParam}
	ErrNotExistID          = &Error{Code: CodeNotExistID}
	ErrOperationNotSelf    = &Error{Code: CodeOperationNotSelf}
	ErrQuotaExceeded       = &Error{Code: CodeQuotaExceeded}
	ErrBindProviderFailed  = &Error{Code: CodeBindProviderFailed}
	ErrConnectRenderFailed = &Error{Code: CodeConnectRenderFailed}
	ErrConfigMismatch      = &Error{Code: CodeConfigMismatch}
	ErrCommon              = &Error{Code: CodeCommon}

	// One sentinel per quota ceiling. All of them carry CodeQuotaExceeded.
	ErrMaxSystemTempForms = &Error{Code: CodeQuotaExceeded, Msg: "temporary form limit reached"}
	ErrMaxUserForms       = &Error{Code: CodeQuotaExceeded, Msg: "per-user form limit reached"}
	ErrMaxCallerForms     = &Error{Code: CodeQuotaExceeded, Msg: "per-client form limit reached"}
)

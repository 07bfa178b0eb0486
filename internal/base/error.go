package base

import (
	"errors"
	"fmt"
)

// Error codes carried on validation and protocol errors so the controller can
// distinguish failure classes without string matching.
const (
	ECInvalidKey  = "invalidkey"
	ECInvalidFd   = "invalidfd"
	ECInvalidCwd  = "invalidcwd"
	ECDataTooBig  = "datatoobig"
	ECStartFailed = "startfailed"
	ECNoShell     = "noshell"
	ECNotFound    = "notfound"
)

// CodedErrorType wraps an error with one of the EC* codes.
type CodedErrorType struct {
	Code string
	Err  error
}

func (e *CodedErrorType) Error() string {
	return e.Err.Error()
}

func (e *CodedErrorType) Unwrap() error {
	return e.Err
}

func CodedError(code string, err error) error {
	return &CodedErrorType{Code: code, Err: err}
}

func CodedErrorf(code string, format string, args ...any) error {
	return &CodedErrorType{Code: code, Err: fmt.Errorf(format, args...)}
}

// GetErrorCode returns the error code, or "" for uncoded errors.
func GetErrorCode(err error) string {
	var coded *CodedErrorType
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

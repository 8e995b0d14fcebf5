package errors

import "fmt"

// Error codes group failures by how the pipeline reacts to them, not by
// where they occurred. Transient network errors are retried, permanent
// ones are journaled, parse and archive errors degrade to skipped items,
// and database errors abort the run.
const (
	CodeConfig            = "CONFIG"
	CodeNetworkTransient  = "NETWORK_TRANSIENT"
	CodeNetworkPermanent  = "NETWORK_PERMANENT"
	CodeDisk              = "DISK"
	CodeArchive           = "ARCHIVE"
	CodeParse             = "PARSE"
	CodeDatabase          = "DATABASE"
	CodeDatabaseTransient = "DATABASE_TRANSIENT"
)

// AppError is the error type shared across the pipeline components.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func NewConfigError(message string) *AppError {
	return &AppError{Code: CodeConfig, Message: message}
}

func NewTransientError(message string) *AppError {
	return &AppError{Code: CodeNetworkTransient, Message: message}
}

func NewPermanentError(message string) *AppError {
	return &AppError{Code: CodeNetworkPermanent, Message: message}
}

func NewDiskError(message string) *AppError {
	return &AppError{Code: CodeDisk, Message: message}
}

func NewArchiveError(message string) *AppError {
	return &AppError{Code: CodeArchive, Message: message}
}

func NewParseError(message string) *AppError {
	return &AppError{Code: CodeParse, Message: message}
}

func NewDatabaseError(message string) *AppError {
	return &AppError{Code: CodeDatabase, Message: message}
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			appErr = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return appErr != nil && appErr.Code == code
}

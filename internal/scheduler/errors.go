package scheduler

import (
	"errors"
	"fmt"
)

// ErrDeliveryFailure marks a job whose callback failed on every attempt.
var ErrDeliveryFailure = errors.New("delivery failure")

// ErrorCode classifies scheduler errors.
type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorStore        ErrorCode = "STORE_ERROR"
	ErrorDelivery     ErrorCode = "DELIVERY_FAILED"
	ErrorStopped      ErrorCode = "STOPPED"
)

// Error is returned by scheduler operations.
type Error struct {
	Code  ErrorCode
	Op    string
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	job := ""
	if e.JobID != "" {
		job = " job " + e.JobID
	}
	if e.Err == nil {
		return fmt.Sprintf("scheduler: %s%s: %s", e.Op, job, e.Code)
	}
	return fmt.Sprintf("scheduler: %s%s: %s: %v", e.Op, job, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, op, jobID string, err error) *Error {
	return &Error{Code: code, Op: op, JobID: jobID, Err: err}
}

// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"strings"

	"github.com/pingcap/errors"
)

// WrapError wraps an internal error into a normalized error. It returns nil
// if err is nil, so call sites can wrap unconditionally.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// ChangefeedFastFailErrors are non-retryable errors: once such an error is
// reported for a changefeed, the changefeed switches to the failed state and
// gives up retrying.
var ChangefeedFastFailErrors = []*errors.Error{
	ErrSinkURIInvalid,
	ErrChangefeedUnretryable,
}

// IsChangefeedFastFailError checks if an error is a fast-fail error,
// meaning the changefeed should not be retried on it.
func IsChangefeedFastFailError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range ChangefeedFastFailErrors {
		if e.Equal(err) {
			return true
		}
		rfcCode, ok := RFCCode(err)
		if ok && e.RFCCode() == rfcCode {
			return true
		}
	}
	return false
}

// RFCCode returns the RFC code of an error, extracted from the nearest
// normalized error in the chain.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	type rfcCoder interface {
		RFCCode() errors.RFCErrorCode
	}
	if terr, ok := err.(rfcCoder); ok {
		return terr.RFCCode(), true
	}
	cause := errors.Unwrap(err)
	if cause == nil {
		return "", false
	}
	return RFCCode(cause)
}

// IsContextCanceledError checks if an error is caused by context.Canceled.
func IsContextCanceledError(err error) bool {
	return errors.Cause(err) == context.Canceled
}

// IsContextDeadlineExceededError checks if an error is caused by
// context.DeadlineExceeded.
func IsContextDeadlineExceededError(err error) bool {
	return errors.Cause(err) == context.DeadlineExceeded
}

// IsRetryableError checks whether an error may succeed on retry. Context
// cancellation and deadline errors never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	return true
}

// ErrorContains reports whether errStr appears in the message of err.
func ErrorContains(err error, errStr string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), errStr)
}

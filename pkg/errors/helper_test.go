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
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	t.Parallel()
	require.Nil(t, WrapError(ErrEtcdAPIError, nil))

	err := errors.New("dial tcp: connection refused")
	wrapped := WrapError(ErrEtcdAPIError, err)
	// Equal unwraps down to the attached cause, so the normalized identity
	// travels in the RFC code, not in the cause chain
	code, ok := RFCCode(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrEtcdAPIError.RFCCode(), code)
	require.Contains(t, wrapped.Error(), "connection refused")
}

func TestIsChangefeedFastFailError(t *testing.T) {
	t.Parallel()
	err := ErrSinkURIInvalid.GenWithStackByArgs("mysql://127.0.0.1:1111")
	require.True(t, IsChangefeedFastFailError(err))

	err = ErrChangefeedUnretryable.FastGenByArgs()
	require.True(t, IsChangefeedFastFailError(err))

	require.False(t, IsChangefeedFastFailError(nil))
	require.False(t, IsChangefeedFastFailError(ErrEtcdAPIError.GenWithStackByArgs()))
	require.False(t, IsChangefeedFastFailError(errors.New("whatever")))
}

func TestRFCCode(t *testing.T) {
	t.Parallel()
	code, ok := RFCCode(ErrChangeFeedNotExists.GenWithStackByArgs("cf-1"))
	require.True(t, ok)
	require.Equal(t, errors.RFCErrorCode("CDC:ErrChangeFeedNotExists"), code)

	_, ok = RFCCode(errors.New("plain"))
	require.False(t, ok)
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()
	require.False(t, IsRetryableError(nil))
	require.False(t, IsRetryableError(context.Canceled))
	require.False(t, IsRetryableError(errors.Trace(context.DeadlineExceeded)))
	require.True(t, IsRetryableError(errors.New("transient")))
	require.True(t, IsRetryableError(ErrEtcdAPIError.GenWithStackByArgs()))
}

func TestIsContextCanceledError(t *testing.T) {
	t.Parallel()
	require.True(t, IsContextCanceledError(errors.Trace(context.Canceled)))
	require.False(t, IsContextCanceledError(context.DeadlineExceeded))
	require.False(t, IsContextCanceledError(nil))
}

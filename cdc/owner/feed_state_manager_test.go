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

package owner

import (
	"testing"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHandleAdminJobStop(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateNormal}

	changed, err := m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminStop})
	require.Nil(t, err)
	require.True(t, changed)
	require.Equal(t, model.StateStopped, info.State)
	require.Equal(t, model.AdminStop, info.AdminJobType)

	// pausing again is a no-op, not an error
	changed, err = m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminStop})
	require.Nil(t, err)
	require.False(t, changed)
}

func TestHandleAdminJobResume(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{
		State: model.StateStopped,
		Error: &model.RunningError{Code: "CDC:ErrEtcdAPIError", Message: "boom"},
	}

	changed, err := m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminResume})
	require.Nil(t, err)
	require.True(t, changed)
	require.Equal(t, model.StateNormal, info.State)
	require.Nil(t, info.Error)
}

func TestHandleAdminJobResumeFromError(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateError}

	changed, err := m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminResume})
	require.Nil(t, err)
	require.True(t, changed)
	require.Equal(t, model.StateNormal, info.State)
}

func TestHandleAdminJobRemove(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	for _, state := range []model.FeedState{
		model.StateNormal, model.StateStopped, model.StateError,
	} {
		info := &model.ChangeFeedInfo{State: state}
		changed, err := m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminRemove})
		require.Nil(t, err)
		require.True(t, changed)
		require.Equal(t, model.StateRemoved, info.State)
	}
}

func TestHandleAdminJobInvalidTransition(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateRemoved}

	_, err := m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminStop})
	require.True(t, cerror.ErrChangefeedAbnormalState.Equal(err))

	_, err = m.HandleAdminJob(info, &model.AdminJob{CfID: "cf-1", Type: model.AdminResume})
	require.True(t, cerror.ErrChangefeedAbnormalState.Equal(err))
}

func TestHandleErrorRetryable(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateNormal}

	changed := m.HandleError(info, &model.RunningError{
		Code: "CDC:ErrEtcdAPIError", Message: "transient",
	})
	require.True(t, changed)
	require.Equal(t, model.StateError, info.State)
	require.NotNil(t, info.Error)
	require.Len(t, info.ErrorHis, 1)
	require.True(t, m.shouldRetry)
	require.False(t, m.nextRetryTime.IsZero())

	// before the backoff elapses the state stays error
	require.False(t, m.Tick(info))
	require.Equal(t, model.StateError, info.State)

	// once the backoff elapses the changefeed goes back to normal
	m.nextRetryTime = time.Now().Add(-time.Second)
	require.True(t, m.Tick(info))
	require.Equal(t, model.StateNormal, info.State)
}

func TestHandleErrorFastFail(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateNormal}

	changed := m.HandleError(info, &model.RunningError{
		Code: "CDC:ErrSinkURIInvalid", Message: "bad sink",
	})
	require.True(t, changed)
	require.Equal(t, model.StateError, info.State)
	require.False(t, m.shouldRetry)

	// no automatic retry for fast fail errors
	m.nextRetryTime = time.Now().Add(-time.Second)
	require.False(t, m.Tick(info))
	require.Equal(t, model.StateError, info.State)
}

func TestHandleErrorIgnoredWhenNotRunning(t *testing.T) {
	t.Parallel()
	m := newFeedStateManager("cf-1")
	info := &model.ChangeFeedInfo{State: model.StateStopped}
	require.False(t, m.HandleError(info, &model.RunningError{Code: "CDC:ErrEtcdAPIError"}))
	require.Equal(t, model.StateStopped, info.State)
}

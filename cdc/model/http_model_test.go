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

package model

import (
	"encoding/json"
	"testing"
	"time"

	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestJSONTimeRoundTrip(t *testing.T) {
	t.Parallel()
	tm := JSONTime(time.Date(2020, 2, 2, 16, 20, 0, 0, time.UTC))
	data, err := json.Marshal(tm)
	require.Nil(t, err)
	require.Equal(t, `"2020-02-02 16:20:00.000"`, string(data))

	var restored JSONTime
	require.Nil(t, json.Unmarshal(data, &restored))
	require.Equal(t, time.Time(tm), time.Time(restored))
}

func TestNewHTTPError(t *testing.T) {
	t.Parallel()
	httpErr := NewHTTPError(cerror.ErrChangeFeedNotExists.GenWithStackByArgs("cf-1"))
	require.Equal(t, "CDC:ErrChangeFeedNotExists", httpErr.Code)
	require.Contains(t, httpErr.Error, "cf-1")

	data, err := json.Marshal(httpErr)
	require.Nil(t, err)
	require.Contains(t, string(data), `"error_code":"CDC:ErrChangeFeedNotExists"`)
	require.Contains(t, string(data), `"error_msg"`)
}

func TestChangefeedCommonInfoMarshalJSON(t *testing.T) {
	t.Parallel()
	runningErr := &RunningError{Addr: "127.0.0.1", Code: "test", Message: "test"}
	cfInfo := &ChangefeedCommonInfo{
		ID:           "cf-1",
		FeedState:    StateNormal,
		RunningError: runningErr,
	}
	// when state is normal, the error is not shown
	cfInfoJSON, err := json.Marshal(cfInfo)
	require.Nil(t, err)
	require.NotContains(t, string(cfInfoJSON), "test")

	cfInfo.FeedState = StateError
	cfInfoJSON, err = json.Marshal(cfInfo)
	require.Nil(t, err)
	require.Contains(t, string(cfInfoJSON), "test")
}

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
	"regexp"
	"time"

	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ChangeFeedID is the type for change feed ID
type ChangeFeedID = string

// TableID is the ID of a replicated table
type TableID = int64

// Ts is the timestamp type of the replication progress
type Ts = uint64

// changeFeedIDMaxLen is the max length of changefeed id
const changeFeedIDMaxLen = 128

// ComposeTs builds a TSO style timestamp from a wall-clock time, physical
// milliseconds shifted into the high bits with 18 bits left for a logical
// counter.
func ComposeTs(t time.Time) Ts {
	return Ts(t.UnixMilli()) << 18
}

var changeFeedIDRe = regexp.MustCompile(`^[a-zA-Z0-9]+(\-[a-zA-Z0-9]+)*$`)

// ValidateChangefeedID returns true if the changefeed ID matches
// the pattern "^[a-zA-Z0-9]+(\-[a-zA-Z0-9]+)*$", length no more than "changeFeedIDMaxLen", eg, "simple-changefeed-task".
func ValidateChangefeedID(changefeedID string) error {
	if !changeFeedIDRe.MatchString(changefeedID) || len(changefeedID) > changeFeedIDMaxLen {
		return cerror.ErrChangefeedIDInvalid.GenWithStackByArgs(changeFeedIDMaxLen)
	}
	return nil
}

// FeedState represents the running state of a changefeed
type FeedState string

// All FeedStates
const (
	StateNormal  FeedState = "normal"
	StateError   FeedState = "error"
	StateStopped FeedState = "stopped"
	StateRemoved FeedState = "removed"
)

// IsNeeded return true if the given feedState matches the listing filter.
// An empty filter matches every state except removed.
func (s FeedState) IsNeeded(need string) bool {
	if need == "all" {
		return true
	}
	if need == "" {
		switch s {
		case StateNormal, StateStopped, StateError:
			return true
		}
		return false
	}
	return need == string(s)
}

// IsRunning returns true if the feed is replicating.
func (s FeedState) IsRunning() bool {
	return s == StateNormal
}

// RunningError represents some running error from cdc components, such as processor.
type RunningError struct {
	Addr    string `json:"addr"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChangeFeedInfo describes the detail of a ChangeFeed
type ChangeFeedInfo struct {
	SinkURI string            `json:"sink-uri"`
	Opts    map[string]string `json:"opts"`
	// TableIDs enumerates the tables this feed replicates. It is fixed at
	// creation time.
	TableIDs   []TableID `json:"table-ids"`
	CreateTime time.Time `json:"create-time"`
	// Start sync at this commit ts if `StartTs` is specify or using the CreateTime of changefeed.
	StartTs uint64 `json:"start-ts"`
	// The ChangeFeed will exits until sync to timestamp TargetTs
	TargetTs uint64 `json:"target-ts"`

	AdminJobType AdminJobType  `json:"admin-job-type"`
	State        FeedState     `json:"state"`
	Error        *RunningError `json:"error"`
	// ErrorHis records when running errors were reported, in unix millis
	ErrorHis []int64 `json:"error-history"`

	IgnoreIneligibleTable bool `json:"ignore-ineligible-table"`
}

// Clone returns a cloned ChangeFeedInfo
func (info *ChangeFeedInfo) Clone() (*ChangeFeedInfo, error) {
	s, err := info.Marshal()
	if err != nil {
		return nil, err
	}
	cloned := new(ChangeFeedInfo)
	err = cloned.Unmarshal([]byte(s))
	return cloned, err
}

// Marshal returns the json marshal format of a ChangeFeedInfo
func (info *ChangeFeedInfo) Marshal() (string, error) {
	data, err := json.Marshal(info)
	return string(data), cerror.WrapError(cerror.ErrMarshalFailed, err)
}

// Unmarshal unmarshals into *ChangeFeedInfo from json marshal byte slice
func (info *ChangeFeedInfo) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, &info)
	if err != nil {
		return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
	}
	info.fixState()
	return nil
}

// VerifyAndComplete verifies changefeed info and may fill in some fields.
// If a required field is not provided, return an error.
func (info *ChangeFeedInfo) VerifyAndComplete() {
	if info.Opts == nil {
		info.Opts = make(map[string]string)
	}
	if info.State == "" {
		info.State = StateNormal
	}
}

// fixState attempts to fix state loss from upgrading the old owner to the new owner.
func (info *ChangeFeedInfo) fixState() {
	state := info.State
	switch info.AdminJobType {
	case AdminStop:
		state = StateStopped
	case AdminRemove:
		state = StateRemoved
	}
	if state != info.State {
		log.Info("changefeed state fixed",
			zap.String("old", string(info.State)), zap.String("new", string(state)))
		info.State = state
	}
}

// ChangeFeedStatus stores information about a ChangeFeed
type ChangeFeedStatus struct {
	ResolvedTs   uint64       `json:"resolved-ts"`
	CheckpointTs uint64       `json:"checkpoint-ts"`
	AdminJobType AdminJobType `json:"admin-job-type"`
}

// Marshal returns json encoded string of ChangeFeedStatus, only contains necessary fields stored in storage
func (status *ChangeFeedStatus) Marshal() (string, error) {
	data, err := json.Marshal(status)
	return string(data), cerror.WrapError(cerror.ErrMarshalFailed, err)
}

// Unmarshal unmarshals into *ChangeFeedStatus from json marshal byte slice
func (status *ChangeFeedStatus) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, status)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

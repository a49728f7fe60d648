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
	"fmt"
	"math"

	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
)

// AdminJobType represents for admin job type, both used in owner and processor
type AdminJobType int

// AdminJob holds an administrative job for one changefeed. Jobs are queued
// in etcd by the API layer and consumed by the owner, one changefeed's jobs
// strictly in submission order.
type AdminJob struct {
	CfID  ChangeFeedID  `json:"cf-id"`
	Type  AdminJobType  `json:"type"`
	State AdminJobState `json:"state"`
	// TargetCaptureID and TableID are set for AdminMoveTable only.
	TargetCaptureID CaptureID     `json:"target-capture-id,omitempty"`
	TableID         TableID       `json:"table-id,omitempty"`
	Error           *RunningError `json:"error,omitempty"`
}

// All AdminJob types
const (
	AdminNone AdminJobType = iota
	AdminStop
	AdminResume
	AdminRemove
	AdminFinish
	AdminRebalance
	AdminMoveTable
)

// String implements fmt.Stringer interface.
func (t AdminJobType) String() string {
	switch t {
	case AdminNone:
		return "noop"
	case AdminStop:
		return "stop changefeed"
	case AdminResume:
		return "resume changefeed"
	case AdminRemove:
		return "remove changefeed"
	case AdminFinish:
		return "finish changefeed"
	case AdminRebalance:
		return "rebalance tables"
	case AdminMoveTable:
		return "move table"
	}
	return "unknown"
}

// IsStopState returns whether changefeed is in stop state with give admin job
func (t AdminJobType) IsStopState() bool {
	switch t {
	case AdminStop, AdminRemove, AdminFinish:
		return true
	}
	return false
}

// AdminJobState is the lifecycle state of a queued admin job.
type AdminJobState string

// All AdminJob states. A job starts queued, becomes applying once the owner
// picks it up, and ends done or failed.
const (
	JobStateQueued   AdminJobState = "queued"
	JobStateApplying AdminJobState = "applying"
	JobStateDone     AdminJobState = "done"
	JobStateFailed   AdminJobState = "failed"
)

// IsTerminal returns true when the job will never change state again.
func (s AdminJobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// Marshal returns the json marshal format of an AdminJob
func (job *AdminJob) Marshal() (string, error) {
	data, err := json.Marshal(job)
	return string(data), cerror.WrapError(cerror.ErrMarshalFailed, err)
}

// Unmarshal unmarshals into *AdminJob from json marshal byte slice
func (job *AdminJob) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, job)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// TableOperation records the current information of a table migration
type TableOperation struct {
	Delete bool `json:"delete"`
	// flag means whether this table is deleted by a move-table job, if so
	// the table should be added to the target capture after the delete is
	// finished.
	Flag uint64 `json:"flag,omitempty"`
	// if the operation is a delete operation, BoundaryTs is checkpoint ts
	// if the operation is an add operation, BoundaryTs is start ts
	BoundaryTs uint64 `json:"boundary_ts"`
	Status     uint64 `json:"status,omitempty"`
}

// All TableOperation flags
const (
	// OperFlagNone is a normal table operation
	OperFlagNone uint64 = 0
	// OperFlagMoveTable means that the table operation is a move-table hand-off
	OperFlagMoveTable uint64 = 1
)

// All TableOperation status
const (
	OperDispatched uint64 = iota
	OperProcessed
	OperFinished
)

// TableProcessed returns whether the table has been processed by processor
func (o *TableOperation) TableProcessed() bool {
	return o.Status == OperProcessed || o.Status == OperFinished
}

// TableApplied returns whether the table has finished the startup procedure.
// Returns true if table has been processed by processor and resolved ts reaches global resolved ts.
func (o *TableOperation) TableApplied() bool {
	return o.Status == OperFinished
}

// Clone returns a deep-copy of the struct
func (o *TableOperation) Clone() *TableOperation {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// TableReplicaInfo records the table replica info
type TableReplicaInfo struct {
	StartTs Ts `json:"start-ts"`
}

// Clone clones a TableReplicaInfo
func (i *TableReplicaInfo) Clone() *TableReplicaInfo {
	if i == nil {
		return nil
	}
	clone := *i
	return &clone
}

// TaskStatus records the task information of a capture.
type TaskStatus struct {
	Tables    map[TableID]*TableReplicaInfo `json:"tables"`
	Operation map[TableID]*TableOperation   `json:"operation"`
	// AdminJobType records last applied admin job on the processor side.
	AdminJobType AdminJobType `json:"admin-job-type"`
	ModRevision  int64        `json:"-"`
}

// String implements fmt.Stringer interface.
func (ts *TaskStatus) String() string {
	data, _ := ts.Marshal()
	return data
}

// RemoveTable remove the table in TableInfos and add a remove table operation.
func (ts *TaskStatus) RemoveTable(id TableID, boundaryTs Ts, isMoveTable bool) (*TableReplicaInfo, bool) {
	if ts.Tables == nil {
		return nil, false
	}
	table, exist := ts.Tables[id]
	if !exist {
		return nil, false
	}
	delete(ts.Tables, id)
	op := &TableOperation{
		Delete:     true,
		BoundaryTs: boundaryTs,
	}
	if isMoveTable {
		op.Flag = OperFlagMoveTable
	}
	if ts.Operation == nil {
		ts.Operation = make(map[TableID]*TableOperation)
	}
	ts.Operation[id] = op
	return table, true
}

// AddTable adds the table in TableInfos and add an add table operation.
func (ts *TaskStatus) AddTable(id TableID, table *TableReplicaInfo, boundaryTs Ts) {
	if ts.Tables == nil {
		ts.Tables = make(map[TableID]*TableReplicaInfo)
	}
	_, exist := ts.Tables[id]
	if exist {
		return
	}
	ts.Tables[id] = table
	if ts.Operation == nil {
		ts.Operation = make(map[TableID]*TableOperation)
	}
	ts.Operation[id] = &TableOperation{
		Delete:     false,
		BoundaryTs: boundaryTs,
		Status:     OperDispatched,
	}
}

// SomeOperationsUnapplied returns true if there are some operations not applied
func (ts *TaskStatus) SomeOperationsUnapplied() bool {
	for _, o := range ts.Operation {
		if !o.TableApplied() {
			return true
		}
	}
	return false
}

// AppliedTs returns a Ts which less or equal to the ts boundary of any unapplied operation
func (ts *TaskStatus) AppliedTs() Ts {
	appliedTs := uint64(math.MaxUint64)
	for _, o := range ts.Operation {
		if !o.TableApplied() {
			if appliedTs > o.BoundaryTs {
				appliedTs = o.BoundaryTs
			}
		}
	}
	return appliedTs
}

// Snapshot takes a snapshot of `*TaskStatus` and returns a new `*ProcInfoSnap`
func (ts *TaskStatus) Snapshot(cfID ChangeFeedID, captureID CaptureID, checkpointTs Ts) *ProcInfoSnap {
	snap := &ProcInfoSnap{
		CfID:      cfID,
		CaptureID: captureID,
		Tables:    make(map[TableID]*TableReplicaInfo, len(ts.Tables)),
	}
	for tableID, table := range ts.Tables {
		startTs := checkpointTs
		if startTs < table.StartTs {
			startTs = table.StartTs
		}
		snap.Tables[tableID] = &TableReplicaInfo{
			StartTs: startTs,
		}
	}
	return snap
}

// Marshal returns the json marshal format of a TaskStatus
func (ts *TaskStatus) Marshal() (string, error) {
	data, err := json.Marshal(ts)
	return string(data), cerror.WrapError(cerror.ErrMarshalFailed, err)
}

// Unmarshal unmarshals into *TaskStatus from json marshal byte slice
func (ts *TaskStatus) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, ts)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// Clone returns a deep-copy of the struct
func (ts *TaskStatus) Clone() *TaskStatus {
	clone := *ts
	tables := make(map[TableID]*TableReplicaInfo, len(ts.Tables))
	for tableID, table := range ts.Tables {
		tables[tableID] = table.Clone()
	}
	clone.Tables = tables
	operation := make(map[TableID]*TableOperation, len(ts.Operation))
	for tableID, opt := range ts.Operation {
		operation[tableID] = opt.Clone()
	}
	clone.Operation = operation
	return &clone
}

// TaskPosition records the process information of a capture
type TaskPosition struct {
	// The maximum event CommitTs that has been synchronized.
	CheckPointTs uint64 `json:"checkpoint-ts"`
	// The event that satisfies CommitTs <= ResolvedTs can be synchronized.
	ResolvedTs uint64 `json:"resolved-ts"`
	// The count of events were synchronized. This is updated by corresponding processor.
	Count uint64 `json:"count"`
	// Error when changefeed error happens
	Error *RunningError `json:"error,omitempty"`
}

// Marshal returns the json marshal format of a TaskPosition
func (tp *TaskPosition) Marshal() (string, error) {
	data, err := json.Marshal(tp)
	return string(data), cerror.WrapError(cerror.ErrMarshalFailed, err)
}

// Unmarshal unmarshals into *TaskPosition from json marshal byte slice
func (tp *TaskPosition) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, tp)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// String implements fmt.Stringer interface.
func (tp *TaskPosition) String() string {
	data, _ := tp.Marshal()
	return data
}

// ProcInfoSnap holds most important replication information of a processor
type ProcInfoSnap struct {
	CfID      ChangeFeedID                  `json:"changefeed-id"`
	CaptureID CaptureID                     `json:"capture-id"`
	Tables    map[TableID]*TableReplicaInfo `json:"-"`
}

// VerifyJob checks the job fields that every submitter must provide.
func VerifyJob(job *AdminJob) error {
	if job.CfID == "" {
		return cerror.ErrAPIInvalidParam.GenWithStack("empty changefeed id in admin job")
	}
	switch job.Type {
	case AdminStop, AdminResume, AdminRemove, AdminFinish, AdminRebalance:
	case AdminMoveTable:
		if job.TargetCaptureID == "" {
			return cerror.ErrAPIInvalidParam.GenWithStack("move table: empty target capture id")
		}
	default:
		return cerror.ErrAPIInvalidParam.GenWithStack(
			fmt.Sprintf("invalid admin job type: %d", job.Type))
	}
	return nil
}

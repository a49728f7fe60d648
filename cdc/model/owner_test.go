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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminJobType(t *testing.T) {
	t.Parallel()
	names := map[AdminJobType]string{
		AdminNone:      "noop",
		AdminStop:      "stop changefeed",
		AdminResume:    "resume changefeed",
		AdminRemove:    "remove changefeed",
		AdminFinish:    "finish changefeed",
		AdminRebalance: "rebalance tables",
		AdminMoveTable: "move table",
	}
	for job, name := range names {
		require.Equal(t, name, job.String())
	}

	isStopped := map[AdminJobType]bool{
		AdminNone:      false,
		AdminStop:      true,
		AdminResume:    false,
		AdminRemove:    true,
		AdminFinish:    true,
		AdminRebalance: false,
		AdminMoveTable: false,
	}
	for job, stopped := range isStopped {
		require.Equal(t, stopped, job.IsStopState())
	}
}

func TestAdminJobStateTerminal(t *testing.T) {
	t.Parallel()
	require.False(t, JobStateQueued.IsTerminal())
	require.False(t, JobStateApplying.IsTerminal())
	require.True(t, JobStateDone.IsTerminal())
	require.True(t, JobStateFailed.IsTerminal())
}

func TestVerifyJob(t *testing.T) {
	t.Parallel()
	require.NotNil(t, VerifyJob(&AdminJob{Type: AdminStop}))
	require.Nil(t, VerifyJob(&AdminJob{CfID: "cf", Type: AdminStop}))
	require.Nil(t, VerifyJob(&AdminJob{CfID: "cf", Type: AdminRebalance}))
	require.NotNil(t, VerifyJob(&AdminJob{CfID: "cf", Type: AdminMoveTable}))
	require.Nil(t, VerifyJob(&AdminJob{
		CfID: "cf", Type: AdminMoveTable, TargetCaptureID: "capture-1", TableID: 49,
	}))
	require.NotNil(t, VerifyJob(&AdminJob{CfID: "cf", Type: AdminJobType(42)}))
}

func TestTaskStatusRemoveTable(t *testing.T) {
	t.Parallel()
	status := &TaskStatus{
		Tables: map[TableID]*TableReplicaInfo{
			1: {StartTs: 100},
			2: {StartTs: 300},
		},
	}

	replicaInfo, found := status.RemoveTable(2, 666, false)
	require.True(t, found)
	require.Equal(t, &TableReplicaInfo{StartTs: 300}, replicaInfo)
	require.NotContains(t, status.Tables, TableID(2))
	op := status.Operation[2]
	require.True(t, op.Delete)
	require.Equal(t, uint64(666), op.BoundaryTs)
	require.Equal(t, OperFlagNone, op.Flag)

	_, found = status.RemoveTable(42, 666, false)
	require.False(t, found)
}

func TestTaskStatusRemoveTableForMove(t *testing.T) {
	t.Parallel()
	status := &TaskStatus{
		Tables: map[TableID]*TableReplicaInfo{1: {StartTs: 100}},
	}
	_, found := status.RemoveTable(1, 200, true)
	require.True(t, found)
	require.Equal(t, OperFlagMoveTable, status.Operation[1].Flag)
}

func TestTaskStatusAddTable(t *testing.T) {
	t.Parallel()
	status := &TaskStatus{}
	status.AddTable(1, &TableReplicaInfo{StartTs: 100}, 100)
	require.Contains(t, status.Tables, TableID(1))
	op := status.Operation[1]
	require.False(t, op.Delete)
	require.Equal(t, uint64(100), op.BoundaryTs)
	require.Equal(t, OperDispatched, op.Status)

	// adding the same table twice is a no-op
	status.AddTable(1, &TableReplicaInfo{StartTs: 300}, 300)
	require.Equal(t, Ts(100), status.Tables[1].StartTs)
}

func TestTaskStatusApplyState(t *testing.T) {
	t.Parallel()
	status := &TaskStatus{}
	status.AddTable(1, &TableReplicaInfo{StartTs: 100}, 100)
	status.AddTable(2, &TableReplicaInfo{StartTs: 200}, 200)
	require.True(t, status.SomeOperationsUnapplied())
	require.Equal(t, Ts(100), status.AppliedTs())

	status.Operation[1].Status = OperFinished
	require.True(t, status.SomeOperationsUnapplied())
	require.Equal(t, Ts(200), status.AppliedTs())

	status.Operation[2].Status = OperFinished
	require.False(t, status.SomeOperationsUnapplied())
}

func TestTaskStatusClone(t *testing.T) {
	t.Parallel()
	status := &TaskStatus{
		Tables: map[TableID]*TableReplicaInfo{
			1: {StartTs: 100},
		},
		Operation: map[TableID]*TableOperation{
			1: {BoundaryTs: 100},
		},
	}
	clone := status.Clone()
	clone.Tables[2] = &TableReplicaInfo{StartTs: 300}
	clone.Operation[1].BoundaryTs = 300
	require.NotContains(t, status.Tables, TableID(2))
	require.Equal(t, uint64(100), status.Operation[1].BoundaryTs)
}

func TestAdminJobMarshal(t *testing.T) {
	t.Parallel()
	job := &AdminJob{
		CfID:            "cf-1",
		Type:            AdminMoveTable,
		State:           JobStateQueued,
		TargetCaptureID: "capture-2",
		TableID:         49,
	}
	data, err := job.Marshal()
	require.Nil(t, err)

	restored := new(AdminJob)
	require.Nil(t, restored.Unmarshal([]byte(data)))
	require.Equal(t, job, restored)
}

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
	"context"
	"testing"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type ownerTester struct {
	t      *testing.T
	ctx    context.Context
	client etcd.CDCEtcdClient
	owner  *Owner
}

func newOwnerTester(t *testing.T, captureIDs ...model.CaptureID) *ownerTester {
	clientURL, server, err := etcd.SetupEmbedEtcd(t.TempDir())
	require.Nil(t, err)
	rawClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.String()},
		DialTimeout: 3 * time.Second,
	})
	require.Nil(t, err)
	client := etcd.NewCDCEtcdClient(rawClient)
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	ctx := context.Background()
	for _, captureID := range captureIDs {
		info := &model.CaptureInfo{ID: captureID, AdvertiseAddr: "127.0.0.1:8300"}
		require.Nil(t, client.PutCaptureInfo(ctx, info, clientv3.NoLease))
	}
	o := NewOwner(client, &model.CaptureInfo{ID: captureIDs[0]}, time.Millisecond)
	return &ownerTester{t: t, ctx: ctx, client: client, owner: o}
}

func (tester *ownerTester) createChangefeed(id model.ChangeFeedID, tables ...model.TableID) {
	info := &model.ChangeFeedInfo{
		SinkURI:  "blackhole://",
		TableIDs: tables,
		StartTs:  100,
		State:    model.StateNormal,
	}
	require.Nil(tester.t, tester.client.CreateChangefeedInfo(tester.ctx, info, id))
}

func (tester *ownerTester) tick() {
	require.Nil(tester.t, tester.owner.Tick(tester.ctx))
}

func (tester *ownerTester) taskStatuses(id model.ChangeFeedID) map[model.CaptureID]*model.TaskStatus {
	statuses, err := tester.client.GetAllTaskStatus(tester.ctx, id)
	require.Nil(tester.t, err)
	return statuses
}

// finishOperations plays the processor role: ack every pending operation.
func (tester *ownerTester) finishOperations(id model.ChangeFeedID) {
	for captureID, status := range tester.taskStatuses(id) {
		changed := false
		for _, op := range status.Operation {
			if !op.TableApplied() {
				op.Status = model.OperFinished
				changed = true
			}
		}
		if changed {
			require.Nil(tester.t, tester.client.PutTaskStatus(tester.ctx, id, captureID, status))
		}
	}
}

func (tester *ownerTester) reportPosition(id model.ChangeFeedID, captureID model.CaptureID, checkpointTs model.Ts) {
	pos := &model.TaskPosition{CheckPointTs: checkpointTs, ResolvedTs: checkpointTs}
	require.Nil(tester.t, tester.client.PutTaskPosition(tester.ctx, id, captureID, pos))
}

func TestOwnerInitialDispatch(t *testing.T) {
	tester := newOwnerTester(t, "capture-1", "capture-2")
	tester.createChangefeed("cf-1", 1, 2, 3, 4)

	tester.tick()

	status, _, err := tester.client.GetChangeFeedStatus(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.Ts(100), status.CheckpointTs)

	statuses := tester.taskStatuses("cf-1")
	total := 0
	for _, taskStatus := range statuses {
		require.LessOrEqual(t, len(taskStatus.Tables), 2)
		total += len(taskStatus.Tables)
	}
	require.Equal(t, 4, total)
}

func TestOwnerCheckpointAggregation(t *testing.T) {
	tester := newOwnerTester(t, "capture-1", "capture-2")
	tester.createChangefeed("cf-1", 1, 2)
	tester.tick()

	for captureID, taskStatus := range tester.taskStatuses("cf-1") {
		if len(taskStatus.Tables) > 0 {
			tester.reportPosition("cf-1", captureID, 150)
		}
	}
	tester.finishOperations("cf-1")
	tester.tick()

	status, _, err := tester.client.GetChangeFeedStatus(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.Ts(150), status.CheckpointTs)

	// a lagging processor holds the global checkpoint back
	for captureID, taskStatus := range tester.taskStatuses("cf-1") {
		if len(taskStatus.Tables) > 0 {
			tester.reportPosition("cf-1", captureID, 120)
			break
		}
	}
	tester.tick()
	status, _, err = tester.client.GetChangeFeedStatus(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.Ts(150), status.CheckpointTs) // never regresses
}

func TestOwnerPauseAndResume(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1, 2)
	tester.tick()

	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminStop}))
	tester.tick()

	info, err := tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.StateStopped, info.State)
	require.Len(t, tester.taskStatuses("cf-1"), 0)

	// the job queue is drained
	jobs, err := tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)

	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminResume}))
	tester.tick()

	info, err = tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.StateNormal, info.State)
	statuses := tester.taskStatuses("cf-1")
	total := 0
	for _, taskStatus := range statuses {
		total += len(taskStatus.Tables)
	}
	require.Equal(t, 2, total)
}

func TestOwnerJobFIFO(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1)
	tester.tick()

	// pause then resume queued back to back: both apply in order, the feed
	// ends up running
	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminStop}))
	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminResume}))
	tester.tick()

	info, err := tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.StateNormal, info.State)
}

func TestOwnerRemovePurgesData(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1, 2)
	tester.tick()

	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminRemove}))
	tester.tick()

	_, err := tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
	_, _, err = tester.client.GetChangeFeedStatus(tester.ctx, "cf-1")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
	require.Len(t, tester.taskStatuses("cf-1"), 0)

	// the id can be reused after removal
	tester.createChangefeed("cf-1", 1)
	tester.tick()
	info, err := tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.StateNormal, info.State)
}

func TestOwnerMoveTable(t *testing.T) {
	tester := newOwnerTester(t, "capture-1", "capture-2")
	tester.createChangefeed("cf-1", 1)
	tester.tick()
	tester.finishOperations("cf-1")

	var source, target model.CaptureID
	for captureID, taskStatus := range tester.taskStatuses("cf-1") {
		if len(taskStatus.Tables) > 0 {
			source = captureID
		}
	}
	if source == "capture-1" {
		target = "capture-2"
	} else {
		target = "capture-1"
	}

	require.Nil(t, tester.client.PutAdminJob(tester.ctx, &model.AdminJob{
		CfID: "cf-1", Type: model.AdminMoveTable, TableID: 1, TargetCaptureID: target,
	}))

	// phase one: the source is asked to release the table
	tester.tick()
	statuses := tester.taskStatuses("cf-1")
	require.NotContains(t, statuses[source].Tables, model.TableID(1))
	op := statuses[source].Operation[1]
	require.True(t, op.Delete)
	require.Equal(t, model.OperFlagMoveTable, op.Flag)

	// the job stays queued until the processor confirms the release
	jobs, err := tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 1)

	// the processor acks, phase two hands the table to the target
	tester.finishOperations("cf-1")
	tester.tick()
	statuses = tester.taskStatuses("cf-1")
	require.Contains(t, statuses[target].Tables, model.TableID(1))
	jobs, err = tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

func TestOwnerMoveTableValidation(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1)
	tester.tick()

	// unknown target capture fails the job
	require.Nil(t, tester.client.PutAdminJob(tester.ctx, &model.AdminJob{
		CfID: "cf-1", Type: model.AdminMoveTable, TableID: 1, TargetCaptureID: "ghost",
	}))
	tester.tick()
	jobs, err := tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)

	// unknown table fails the job
	require.Nil(t, tester.client.PutAdminJob(tester.ctx, &model.AdminJob{
		CfID: "cf-1", Type: model.AdminMoveTable, TableID: 42, TargetCaptureID: "capture-1",
	}))
	tester.tick()
	jobs, err = tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

func TestOwnerRebalance(t *testing.T) {
	tester := newOwnerTester(t, "capture-1", "capture-2")
	tester.createChangefeed("cf-1", 1, 2, 3, 4)

	// pile every table onto capture-1 by hand
	status := &model.TaskStatus{}
	for _, tableID := range []model.TableID{1, 2, 3, 4} {
		status.AddTable(tableID, &model.TableReplicaInfo{StartTs: 100}, 100)
	}
	require.Nil(t, tester.client.PutTaskStatus(tester.ctx, "cf-1", "capture-1", status))
	tester.finishOperations("cf-1")

	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "cf-1", Type: model.AdminRebalance}))

	// run ticks with the fake processor acking releases in between
	for i := 0; i < 4; i++ {
		tester.tick()
		tester.finishOperations("cf-1")
	}

	statuses := tester.taskStatuses("cf-1")
	require.Len(t, statuses["capture-1"].Tables, 2)
	require.Len(t, statuses["capture-2"].Tables, 2)
	jobs, err := tester.client.GetQueuedAdminJobs(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

func TestOwnerStaleTaskCleanup(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1, 2)
	tester.tick()
	tester.finishOperations("cf-1")

	// a task status of a capture that is not registered any more
	ghost := &model.TaskStatus{}
	ghost.AddTable(99, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, tester.client.PutTaskStatus(tester.ctx, "cf-1", "ghost-capture", ghost))

	tester.tick()
	statuses := tester.taskStatuses("cf-1")
	require.NotContains(t, statuses, model.CaptureID("ghost-capture"))
}

func TestOwnerProcessorErrorMovesFeedToError(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	tester.createChangefeed("cf-1", 1)
	tester.tick()
	tester.finishOperations("cf-1")

	pos := &model.TaskPosition{
		CheckPointTs: 100,
		ResolvedTs:   100,
		Error:        &model.RunningError{Addr: "127.0.0.1", Code: "CDC:ErrEtcdAPIError", Message: "boom"},
	}
	require.Nil(t, tester.client.PutTaskPosition(tester.ctx, "cf-1", "capture-1", pos))
	tester.tick()

	info, err := tester.client.GetChangeFeedInfo(tester.ctx, "cf-1")
	require.Nil(t, err)
	require.Equal(t, model.StateError, info.State)
	require.NotNil(t, info.Error)
	require.Equal(t, "boom", info.Error.Message)
}

func TestOwnerDropsJobsOfUnknownChangefeed(t *testing.T) {
	tester := newOwnerTester(t, "capture-1")
	require.Nil(t, tester.client.PutAdminJob(tester.ctx,
		&model.AdminJob{CfID: "ghost-cf", Type: model.AdminStop}))
	tester.tick()

	jobs, err := tester.client.GetQueuedAdminJobs(tester.ctx, "ghost-cf")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

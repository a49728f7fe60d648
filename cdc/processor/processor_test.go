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

package processor

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

func newProcessorTester(t *testing.T) (context.Context, etcd.CDCEtcdClient, *model.CaptureInfo) {
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
	captureInfo := &model.CaptureInfo{ID: "capture-1", AdvertiseAddr: "127.0.0.1:8300"}
	return context.Background(), client, captureInfo
}

func prepareChangefeed(t *testing.T, ctx context.Context, client etcd.CDCEtcdClient) *model.ChangeFeedInfo {
	info := &model.ChangeFeedInfo{
		SinkURI:  "blackhole://",
		TableIDs: []model.TableID{1, 2},
		StartTs:  100,
		State:    model.StateNormal,
	}
	require.Nil(t, client.CreateChangefeedInfo(ctx, info, "cf-1"))
	return info
}

func TestProcessorHandlesAddOperation(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)
	info := prepareChangefeed(t, ctx, client)

	status := &model.TaskStatus{}
	status.AddTable(1, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	p, err := newProcessor(ctx, client, captureInfo, "cf-1", info)
	require.Nil(t, err)
	defer func() { require.Nil(t, p.Close(ctx)) }()

	require.Nil(t, p.Tick(ctx))
	require.Contains(t, p.tables, model.TableID(1))

	// the operation is acked in the registry
	_, newStatus, err := client.GetTaskStatus(ctx, "cf-1", captureInfo.ID)
	require.Nil(t, err)
	require.True(t, newStatus.Operation[1].TableApplied())

	// and the position is reported
	_, position, err := client.GetTaskPosition(ctx, "cf-1", captureInfo.ID)
	require.Nil(t, err)
	require.GreaterOrEqual(t, position.CheckPointTs, model.Ts(100))
	require.Nil(t, position.Error)
}

func TestProcessorHandlesDeleteOperation(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)
	info := prepareChangefeed(t, ctx, client)

	status := &model.TaskStatus{}
	status.AddTable(1, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	p, err := newProcessor(ctx, client, captureInfo, "cf-1", info)
	require.Nil(t, err)
	defer func() { require.Nil(t, p.Close(ctx)) }()
	require.Nil(t, p.Tick(ctx))
	require.Contains(t, p.tables, model.TableID(1))

	// the owner asks for a release
	_, newStatus, err := client.GetTaskStatus(ctx, "cf-1", captureInfo.ID)
	require.Nil(t, err)
	_, found := newStatus.RemoveTable(1, 200, true)
	require.True(t, found)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, newStatus))

	require.Nil(t, p.Tick(ctx))
	require.NotContains(t, p.tables, model.TableID(1))
	_, newStatus, err = client.GetTaskStatus(ctx, "cf-1", captureInfo.ID)
	require.Nil(t, err)
	require.True(t, newStatus.Operation[1].TableApplied())
	require.Equal(t, model.OperFlagMoveTable, newStatus.Operation[1].Flag)
}

func TestProcessorExitsWhenStatusGone(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)
	info := prepareChangefeed(t, ctx, client)

	status := &model.TaskStatus{}
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	p, err := newProcessor(ctx, client, captureInfo, "cf-1", info)
	require.Nil(t, err)
	defer func() { require.Nil(t, p.Close(ctx)) }()
	require.Nil(t, p.Tick(ctx))

	require.Nil(t, client.DeleteTaskStatus(ctx, "cf-1", captureInfo.ID))
	err = p.Tick(ctx)
	require.True(t, cerror.ErrProcessorExited.Equal(err))
}

func TestProcessorCheckpointAdvances(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)
	info := prepareChangefeed(t, ctx, client)

	status := &model.TaskStatus{}
	status.AddTable(1, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	p, err := newProcessor(ctx, client, captureInfo, "cf-1", info)
	require.Nil(t, err)
	defer func() { require.Nil(t, p.Close(ctx)) }()

	require.Nil(t, p.Tick(ctx))
	first := p.checkpointTs
	require.Greater(t, first, model.Ts(100))

	time.Sleep(5 * time.Millisecond)
	require.Nil(t, p.Tick(ctx))
	require.GreaterOrEqual(t, p.checkpointTs, first)
}

func TestManagerLifecycle(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)
	prepareChangefeed(t, ctx, client)

	m := NewManager(client, captureInfo, time.Millisecond)

	// no task status yet, nothing starts
	require.Nil(t, m.Tick(ctx))
	require.Len(t, m.processors, 0)

	status := &model.TaskStatus{}
	status.AddTable(1, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	require.Nil(t, m.Tick(ctx))
	require.Len(t, m.processors, 1)

	// owner takes the work away, the processor winds down
	require.Nil(t, client.DeleteTaskStatus(ctx, "cf-1", captureInfo.ID))
	require.Nil(t, m.Tick(ctx))
	require.Len(t, m.processors, 0)
}

func TestManagerReportsSinkCreateError(t *testing.T) {
	ctx, client, captureInfo := newProcessorTester(t)

	// nothing listens on this port, so creating the sink fails
	info := &model.ChangeFeedInfo{
		SinkURI:  "mysql://127.0.0.1:1",
		TableIDs: []model.TableID{1},
		StartTs:  100,
		State:    model.StateNormal,
	}
	require.Nil(t, client.CreateChangefeedInfo(ctx, info, "cf-1"))

	status := &model.TaskStatus{}
	status.AddTable(1, &model.TableReplicaInfo{StartTs: 100}, 100)
	require.Nil(t, client.PutTaskStatus(ctx, "cf-1", captureInfo.ID, status))

	m := NewManager(client, captureInfo, time.Millisecond)
	require.Nil(t, m.Tick(ctx))
	require.Len(t, m.processors, 0)

	// the failure must reach the owner through the task position
	_, position, err := client.GetTaskPosition(ctx, "cf-1", captureInfo.ID)
	require.Nil(t, err)
	require.NotNil(t, position.Error)
	require.Equal(t, string(cerror.ErrSinkURIInvalid.RFCCode()), position.Error.Code)
	require.Equal(t, captureInfo.AdvertiseAddr, position.Error.Addr)
	require.Equal(t, model.Ts(100), position.CheckPointTs)
}

func TestComposeTsMonotonic(t *testing.T) {
	t.Parallel()
	a := model.ComposeTs(time.Now())
	time.Sleep(2 * time.Millisecond)
	b := model.ComposeTs(time.Now())
	require.Greater(t, b, a)
}

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

package etcd

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

type etcdTester struct {
	etcd      *embed.Etcd
	clientURL *url.URL
	client    CDCEtcdClient
}

func newEtcdTester(t *testing.T) *etcdTester {
	s := &etcdTester{}
	var err error
	s.clientURL, s.etcd, err = SetupEmbedEtcd(t.TempDir())
	require.Nil(t, err)
	rawClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{s.clientURL.String()},
		DialTimeout: 3 * time.Second,
	})
	require.Nil(t, err)
	s.client = NewCDCEtcdClient(rawClient)
	t.Cleanup(func() {
		_ = s.client.Close()
		s.etcd.Close()
	})
	return s
}

func TestGetChangeFeeds(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	testCases := []struct {
		ids     []string
		details []string
	}{
		{ids: nil, details: nil},
		{ids: []string{"id"}, details: []string{`{"sink-uri":"blackhole://"}`}},
		{
			ids:     []string{"id", "id1", "id2"},
			details: []string{`{"sink-uri":"blackhole://"}`, `{"sink-uri":"blackhole://1"}`, `{"sink-uri":"blackhole://2"}`},
		},
	}
	for _, tc := range testCases {
		for i := 0; i < len(tc.ids); i++ {
			_, err := s.client.Client.Put(ctx, GetEtcdKeyChangeFeedInfo(tc.ids[i]), tc.details[i])
			require.Nil(t, err)
		}
		_, result, err := s.client.GetChangeFeeds(ctx)
		require.Nil(t, err)
		require.Equal(t, len(tc.ids), len(result))
		for i := 0; i < len(tc.ids); i++ {
			rawKv, ok := result[tc.ids[i]]
			require.True(t, ok)
			require.Equal(t, tc.details[i], string(rawKv.Value))
		}
		require.Nil(t, s.client.ClearAllCDCInfo(ctx))
		_, result, err = s.client.GetChangeFeeds(ctx)
		require.Nil(t, err)
		require.Equal(t, 0, len(result))
	}
}

func TestCreateChangefeed(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	detail := &model.ChangeFeedInfo{
		SinkURI: "blackhole://",
		State:   model.StateNormal,
	}

	err := s.client.CreateChangefeedInfo(ctx, detail, "test-id")
	require.Nil(t, err)

	err = s.client.CreateChangefeedInfo(ctx, detail, "test-id")
	require.True(t, cerror.ErrChangeFeedAlreadyExists.Equal(err))

	err = s.client.CreateChangefeedInfo(ctx, detail, "bad id")
	require.True(t, cerror.ErrChangefeedIDInvalid.Equal(err))
}

func TestGetChangeFeedInfoNotExists(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	_, err := s.client.GetChangeFeedInfo(ctx, "ghost")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
}

func TestGetPutTaskStatus(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	info := &model.TaskStatus{
		Tables: map[model.TableID]*model.TableReplicaInfo{
			1: {StartTs: 100},
		},
	}

	feedID := "feedid"
	captureID := "captureid"

	err := s.client.PutTaskStatus(ctx, feedID, captureID, info)
	require.Nil(t, err)

	modRevision, getInfo, err := s.client.GetTaskStatus(ctx, feedID, captureID)
	require.Nil(t, err)
	require.Greater(t, modRevision, int64(0))
	require.Equal(t, info.Tables, getInfo.Tables)

	statuses, err := s.client.GetAllTaskStatus(ctx, feedID)
	require.Nil(t, err)
	require.Len(t, statuses, 1)
	require.Contains(t, statuses, captureID)

	require.Nil(t, s.client.DeleteTaskStatus(ctx, feedID, captureID))
	_, _, err = s.client.GetTaskStatus(ctx, feedID, captureID)
	require.True(t, cerror.ErrTaskStatusNotExists.Equal(err))
}

func TestAtomicPutTaskStatus(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	feedID := "feedid"
	captureID := "captureid"
	info := &model.TaskStatus{}

	require.Nil(t, s.client.PutTaskStatus(ctx, feedID, captureID, info))
	modRevision, _, err := s.client.GetTaskStatus(ctx, feedID, captureID)
	require.Nil(t, err)

	ok, err := s.client.AtomicPutTaskStatus(ctx, feedID, captureID, modRevision, info)
	require.Nil(t, err)
	require.True(t, ok)

	// stale revision, put must not take effect
	ok, err = s.client.AtomicPutTaskStatus(ctx, feedID, captureID, modRevision, info)
	require.Nil(t, err)
	require.False(t, ok)
}

func TestGetPutTaskPosition(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()
	feedID := "feedid"
	captureID := "captureid"
	pos := &model.TaskPosition{CheckPointTs: 96, ResolvedTs: 96}

	require.Nil(t, s.client.PutTaskPosition(ctx, feedID, captureID, pos))

	_, getPos, err := s.client.GetTaskPosition(ctx, feedID, captureID)
	require.Nil(t, err)
	require.Equal(t, pos, getPos)

	positions, err := s.client.GetAllTaskPositions(ctx, feedID)
	require.Nil(t, err)
	require.Len(t, positions, 1)

	require.Nil(t, s.client.DeleteTaskPosition(ctx, feedID, captureID))
	positions, err = s.client.GetAllTaskPositions(ctx, feedID)
	require.Nil(t, err)
	require.Len(t, positions, 0)
}

func TestPutGetCaptures(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()

	infos := []*model.CaptureInfo{
		{ID: "a3f41a6a-3c31-44f4-aa27-344c1b8cd658", AdvertiseAddr: "127.0.0.1:8301"},
		{ID: "cdb041a9-a765-4039-97fb-546ef07004cc", AdvertiseAddr: "127.0.0.1:8302"},
	}
	for _, info := range infos {
		require.Nil(t, s.client.PutCaptureInfo(ctx, info, clientv3.NoLease))
	}

	_, captures, err := s.client.GetCaptures(ctx)
	require.Nil(t, err)
	require.Len(t, captures, len(infos))
	sort.Slice(captures, func(i, j int) bool { return captures[i].ID < captures[j].ID })
	require.Equal(t, infos, captures)

	got, err := s.client.GetCaptureInfo(ctx, infos[0].ID)
	require.Nil(t, err)
	require.Equal(t, infos[0], got)

	require.Nil(t, s.client.DeleteCaptureInfo(ctx, infos[0].ID))
	_, err = s.client.GetCaptureInfo(ctx, infos[0].ID)
	require.True(t, cerror.ErrCaptureNotExist.Equal(err))
}

func TestChangeFeedStatus(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()

	_, _, err := s.client.GetChangeFeedStatus(ctx, "test1")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))

	status := &model.ChangeFeedStatus{ResolvedTs: 2, CheckpointTs: 1}
	require.Nil(t, s.client.PutChangeFeedStatus(ctx, "test1", status))

	newStatus, _, err := s.client.GetChangeFeedStatus(ctx, "test1")
	require.Nil(t, err)
	require.Equal(t, status, newStatus)

	require.Nil(t, s.client.DeleteChangeFeedStatus(ctx, "test1"))
	_, _, err = s.client.GetChangeFeedStatus(ctx, "test1")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
}

func TestAdminJobQueueOrder(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()

	jobTypes := []model.AdminJobType{model.AdminStop, model.AdminResume, model.AdminRebalance}
	for _, tp := range jobTypes {
		require.Nil(t, s.client.PutAdminJob(ctx, &model.AdminJob{CfID: "cf-1", Type: tp}))
	}
	require.Nil(t, s.client.PutAdminJob(ctx, &model.AdminJob{CfID: "cf-2", Type: model.AdminRemove}))

	jobs, err := s.client.GetQueuedAdminJobs(ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 3)
	for i, queued := range jobs {
		require.Equal(t, jobTypes[i], queued.Job.Type)
		require.Equal(t, model.JobStateQueued, queued.Job.State)
	}

	allJobs, err := s.client.GetAllQueuedAdminJobs(ctx)
	require.Nil(t, err)
	require.Len(t, allJobs, 2)
	require.Len(t, allJobs["cf-1"], 3)
	require.Len(t, allJobs["cf-2"], 1)

	// a terminal job disappears from the queue view
	head := jobs[0]
	head.Job.State = model.JobStateDone
	require.Nil(t, s.client.UpdateQueuedAdminJob(ctx, head.Key, head.Job))
	jobs, err = s.client.GetQueuedAdminJobs(ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, model.AdminResume, jobs[0].Job.Type)

	require.Nil(t, s.client.DeleteAdminJobQueue(ctx, "cf-1"))
	jobs, err = s.client.GetQueuedAdminJobs(ctx, "cf-1")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

func TestDeleteChangefeedData(t *testing.T) {
	s := newEtcdTester(t)
	ctx := context.Background()

	info := &model.ChangeFeedInfo{SinkURI: "blackhole://", State: model.StateNormal}
	require.Nil(t, s.client.CreateChangefeedInfo(ctx, info, "cf-gone"))
	require.Nil(t, s.client.PutChangeFeedStatus(ctx, "cf-gone", &model.ChangeFeedStatus{CheckpointTs: 1}))
	require.Nil(t, s.client.PutTaskStatus(ctx, "cf-gone", "capture-1", &model.TaskStatus{}))
	require.Nil(t, s.client.PutTaskPosition(ctx, "cf-gone", "capture-1", &model.TaskPosition{}))
	require.Nil(t, s.client.PutAdminJob(ctx, &model.AdminJob{CfID: "cf-gone", Type: model.AdminRemove}))

	require.Nil(t, s.client.DeleteChangefeedData(ctx, "cf-gone"))

	_, err := s.client.GetChangeFeedInfo(ctx, "cf-gone")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
	_, _, err = s.client.GetChangeFeedStatus(ctx, "cf-gone")
	require.True(t, cerror.ErrChangeFeedNotExists.Equal(err))
	statuses, err := s.client.GetAllTaskStatus(ctx, "cf-gone")
	require.Nil(t, err)
	require.Len(t, statuses, 0)
	jobs, err := s.client.GetQueuedAdminJobs(ctx, "cf-gone")
	require.Nil(t, err)
	require.Len(t, jobs, 0)
}

func TestExtractKeySuffix(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		input  string
		expect string
		hasErr bool
	}{
		{fmt.Sprintf("%s/capture/info/6a6c6dd290bc8732", EtcdKeyBase), "6a6c6dd290bc8732", false},
		{fmt.Sprintf("%s/changefeed/info/test-_feed", EtcdKeyBase), "test-_feed", false},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tc := range testCases {
		key, err := extractKeySuffix(tc.input)
		if tc.hasErr {
			require.NotNil(t, err)
		} else {
			require.Nil(t, err)
			require.Equal(t, tc.expect, key)
		}
	}
}

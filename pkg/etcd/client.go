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
	"strings"
	"sync/atomic"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// CDCEtcdClient is a wrap of etcd client
type CDCEtcdClient struct {
	Client *clientv3.Client
}

// NewCDCEtcdClient returns a new CDCEtcdClient
func NewCDCEtcdClient(client *clientv3.Client) CDCEtcdClient {
	return CDCEtcdClient{Client: client}
}

// Close releases resources in CDCEtcdClient
func (c CDCEtcdClient) Close() error {
	return c.Client.Close()
}

// ClearAllCDCInfo delete all keys created by CDC
func (c CDCEtcdClient) ClearAllCDCInfo(ctx context.Context) error {
	_, err := c.Client.Delete(ctx, EtcdKeyBase, clientv3.WithPrefix())
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// GetAllCDCInfo get all keys created by CDC
func (c CDCEtcdClient) GetAllCDCInfo(ctx context.Context) ([]*mvccpb.KeyValue, error) {
	resp, err := c.Client.Get(ctx, EtcdKeyBase, clientv3.WithPrefix())
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	return resp.Kvs, nil
}

// GetChangeFeeds returns kv revision and a map mapping from changefeedID to changefeed detail mvccpb.KeyValue
func (c CDCEtcdClient) GetChangeFeeds(ctx context.Context) (int64, map[string]*mvccpb.KeyValue, error) {
	key := GetEtcdKeyChangeFeedList()
	resp, err := c.Client.Get(ctx, key, clientv3.WithPrefix())
	if err != nil {
		return 0, nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	revision := resp.Header.Revision
	details := make(map[string]*mvccpb.KeyValue, resp.Count)
	for _, kv := range resp.Kvs {
		id, err := extractKeySuffix(string(kv.Key))
		if err != nil {
			return 0, nil, err
		}
		details[id] = kv
	}
	return revision, details, nil
}

// GetAllChangeFeedInfo queries all changefeed information
func (c CDCEtcdClient) GetAllChangeFeedInfo(ctx context.Context) (map[string]*model.ChangeFeedInfo, error) {
	_, details, err := c.GetChangeFeeds(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	allFeedInfo := make(map[string]*model.ChangeFeedInfo, len(details))
	for id, rawDetail := range details {
		info := &model.ChangeFeedInfo{}
		if err := info.Unmarshal(rawDetail.Value); err != nil {
			return nil, errors.Trace(err)
		}
		allFeedInfo[id] = info
	}
	return allFeedInfo, nil
}

// GetChangeFeedInfo queries the config of a given changefeed
func (c CDCEtcdClient) GetChangeFeedInfo(ctx context.Context, id string) (*model.ChangeFeedInfo, error) {
	key := GetEtcdKeyChangeFeedInfo(id)
	resp, err := c.Client.Get(ctx, key)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if resp.Count == 0 {
		return nil, cerror.ErrChangeFeedNotExists.GenWithStackByArgs(key)
	}
	detail := &model.ChangeFeedInfo{}
	err = detail.Unmarshal(resp.Kvs[0].Value)
	return detail, errors.Trace(err)
}

// SaveChangeFeedInfo stores change feed info into etcd
func (c CDCEtcdClient) SaveChangeFeedInfo(ctx context.Context, info *model.ChangeFeedInfo, changefeedID string) error {
	key := GetEtcdKeyChangeFeedInfo(changefeedID)
	value, err := info.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = c.Client.Put(ctx, key, value)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// CreateChangefeedInfo creates a change feed info into etcd and fails if it is already exists.
func (c CDCEtcdClient) CreateChangefeedInfo(ctx context.Context, info *model.ChangeFeedInfo, changeFeedID string) error {
	if err := model.ValidateChangefeedID(changeFeedID); err != nil {
		return err
	}
	infoKey := GetEtcdKeyChangeFeedInfo(changeFeedID)
	jobKey := GetEtcdKeyJob(changeFeedID)
	value, err := info.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	resp, err := c.Client.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(infoKey), "=", 0),
		clientv3.Compare(clientv3.ModRevision(jobKey), "=", 0),
	).Then(
		clientv3.OpPut(infoKey, value),
	).Commit()
	if err != nil {
		return cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if !resp.Succeeded {
		log.Warn("changefeed already exists, ignore create changefeed",
			zap.String("changefeed", changeFeedID))
		return cerror.ErrChangeFeedAlreadyExists.GenWithStackByArgs(changeFeedID)
	}
	return errors.Trace(err)
}

// DeleteChangeFeedInfo deletes a changefeed config from etcd
func (c CDCEtcdClient) DeleteChangeFeedInfo(ctx context.Context, id string) error {
	key := GetEtcdKeyChangeFeedInfo(id)
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// GetChangeFeedStatus queries the checkpointTs and resolvedTs of a given changefeed
func (c CDCEtcdClient) GetChangeFeedStatus(ctx context.Context, id string) (*model.ChangeFeedStatus, int64, error) {
	key := GetEtcdKeyJob(id)
	resp, err := c.Client.Get(ctx, key)
	if err != nil {
		return nil, 0, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if resp.Count == 0 {
		return nil, 0, cerror.ErrChangeFeedNotExists.GenWithStackByArgs(key)
	}
	info := &model.ChangeFeedStatus{}
	err = info.Unmarshal(resp.Kvs[0].Value)
	return info, resp.Kvs[0].ModRevision, errors.Trace(err)
}

// PutChangeFeedStatus puts a changefeed synchronization status into etcd
func (c CDCEtcdClient) PutChangeFeedStatus(
	ctx context.Context,
	changefeedID string,
	status *model.ChangeFeedStatus,
) error {
	key := GetEtcdKeyJob(changefeedID)
	value, err := status.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = c.Client.Put(ctx, key, value)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteChangeFeedStatus deletes a changefeed synchronization status from etcd
func (c CDCEtcdClient) DeleteChangeFeedStatus(ctx context.Context, changefeedID string) error {
	key := GetEtcdKeyJob(changefeedID)
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// GetCaptures returns kv revision and CaptureInfo list
func (c CDCEtcdClient) GetCaptures(ctx context.Context) (int64, []*model.CaptureInfo, error) {
	key := CaptureInfoKeyPrefix
	resp, err := c.Client.Get(ctx, key, clientv3.WithPrefix())
	if err != nil {
		return 0, nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	revision := resp.Header.Revision
	infos := make([]*model.CaptureInfo, 0, resp.Count)
	for _, kv := range resp.Kvs {
		info := &model.CaptureInfo{}
		err := info.Unmarshal(kv.Value)
		if err != nil {
			return 0, nil, errors.Trace(err)
		}
		infos = append(infos, info)
	}
	return revision, infos, nil
}

// GetCaptureInfo get capture info from etcd.
// return ErrCaptureNotExist if the capture not exists.
func (c CDCEtcdClient) GetCaptureInfo(ctx context.Context, id string) (info *model.CaptureInfo, err error) {
	key := GetEtcdKeyCaptureInfo(id)
	resp, err := c.Client.Get(ctx, key)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, cerror.ErrCaptureNotExist.GenWithStackByArgs(key)
	}
	info = new(model.CaptureInfo)
	err = info.Unmarshal(resp.Kvs[0].Value)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return
}

// PutCaptureInfo put capture info into etcd,
// this happens when the capture starts.
func (c CDCEtcdClient) PutCaptureInfo(ctx context.Context, info *model.CaptureInfo, leaseID clientv3.LeaseID) error {
	data, err := info.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	key := GetEtcdKeyCaptureInfo(info.ID)
	_, err = c.Client.Put(ctx, key, string(data), clientv3.WithLease(leaseID))
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteCaptureInfo delete capture info from etcd.
func (c CDCEtcdClient) DeleteCaptureInfo(ctx context.Context, id string) error {
	key := GetEtcdKeyCaptureInfo(id)
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// GetOwnerID returns the owner by querying the Server who holds the smallest lease on the election prefix
func (c CDCEtcdClient) GetOwnerID(ctx context.Context, key string) (string, error) {
	resp, err := c.Client.Get(ctx, key, clientv3.WithFirstCreate()...)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if len(resp.Kvs) == 0 {
		return "", concurrency.ErrElectionNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}

// GetAllTaskStatus queries all task status of a changefeed, and returns a map
// mapping from captureID to TaskStatus
func (c CDCEtcdClient) GetAllTaskStatus(ctx context.Context, changefeedID string) (map[string]*model.TaskStatus, error) {
	resp, err := c.Client.Get(ctx, GetEtcdKeyTaskStatusList(changefeedID), clientv3.WithPrefix())
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	pinfo := make(map[string]*model.TaskStatus, resp.Count)
	for _, rawKv := range resp.Kvs {
		captureID, err := extractKeySuffix(string(rawKv.Key))
		if err != nil {
			return nil, err
		}
		info := &model.TaskStatus{}
		err = info.Unmarshal(rawKv.Value)
		if err != nil {
			return nil, cerror.ErrUnmarshalFailed.Wrap(err).GenWithStackByArgs()
		}
		info.ModRevision = rawKv.ModRevision
		pinfo[captureID] = info
	}
	return pinfo, nil
}

// GetTaskStatus queries task status from etcd, returns
//   - ModRevision of the given key
//   - *model.TaskStatus unmarshaled from the value
//   - error if error happens
func (c CDCEtcdClient) GetTaskStatus(
	ctx context.Context,
	changefeedID string,
	captureID string,
) (int64, *model.TaskStatus, error) {
	key := GetEtcdKeyTaskStatus(changefeedID, captureID)
	resp, err := c.Client.Get(ctx, key)
	if err != nil {
		return 0, nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if resp.Count == 0 {
		return 0, nil, cerror.ErrTaskStatusNotExists.GenWithStackByArgs(key)
	}
	info := &model.TaskStatus{}
	err = info.Unmarshal(resp.Kvs[0].Value)
	return resp.Kvs[0].ModRevision, info, errors.Trace(err)
}

// PutTaskStatus puts task status into etcd.
func (c CDCEtcdClient) PutTaskStatus(
	ctx context.Context,
	changefeedID string,
	captureID string,
	info *model.TaskStatus,
) error {
	data, err := info.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	key := GetEtcdKeyTaskStatus(changefeedID, captureID)
	_, err = c.Client.Put(ctx, key, data)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// AtomicPutTaskStatus puts task status into etcd atomically: the put succeeds
// only if the key has not been modified since the given revision. It returns
// whether the put took effect.
func (c CDCEtcdClient) AtomicPutTaskStatus(
	ctx context.Context,
	changefeedID string,
	captureID string,
	modRevision int64,
	info *model.TaskStatus,
) (bool, error) {
	data, err := info.Marshal()
	if err != nil {
		return false, errors.Trace(err)
	}
	key := GetEtcdKeyTaskStatus(changefeedID, captureID)
	resp, err := c.Client.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(key), "=", modRevision),
	).Then(
		clientv3.OpPut(key, data),
	).Commit()
	if err != nil {
		return false, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	return resp.Succeeded, nil
}

// DeleteTaskStatus deletes task status from etcd
func (c CDCEtcdClient) DeleteTaskStatus(
	ctx context.Context,
	cfID string,
	captureID string,
) error {
	key := GetEtcdKeyTaskStatus(cfID, captureID)
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// GetAllTaskPositions queries all task positions of a changefeed, and returns a map
// mapping from captureID to TaskPositions
func (c CDCEtcdClient) GetAllTaskPositions(ctx context.Context, changefeedID string) (map[string]*model.TaskPosition, error) {
	resp, err := c.Client.Get(ctx, GetEtcdKeyTaskPositionList(changefeedID), clientv3.WithPrefix())
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	positions := make(map[string]*model.TaskPosition, resp.Count)
	for _, rawKv := range resp.Kvs {
		captureID, err := extractKeySuffix(string(rawKv.Key))
		if err != nil {
			return nil, err
		}
		info := &model.TaskPosition{}
		err = info.Unmarshal(rawKv.Value)
		if err != nil {
			return nil, cerror.ErrUnmarshalFailed.Wrap(err).GenWithStackByArgs()
		}
		positions[captureID] = info
	}
	return positions, nil
}

// GetTaskPosition queries task position from etcd, returns
//   - ModRevision of the given key
//   - *model.TaskPosition unmarshaled from the value
//   - error if error happens
func (c CDCEtcdClient) GetTaskPosition(
	ctx context.Context,
	changefeedID string,
	captureID string,
) (int64, *model.TaskPosition, error) {
	key := GetEtcdKeyTaskPosition(changefeedID, captureID)
	resp, err := c.Client.Get(ctx, key)
	if err != nil {
		return 0, nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if resp.Count == 0 {
		return 0, nil, cerror.ErrTaskStatusNotExists.GenWithStackByArgs(key)
	}
	info := &model.TaskPosition{}
	err = info.Unmarshal(resp.Kvs[0].Value)
	return resp.Kvs[0].ModRevision, info, errors.Trace(err)
}

// PutTaskPosition puts task position into etcd
func (c CDCEtcdClient) PutTaskPosition(
	ctx context.Context,
	changefeedID string,
	captureID string,
	position *model.TaskPosition,
) error {
	data, err := position.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	key := GetEtcdKeyTaskPosition(changefeedID, captureID)
	_, err = c.Client.Put(ctx, key, data)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteTaskPosition remove task position from etcd
func (c CDCEtcdClient) DeleteTaskPosition(ctx context.Context, cfID string, captureID string) error {
	key := GetEtcdKeyTaskPosition(cfID, captureID)
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// jobSeq guarantees strictly increasing queue keys even when two jobs are
// submitted within the same nanosecond on one capture.
var jobSeq atomic.Uint64

func nextJobSeq() uint64 {
	for {
		last := jobSeq.Load()
		seq := uint64(time.Now().UnixNano())
		if seq <= last {
			seq = last + 1
		}
		if jobSeq.CompareAndSwap(last, seq) {
			return seq
		}
	}
}

// PutAdminJob appends an admin job to the tail of one changefeed's queue.
// The sequence part of the key is monotonic, so range reads return jobs in
// submission order.
func (c CDCEtcdClient) PutAdminJob(ctx context.Context, job *model.AdminJob) error {
	job.State = model.JobStateQueued
	value, err := job.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	key := GetEtcdKeyJobQueueEntry(job.CfID, nextJobSeq())
	_, err = c.Client.Put(ctx, key, value)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// QueuedJob is an admin job read back from the queue together with its key,
// which the owner needs to update the job state in place.
type QueuedJob struct {
	Key string
	Job *model.AdminJob
}

// GetQueuedAdminJobs returns one changefeed's pending admin jobs in
// submission order. Terminal jobs are filtered out.
func (c CDCEtcdClient) GetQueuedAdminJobs(ctx context.Context, changefeedID string) ([]*QueuedJob, error) {
	resp, err := c.Client.Get(ctx, GetEtcdKeyJobQueueList(changefeedID)+"/",
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	jobs := make([]*QueuedJob, 0, resp.Count)
	for _, rawKv := range resp.Kvs {
		job := &model.AdminJob{}
		if err := job.Unmarshal(rawKv.Value); err != nil {
			return nil, errors.Trace(err)
		}
		if job.State.IsTerminal() {
			continue
		}
		jobs = append(jobs, &QueuedJob{Key: string(rawKv.Key), Job: job})
	}
	return jobs, nil
}

// GetAllQueuedAdminJobs returns pending admin jobs of all changefeeds,
// grouped by changefeed, each group in submission order.
func (c CDCEtcdClient) GetAllQueuedAdminJobs(ctx context.Context) (map[string][]*QueuedJob, error) {
	resp, err := c.Client.Get(ctx, JobKeyPrefix+"/",
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	jobs := make(map[string][]*QueuedJob)
	for _, rawKv := range resp.Kvs {
		job := &model.AdminJob{}
		if err := job.Unmarshal(rawKv.Value); err != nil {
			return nil, errors.Trace(err)
		}
		if job.State.IsTerminal() {
			continue
		}
		jobs[job.CfID] = append(jobs[job.CfID], &QueuedJob{Key: string(rawKv.Key), Job: job})
	}
	return jobs, nil
}

// UpdateQueuedAdminJob overwrites one queued job in place, used by the owner
// to advance the job state machine.
func (c CDCEtcdClient) UpdateQueuedAdminJob(ctx context.Context, key string, job *model.AdminJob) error {
	value, err := job.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = c.Client.Put(ctx, key, value)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteQueuedAdminJob removes one finished job from the queue.
func (c CDCEtcdClient) DeleteQueuedAdminJob(ctx context.Context, key string) error {
	_, err := c.Client.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteAdminJobQueue removes one changefeed's whole job queue, used when the
// changefeed is removed.
func (c CDCEtcdClient) DeleteAdminJobQueue(ctx context.Context, changefeedID string) error {
	_, err := c.Client.Delete(ctx, GetEtcdKeyJobQueueList(changefeedID)+"/", clientv3.WithPrefix())
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// DeleteChangefeedData removes all the data of a changefeed: the config, the
// replication status, every capture's task status and position, and the
// pending job queue. The config key goes last so a crashed purge is retried
// on the next owner tick.
func (c CDCEtcdClient) DeleteChangefeedData(ctx context.Context, changefeedID string) error {
	for _, prefix := range []string{
		GetEtcdKeyTaskStatusList(changefeedID) + "/",
		GetEtcdKeyTaskPositionList(changefeedID) + "/",
		GetEtcdKeyJobQueueList(changefeedID) + "/",
	} {
		if _, err := c.Client.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			return cerror.WrapError(cerror.ErrEtcdAPIError, err)
		}
	}
	if _, err := c.Client.Delete(ctx, GetEtcdKeyJob(changefeedID)); err != nil {
		return cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if _, err := c.Client.Delete(ctx, GetEtcdKeyChangeFeedInfo(changefeedID)); err != nil {
		return cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	return nil
}

// extractKeySuffix extracts the suffix of an etcd key, such as extracting
// "6a6c6dd290bc8732" from /deltaflow/cdc/capture/6a6c6dd290bc8732
func extractKeySuffix(key string) (string, error) {
	subs := strings.Split(key, "/")
	if len(subs) < 2 {
		return "", cerror.ErrEtcdAPIError.GenWithStack("invalid key: %s", key)
	}
	return subs[len(subs)-1], nil
}

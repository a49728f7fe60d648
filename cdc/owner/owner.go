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
	"sort"
	"sync/atomic"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Owner drives all changefeeds of the cluster: it consumes queued admin
// jobs, runs the per-changefeed state machines, schedules tables over live
// captures and aggregates processor positions into changefeed checkpoints.
// Exactly one capture runs an Owner at any time, guarded by the election.
type Owner struct {
	etcdClient  etcd.CDCEtcdClient
	captureInfo *model.CaptureInfo

	feeds map[model.ChangeFeedID]*feedStateManager

	tickInterval time.Duration
	closed       int32
}

// NewOwner creates a new Owner.
func NewOwner(etcdClient etcd.CDCEtcdClient, captureInfo *model.CaptureInfo, tickInterval time.Duration) *Owner {
	return &Owner{
		etcdClient:   etcdClient,
		captureInfo:  captureInfo,
		feeds:        make(map[model.ChangeFeedID]*feedStateManager),
		tickInterval: tickInterval,
	}
}

// Run starts the owner tick loop, it returns when ctx is canceled or the
// owner is asked to stop.
func (o *Owner) Run(ctx context.Context) error {
	log.Info("owner is running", zap.String("captureID", o.captureInfo.ID))
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
		if atomic.LoadInt32(&o.closed) != 0 {
			log.Info("owner exited", zap.String("captureID", o.captureInfo.ID))
			return nil
		}
		if err := o.Tick(ctx); err != nil {
			if cerror.IsContextCanceledError(err) {
				return errors.Trace(err)
			}
			// transient registry errors are retried on the next tick
			log.Warn("owner tick failed", zap.Error(err))
		}
	}
}

// AsyncStop stops the owner asynchronously, used when the owner resigns.
func (o *Owner) AsyncStop() {
	atomic.StoreInt32(&o.closed, 1)
}

// Tick runs one round of owner bookkeeping over the whole cluster state.
func (o *Owner) Tick(ctx context.Context) error {
	ownershipCounter.Inc()

	_, captures, err := o.etcdClient.GetCaptures(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	captureIDs := make([]model.CaptureID, 0, len(captures))
	for _, capture := range captures {
		captureIDs = append(captureIDs, capture.ID)
	}
	sort.Strings(captureIDs)

	infos, err := o.etcdClient.GetAllChangeFeedInfo(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	queues, err := o.etcdClient.GetAllQueuedAdminJobs(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for changefeedID, info := range infos {
		err := o.tickChangefeed(ctx, changefeedID, info, captureIDs, queues[changefeedID])
		if err != nil {
			return errors.Trace(err)
		}
	}

	// jobs queued for a changefeed that does not exist any more can never
	// be applied, drop them
	for changefeedID, jobs := range queues {
		if _, ok := infos[changefeedID]; ok {
			continue
		}
		for _, queued := range jobs {
			log.Warn("dropping admin job of a removed changefeed",
				zap.String("changefeed", changefeedID),
				zap.Stringer("type", queued.Job.Type))
			if err := o.etcdClient.DeleteQueuedAdminJob(ctx, queued.Key); err != nil {
				return errors.Trace(err)
			}
		}
	}

	// forget state machines of purged changefeeds
	for changefeedID := range o.feeds {
		if _, ok := infos[changefeedID]; !ok {
			delete(o.feeds, changefeedID)
			changefeedCheckpointTsGauge.DeleteLabelValues(changefeedID)
			changefeedStatusGauge.DeleteLabelValues(changefeedID)
		}
	}
	return nil
}

func (o *Owner) feedManager(changefeedID model.ChangeFeedID) *feedStateManager {
	m, ok := o.feeds[changefeedID]
	if !ok {
		m = newFeedStateManager(changefeedID)
		o.feeds[changefeedID] = m
	}
	return m
}

func (o *Owner) tickChangefeed(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
	captureIDs []model.CaptureID,
	jobs []*etcd.QueuedJob,
) error {
	m := o.feedManager(changefeedID)

	taskStatuses, err := o.etcdClient.GetAllTaskStatus(ctx, changefeedID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := o.cleanUpStaleTasks(ctx, changefeedID, taskStatuses, captureIDs); err != nil {
		return errors.Trace(err)
	}

	status, err := o.loadOrInitStatus(ctx, changefeedID, info)
	if err != nil {
		return errors.Trace(err)
	}

	// admin jobs are strictly FIFO per changefeed: the head either finishes
	// or blocks the rest of the queue
	pendingMoves := make(map[model.TableID]struct{})
	for len(jobs) > 0 {
		head := jobs[0]
		done, err := o.handleJob(ctx, changefeedID, info, status, taskStatuses, captureIDs, head)
		if err != nil {
			return errors.Trace(err)
		}
		if !done {
			if head.Job.Type == model.AdminMoveTable {
				pendingMoves[head.Job.TableID] = struct{}{}
			}
			break
		}
		jobs = jobs[1:]
	}

	positions, err := o.etcdClient.GetAllTaskPositions(ctx, changefeedID)
	if err != nil {
		return errors.Trace(err)
	}

	// surface processor errors into the state machine
	for captureID, position := range positions {
		if position.Error == nil {
			continue
		}
		if m.HandleError(info, position.Error) {
			if err := o.etcdClient.SaveChangeFeedInfo(ctx, info, changefeedID); err != nil {
				return errors.Trace(err)
			}
		}
		position.Error = nil
		if err := o.etcdClient.PutTaskPosition(ctx, changefeedID, captureID, position); err != nil {
			return errors.Trace(err)
		}
	}

	// backoff driven auto retry of errored changefeeds
	if m.Tick(info) {
		if err := o.etcdClient.SaveChangeFeedInfo(ctx, info, changefeedID); err != nil {
			return errors.Trace(err)
		}
	}

	switch info.State {
	case model.StateRemoved:
		log.Info("changefeed removed, purging its data", zap.String("changefeed", changefeedID))
		return o.etcdClient.DeleteChangefeedData(ctx, changefeedID)
	case model.StateStopped, model.StateError:
		// replication halts, processors drop their tables once the task
		// statuses are gone; the checkpoint stays in the status key
		return o.dropTasks(ctx, changefeedID, taskStatuses, positions)
	case model.StateNormal:
	default:
		return nil
	}

	if err := o.cleanupFinishedOperations(ctx, changefeedID, taskStatuses); err != nil {
		return errors.Trace(err)
	}
	if err := o.dispatch(ctx, changefeedID, info, status, taskStatuses, captureIDs, pendingMoves); err != nil {
		return errors.Trace(err)
	}
	if err := o.updateStatus(ctx, changefeedID, info, status, taskStatuses, positions); err != nil {
		return errors.Trace(err)
	}
	changefeedStatusGauge.WithLabelValues(changefeedID).Set(1)
	for captureID, taskStatus := range taskStatuses {
		ownerMaintainTableNumGauge.WithLabelValues(changefeedID, captureID).
			Set(float64(len(taskStatus.Tables)))
	}
	return nil
}

func (o *Owner) loadOrInitStatus(
	ctx context.Context, changefeedID model.ChangeFeedID, info *model.ChangeFeedInfo,
) (*model.ChangeFeedStatus, error) {
	status, _, err := o.etcdClient.GetChangeFeedStatus(ctx, changefeedID)
	if err == nil {
		return status, nil
	}
	if !cerror.ErrChangeFeedNotExists.Equal(err) {
		return nil, errors.Trace(err)
	}
	status = &model.ChangeFeedStatus{
		ResolvedTs:   info.StartTs,
		CheckpointTs: info.StartTs,
	}
	if err := o.etcdClient.PutChangeFeedStatus(ctx, changefeedID, status); err != nil {
		return nil, errors.Trace(err)
	}
	return status, nil
}

// cleanUpStaleTasks removes task statuses and positions that belong to
// captures that are no longer alive, the tables they owned become
// unassigned and get redispatched.
func (o *Owner) cleanUpStaleTasks(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	captureIDs []model.CaptureID,
) error {
	live := make(map[model.CaptureID]struct{}, len(captureIDs))
	for _, captureID := range captureIDs {
		live[captureID] = struct{}{}
	}
	for captureID := range taskStatuses {
		if _, ok := live[captureID]; ok {
			continue
		}
		log.Info("cleaning up stale task of a gone capture",
			zap.String("changefeed", changefeedID), zap.String("captureID", captureID))
		if err := o.etcdClient.DeleteTaskStatus(ctx, changefeedID, captureID); err != nil {
			return errors.Trace(err)
		}
		if err := o.etcdClient.DeleteTaskPosition(ctx, changefeedID, captureID); err != nil {
			return errors.Trace(err)
		}
		delete(taskStatuses, captureID)
		ownerMaintainTableNumGauge.DeleteLabelValues(changefeedID, captureID)
	}
	return nil
}

func (o *Owner) dropTasks(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	positions map[model.CaptureID]*model.TaskPosition,
) error {
	for captureID := range taskStatuses {
		if err := o.etcdClient.DeleteTaskStatus(ctx, changefeedID, captureID); err != nil {
			return errors.Trace(err)
		}
	}
	for captureID := range positions {
		if err := o.etcdClient.DeleteTaskPosition(ctx, changefeedID, captureID); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// handleJob applies the head of one changefeed's job queue. It returns
// whether the job reached a terminal state; a false return blocks the queue
// until the next tick.
func (o *Owner) handleJob(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
	status *model.ChangeFeedStatus,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	captureIDs []model.CaptureID,
	queued *etcd.QueuedJob,
) (bool, error) {
	job := queued.Job
	if job.State == model.JobStateQueued {
		job.State = model.JobStateApplying
		if err := o.etcdClient.UpdateQueuedAdminJob(ctx, queued.Key, job); err != nil {
			return false, errors.Trace(err)
		}
	}

	failJob := func(jobErr error) (bool, error) {
		log.Warn("admin job failed",
			zap.String("changefeed", changefeedID),
			zap.Stringer("type", job.Type), zap.Error(jobErr))
		return true, o.etcdClient.DeleteQueuedAdminJob(ctx, queued.Key)
	}
	finishJob := func() (bool, error) {
		log.Info("admin job finished",
			zap.String("changefeed", changefeedID), zap.Stringer("type", job.Type))
		return true, o.etcdClient.DeleteQueuedAdminJob(ctx, queued.Key)
	}

	m := o.feedManager(changefeedID)
	switch job.Type {
	case model.AdminStop, model.AdminResume, model.AdminRemove, model.AdminFinish:
		changed, err := m.HandleAdminJob(info, job)
		if err != nil {
			return failJob(err)
		}
		if changed {
			if err := o.etcdClient.SaveChangeFeedInfo(ctx, info, changefeedID); err != nil {
				return false, errors.Trace(err)
			}
		}
		return finishJob()

	case model.AdminRebalance:
		if info.State != model.StateNormal {
			return failJob(cerror.ErrChangefeedAbnormalState.GenWithStackByArgs(info.State, job.Type))
		}
		plan := rebalancePlan(taskStatuses, captureIDs)
		if len(plan) == 0 && len(unassignedTables(info.TableIDs, buildAssignment(taskStatuses))) == 0 {
			return finishJob()
		}
		for captureID, tables := range plan {
			taskStatus := taskStatuses[captureID]
			for _, tableID := range tables {
				taskStatus.RemoveTable(tableID, status.CheckpointTs, false)
			}
			if err := o.etcdClient.PutTaskStatus(ctx, changefeedID, captureID, taskStatus); err != nil {
				return false, errors.Trace(err)
			}
			log.Info("rebalance releases tables",
				zap.String("changefeed", changefeedID),
				zap.String("captureID", captureID),
				zap.Int64s("tables", tables))
		}
		// stay in applying until the distribution converges
		return false, nil

	case model.AdminMoveTable:
		if info.State != model.StateNormal {
			return failJob(cerror.ErrChangefeedAbnormalState.GenWithStackByArgs(info.State, job.Type))
		}
		if !containsTable(info.TableIDs, job.TableID) {
			return failJob(cerror.ErrTableNotFound.GenWithStackByArgs(job.TableID, changefeedID))
		}
		if !containsCapture(captureIDs, job.TargetCaptureID) {
			return failJob(cerror.ErrCaptureNotExist.GenWithStackByArgs(job.TargetCaptureID))
		}
		return o.advanceMoveTable(ctx, changefeedID, status, taskStatuses, queued)

	default:
		return failJob(cerror.ErrSchedulerRequestFailed.GenWithStackByArgs(job.Type))
	}
}

// advanceMoveTable runs the two-phase hand-off of one table: first the
// source capture releases it, only after the release is confirmed the table
// is added to the target capture.
func (o *Owner) advanceMoveTable(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	status *model.ChangeFeedStatus,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	queued *etcd.QueuedJob,
) (bool, error) {
	job := queued.Job
	for captureID, taskStatus := range taskStatuses {
		if _, owns := taskStatus.Tables[job.TableID]; !owns {
			continue
		}
		if captureID == job.TargetCaptureID {
			// already where it should be
			log.Info("move table finished",
				zap.String("changefeed", changefeedID),
				zap.Int64("tableID", job.TableID),
				zap.String("target", job.TargetCaptureID))
			return true, o.etcdClient.DeleteQueuedAdminJob(ctx, queued.Key)
		}
		// phase one: ask the source to release the table
		if op, ok := taskStatus.Operation[job.TableID]; ok && op.Delete && !op.TableApplied() {
			// release already in flight, wait for the processor
			return false, nil
		}
		taskStatus.RemoveTable(job.TableID, status.CheckpointTs, true)
		if err := o.etcdClient.PutTaskStatus(ctx, changefeedID, captureID, taskStatus); err != nil {
			return false, errors.Trace(err)
		}
		log.Info("move table releases the source",
			zap.String("changefeed", changefeedID),
			zap.Int64("tableID", job.TableID),
			zap.String("source", captureID),
			zap.String("target", job.TargetCaptureID))
		return false, nil
	}

	// pending delete operation means the release is still in flight
	for _, taskStatus := range taskStatuses {
		if op, ok := taskStatus.Operation[job.TableID]; ok && op.Delete && !op.TableApplied() {
			return false, nil
		}
	}

	// phase two: nobody owns the table, hand it to the target
	targetStatus, ok := taskStatuses[job.TargetCaptureID]
	if !ok {
		targetStatus = new(model.TaskStatus)
		taskStatuses[job.TargetCaptureID] = targetStatus
	}
	targetStatus.AddTable(job.TableID, &model.TableReplicaInfo{StartTs: status.CheckpointTs}, status.CheckpointTs)
	if err := o.etcdClient.PutTaskStatus(ctx, changefeedID, job.TargetCaptureID, targetStatus); err != nil {
		return false, errors.Trace(err)
	}
	log.Info("move table assigns the target",
		zap.String("changefeed", changefeedID),
		zap.Int64("tableID", job.TableID),
		zap.String("target", job.TargetCaptureID))
	return true, o.etcdClient.DeleteQueuedAdminJob(ctx, queued.Key)
}

// cleanupFinishedOperations drops operation records the processors have
// fully applied, keeping the task statuses small.
func (o *Owner) cleanupFinishedOperations(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
) error {
	for captureID, taskStatus := range taskStatuses {
		changed := false
		for tableID, op := range taskStatus.Operation {
			if op.TableApplied() {
				delete(taskStatus.Operation, tableID)
				changed = true
			}
		}
		if changed {
			if err := o.etcdClient.PutTaskStatus(ctx, changefeedID, captureID, taskStatus); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (o *Owner) dispatch(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
	status *model.ChangeFeedStatus,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	captureIDs []model.CaptureID,
	pendingMoves map[model.TableID]struct{},
) error {
	assignment := buildAssignment(taskStatuses)
	pending := unassignedTables(info.TableIDs, assignment)
	if len(pending) == 0 || len(captureIDs) == 0 {
		return nil
	}
	// tables in an in-flight move hand-off belong to the move job
	filtered := pending[:0]
	for _, tableID := range pending {
		if _, moving := pendingMoves[tableID]; !moving {
			filtered = append(filtered, tableID)
		}
	}
	workload := make(map[model.CaptureID]int, len(taskStatuses))
	for captureID, taskStatus := range taskStatuses {
		workload[captureID] = len(taskStatus.Tables)
	}
	plan := dispatchTables(filtered, captureIDs, workload)
	for captureID, tables := range plan {
		taskStatus, ok := taskStatuses[captureID]
		if !ok {
			taskStatus = new(model.TaskStatus)
			taskStatuses[captureID] = taskStatus
		}
		for _, tableID := range tables {
			startTs := status.CheckpointTs
			if startTs < info.StartTs {
				startTs = info.StartTs
			}
			taskStatus.AddTable(tableID, &model.TableReplicaInfo{StartTs: startTs}, startTs)
		}
		if err := o.etcdClient.PutTaskStatus(ctx, changefeedID, captureID, taskStatus); err != nil {
			return errors.Trace(err)
		}
		log.Info("tables dispatched",
			zap.String("changefeed", changefeedID),
			zap.String("captureID", captureID),
			zap.Int64s("tables", tables))
	}
	return nil
}

// updateStatus aggregates the positions of all processors into the global
// checkpoint and resolved ts of the changefeed. Both only move forward.
func (o *Owner) updateStatus(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
	status *model.ChangeFeedStatus,
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	positions map[model.CaptureID]*model.TaskPosition,
) error {
	if len(info.TableIDs) == 0 {
		// nothing to replicate, the checkpoint follows the local TSO
		ts := model.ComposeTs(time.Now())
		if ts > status.CheckpointTs {
			status.CheckpointTs = ts
			status.ResolvedTs = ts
			if err := o.etcdClient.PutChangeFeedStatus(ctx, changefeedID, status); err != nil {
				return errors.Trace(err)
			}
		}
		changefeedCheckpointTsGauge.WithLabelValues(changefeedID).Set(float64(status.CheckpointTs))
		return nil
	}
	minCheckpointTs := model.Ts(0)
	minResolvedTs := model.Ts(0)
	initialized := false
	for captureID, taskStatus := range taskStatuses {
		if len(taskStatus.Tables) == 0 && len(taskStatus.Operation) == 0 {
			continue
		}
		position, ok := positions[captureID]
		if !ok {
			// the processor has not reported yet, hold the checkpoint
			return nil
		}
		if !initialized || position.CheckPointTs < minCheckpointTs {
			minCheckpointTs = position.CheckPointTs
		}
		if !initialized || position.ResolvedTs < minResolvedTs {
			minResolvedTs = position.ResolvedTs
		}
		initialized = true
	}
	if !initialized {
		return nil
	}
	changed := false
	if minCheckpointTs > status.CheckpointTs {
		status.CheckpointTs = minCheckpointTs
		changed = true
	}
	if minResolvedTs > status.ResolvedTs {
		status.ResolvedTs = minResolvedTs
		changed = true
	}
	if changed {
		if err := o.etcdClient.PutChangeFeedStatus(ctx, changefeedID, status); err != nil {
			return errors.Trace(err)
		}
	}
	changefeedCheckpointTsGauge.WithLabelValues(changefeedID).Set(float64(status.CheckpointTs))
	return nil
}

func containsTable(tables []model.TableID, tableID model.TableID) bool {
	for _, id := range tables {
		if id == tableID {
			return true
		}
	}
	return false
}

func containsCapture(captureIDs []model.CaptureID, captureID model.CaptureID) bool {
	for _, id := range captureIDs {
		if id == captureID {
			return true
		}
	}
	return false
}

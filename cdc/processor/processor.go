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
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	"github.com/deltaflow-io/deltaflow/cdc/sink"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// tablePipeline is the replication state of one table on this capture.
type tablePipeline struct {
	tableID      model.TableID
	startTs      model.Ts
	checkpointTs model.Ts
}

// processor runs all table pipelines of one changefeed assigned to this
// capture. It consumes table operations issued by the owner, advances the
// table checkpoints and reports the position back through the registry.
type processor struct {
	changefeedID model.ChangeFeedID
	captureInfo  *model.CaptureInfo
	etcdClient   etcd.CDCEtcdClient

	sink   sink.Sink
	tables map[model.TableID]*tablePipeline

	checkpointTs model.Ts
	resolvedTs   model.Ts
	eventCount   uint64
}

func newProcessor(
	ctx context.Context,
	etcdClient etcd.CDCEtcdClient,
	captureInfo *model.CaptureInfo,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
) (*processor, error) {
	s, err := sink.New(ctx, changefeedID, info.SinkURI, info.Opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Info("processor created",
		zap.String("changefeed", changefeedID),
		zap.String("captureID", captureInfo.ID))
	return &processor{
		changefeedID: changefeedID,
		captureInfo:  captureInfo,
		etcdClient:   etcdClient,
		sink:         s,
		tables:       make(map[model.TableID]*tablePipeline),
		checkpointTs: info.StartTs,
		resolvedTs:   info.StartTs,
	}, nil
}

// Tick runs one round of processor work: apply pending table operations,
// advance the table checkpoints and report the position. It returns
// ErrProcessorExited once the task status is gone, which tells the manager
// to drop this processor.
func (p *processor) Tick(ctx context.Context) error {
	modRevision, status, err := p.etcdClient.GetTaskStatus(ctx, p.changefeedID, p.captureInfo.ID)
	if err != nil {
		if cerror.ErrTaskStatusNotExists.Equal(err) {
			return cerror.ErrProcessorExited.FastGenByArgs()
		}
		return errors.Trace(err)
	}

	if p.handleOperations(status) {
		ok, err := p.etcdClient.AtomicPutTaskStatus(ctx, p.changefeedID, p.captureInfo.ID, modRevision, status)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			// the owner rewrote the status concurrently, redo on next tick
			log.Debug("task status changed under the processor, retrying",
				zap.String("changefeed", p.changefeedID))
			return nil
		}
	}

	p.advanceTables()
	if err := p.sink.EmitCheckpointTs(ctx, p.checkpointTs); err != nil {
		return p.reportError(ctx, err)
	}
	return p.flushPosition(ctx, nil)
}

// handleOperations applies the table operations the owner dispatched. It
// returns whether the status changed and must be written back.
func (p *processor) handleOperations(status *model.TaskStatus) (changed bool) {
	for tableID, op := range status.Operation {
		switch {
		case op.Delete:
			if op.TableApplied() {
				continue
			}
			if table, ok := p.tables[tableID]; ok {
				// BoundaryTs is the point the table must reach before release
				if table.checkpointTs < op.BoundaryTs {
					table.checkpointTs = op.BoundaryTs
				}
				delete(p.tables, tableID)
				log.Info("table released",
					zap.String("changefeed", p.changefeedID),
					zap.Int64("tableID", tableID),
					zap.Uint64("boundaryTs", op.BoundaryTs))
			}
			op.Status = model.OperFinished
			changed = true
		default:
			if op.Status != model.OperDispatched {
				continue
			}
			replicaInfo := status.Tables[tableID]
			startTs := op.BoundaryTs
			if replicaInfo != nil && replicaInfo.StartTs > startTs {
				startTs = replicaInfo.StartTs
			}
			p.tables[tableID] = &tablePipeline{
				tableID:      tableID,
				startTs:      startTs,
				checkpointTs: startTs,
			}
			op.Status = model.OperFinished
			changed = true
			log.Info("table started",
				zap.String("changefeed", p.changefeedID),
				zap.Int64("tableID", tableID),
				zap.Uint64("startTs", startTs))
		}
	}
	// drop pipelines of tables the owner took away without an operation
	// record, e.g. after an owner failover
	for tableID := range p.tables {
		if _, ok := status.Tables[tableID]; !ok {
			if _, pending := status.Operation[tableID]; !pending {
				delete(p.tables, tableID)
			}
		}
	}
	return changed
}

// advanceTables moves every table pipeline forward. Without an upstream
// event source the resolved ts follows the local TSO.
func (p *processor) advanceTables() {
	resolvedTs := model.ComposeTs(time.Now())
	minCheckpointTs := resolvedTs
	for _, table := range p.tables {
		if table.checkpointTs < resolvedTs {
			table.checkpointTs = resolvedTs
			p.eventCount++
		}
		if table.checkpointTs < minCheckpointTs {
			minCheckpointTs = table.checkpointTs
		}
	}
	if resolvedTs > p.resolvedTs {
		p.resolvedTs = resolvedTs
	}
	if minCheckpointTs > p.checkpointTs {
		p.checkpointTs = minCheckpointTs
	}
	tableNumGauge.WithLabelValues(p.changefeedID, p.captureInfo.ID).Set(float64(len(p.tables)))
	checkpointTsGauge.WithLabelValues(p.changefeedID, p.captureInfo.ID).Set(float64(p.checkpointTs))
}

func (p *processor) flushPosition(ctx context.Context, runningErr *model.RunningError) error {
	position := &model.TaskPosition{
		CheckPointTs: p.checkpointTs,
		ResolvedTs:   p.resolvedTs,
		Count:        p.eventCount,
		Error:        runningErr,
	}
	return p.etcdClient.PutTaskPosition(ctx, p.changefeedID, p.captureInfo.ID, position)
}

// reportError surfaces a runtime error to the owner through the task
// position, the owner decides whether the changefeed retries or fails.
func (p *processor) reportError(ctx context.Context, err error) error {
	code := "CDC:ErrInternalServerError"
	if rfcCode, ok := cerror.RFCCode(err); ok {
		code = string(rfcCode)
	}
	log.Error("processor error reported",
		zap.String("changefeed", p.changefeedID),
		zap.String("captureID", p.captureInfo.ID),
		zap.Error(err))
	return p.flushPosition(ctx, &model.RunningError{
		Addr:    p.captureInfo.AdvertiseAddr,
		Code:    code,
		Message: err.Error(),
	})
}

// Close shuts the processor down and releases the sink.
func (p *processor) Close(ctx context.Context) error {
	log.Info("processor closed",
		zap.String("changefeed", p.changefeedID),
		zap.String("captureID", p.captureInfo.ID))
	tableNumGauge.DeleteLabelValues(p.changefeedID, p.captureInfo.ID)
	checkpointTsGauge.DeleteLabelValues(p.changefeedID, p.captureInfo.ID)
	return p.sink.Close(ctx)
}

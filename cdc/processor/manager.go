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
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager creates and closes processors as the owner assigns and unassigns
// work to this capture. Every capture runs exactly one Manager.
type Manager struct {
	etcdClient  etcd.CDCEtcdClient
	captureInfo *model.CaptureInfo

	processors map[model.ChangeFeedID]*processor

	tickInterval time.Duration
}

// NewManager creates a new processor manager.
func NewManager(etcdClient etcd.CDCEtcdClient, captureInfo *model.CaptureInfo, tickInterval time.Duration) *Manager {
	return &Manager{
		etcdClient:   etcdClient,
		captureInfo:  captureInfo,
		processors:   make(map[model.ChangeFeedID]*processor),
		tickInterval: tickInterval,
	}
}

// Run starts the manager loop, it returns when ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	log.Info("processor manager is running", zap.String("captureID", m.captureInfo.ID))
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
		if err := m.Tick(ctx); err != nil {
			if cerror.IsContextCanceledError(err) {
				m.closeAll()
				return errors.Trace(err)
			}
			log.Warn("processor manager tick failed", zap.Error(err))
		}
	}
}

// Tick reconciles the set of running processors with the task statuses the
// owner wrote for this capture, then ticks every processor once.
func (m *Manager) Tick(ctx context.Context) error {
	infos, err := m.etcdClient.GetAllChangeFeedInfo(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for changefeedID, info := range infos {
		if _, running := m.processors[changefeedID]; running {
			continue
		}
		if info.State != model.StateNormal {
			continue
		}
		_, _, err := m.etcdClient.GetTaskStatus(ctx, changefeedID, m.captureInfo.ID)
		if err != nil {
			if cerror.ErrTaskStatusNotExists.Equal(err) {
				continue
			}
			return errors.Trace(err)
		}
		p, err := newProcessor(ctx, m.etcdClient, m.captureInfo, changefeedID, info)
		if err != nil {
			// a broken sink must not wedge the whole capture, hand the
			// error to the owner through the task position so the
			// changefeed can fail or retry
			log.Error("create processor failed",
				zap.String("changefeed", changefeedID), zap.Error(err))
			if reportErr := m.reportCreateError(ctx, changefeedID, info, err); reportErr != nil {
				log.Warn("report processor create error failed",
					zap.String("changefeed", changefeedID), zap.Error(reportErr))
			}
			continue
		}
		m.processors[changefeedID] = p
	}

	for changefeedID, p := range m.processors {
		err := p.Tick(ctx)
		if err == nil {
			continue
		}
		if cerror.ErrProcessorExited.Equal(err) {
			if err := p.Close(ctx); err != nil {
				log.Warn("close processor failed",
					zap.String("changefeed", changefeedID), zap.Error(err))
			}
			delete(m.processors, changefeedID)
			continue
		}
		if err := p.reportError(ctx, err); err != nil {
			log.Warn("report processor error failed",
				zap.String("changefeed", changefeedID), zap.Error(err))
		}
	}
	return nil
}

// reportCreateError writes a task position carrying the creation failure, so
// the owner sees the fault even though no processor ever ran.
func (m *Manager) reportCreateError(
	ctx context.Context,
	changefeedID model.ChangeFeedID,
	info *model.ChangeFeedInfo,
	err error,
) error {
	code := "CDC:ErrInternalServerError"
	if rfcCode, ok := cerror.RFCCode(err); ok {
		code = string(rfcCode)
	}
	position := &model.TaskPosition{
		CheckPointTs: info.StartTs,
		ResolvedTs:   info.StartTs,
		Error: &model.RunningError{
			Addr:    m.captureInfo.AdvertiseAddr,
			Code:    code,
			Message: err.Error(),
		},
	}
	return m.etcdClient.PutTaskPosition(ctx, changefeedID, m.captureInfo.ID, position)
}

func (m *Manager) closeAll() {
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for changefeedID, p := range m.processors {
		if err := p.Close(closeCtx); err != nil {
			log.Warn("close processor failed",
				zap.String("changefeed", changefeedID), zap.Error(err))
		}
		delete(m.processors, changefeedID)
	}
	log.Info("processor manager exited", zap.String("captureID", m.captureInfo.ID))
}

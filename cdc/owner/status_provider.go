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

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/pingcap/errors"
)

// StatusProvider provides the read interface to the replication state. It is
// backed by the shared registry, so any capture can serve reads, owner or
// not, including during an ownerless election window.
type StatusProvider interface {
	// GetAllChangeFeedStatuses returns the replication statuses of all changefeeds.
	GetAllChangeFeedStatuses(ctx context.Context) (map[model.ChangeFeedID]*model.ChangeFeedStatus, error)

	// GetChangeFeedStatus returns the replication status of a changefeed.
	GetChangeFeedStatus(ctx context.Context, changefeedID model.ChangeFeedID) (*model.ChangeFeedStatus, error)

	// GetAllChangeFeedInfo returns the config of all changefeeds.
	GetAllChangeFeedInfo(ctx context.Context) (map[model.ChangeFeedID]*model.ChangeFeedInfo, error)

	// GetChangeFeedInfo returns the config of a changefeed.
	GetChangeFeedInfo(ctx context.Context, changefeedID model.ChangeFeedID) (*model.ChangeFeedInfo, error)

	// GetAllTaskStatuses returns the task statuses of a changefeed.
	GetAllTaskStatuses(ctx context.Context, changefeedID model.ChangeFeedID) (map[model.CaptureID]*model.TaskStatus, error)

	// GetTaskPositions returns the task positions of a changefeed.
	GetTaskPositions(ctx context.Context, changefeedID model.ChangeFeedID) (map[model.CaptureID]*model.TaskPosition, error)

	// GetCaptures returns the information of all the captures.
	GetCaptures(ctx context.Context) ([]*model.CaptureInfo, error)
}

type etcdStatusProvider struct {
	etcdClient etcd.CDCEtcdClient
}

// NewStatusProvider returns a StatusProvider reading from the shared registry.
func NewStatusProvider(etcdClient etcd.CDCEtcdClient) StatusProvider {
	return &etcdStatusProvider{etcdClient: etcdClient}
}

func (p *etcdStatusProvider) GetAllChangeFeedStatuses(ctx context.Context) (map[model.ChangeFeedID]*model.ChangeFeedStatus, error) {
	infos, err := p.etcdClient.GetAllChangeFeedInfo(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	statuses := make(map[model.ChangeFeedID]*model.ChangeFeedStatus, len(infos))
	for id, info := range infos {
		status, _, err := p.etcdClient.GetChangeFeedStatus(ctx, id)
		if err != nil {
			if !cerror.ErrChangeFeedNotExists.Equal(err) {
				return nil, errors.Trace(err)
			}
			// the owner has not initialized the status yet
			status = &model.ChangeFeedStatus{
				ResolvedTs:   info.StartTs,
				CheckpointTs: info.StartTs,
			}
		}
		statuses[id] = status
	}
	return statuses, nil
}

func (p *etcdStatusProvider) GetChangeFeedStatus(ctx context.Context, changefeedID model.ChangeFeedID) (*model.ChangeFeedStatus, error) {
	info, err := p.etcdClient.GetChangeFeedInfo(ctx, changefeedID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	status, _, err := p.etcdClient.GetChangeFeedStatus(ctx, changefeedID)
	if err != nil {
		if !cerror.ErrChangeFeedNotExists.Equal(err) {
			return nil, errors.Trace(err)
		}
		status = &model.ChangeFeedStatus{
			ResolvedTs:   info.StartTs,
			CheckpointTs: info.StartTs,
		}
	}
	return status, nil
}

func (p *etcdStatusProvider) GetAllChangeFeedInfo(ctx context.Context) (map[model.ChangeFeedID]*model.ChangeFeedInfo, error) {
	return p.etcdClient.GetAllChangeFeedInfo(ctx)
}

func (p *etcdStatusProvider) GetChangeFeedInfo(ctx context.Context, changefeedID model.ChangeFeedID) (*model.ChangeFeedInfo, error) {
	return p.etcdClient.GetChangeFeedInfo(ctx, changefeedID)
}

func (p *etcdStatusProvider) GetAllTaskStatuses(ctx context.Context, changefeedID model.ChangeFeedID) (map[model.CaptureID]*model.TaskStatus, error) {
	if _, err := p.etcdClient.GetChangeFeedInfo(ctx, changefeedID); err != nil {
		return nil, errors.Trace(err)
	}
	return p.etcdClient.GetAllTaskStatus(ctx, changefeedID)
}

func (p *etcdStatusProvider) GetTaskPositions(ctx context.Context, changefeedID model.ChangeFeedID) (map[model.CaptureID]*model.TaskPosition, error) {
	if _, err := p.etcdClient.GetChangeFeedInfo(ctx, changefeedID); err != nil {
		return nil, errors.Trace(err)
	}
	return p.etcdClient.GetAllTaskPositions(ctx, changefeedID)
}

func (p *etcdStatusProvider) GetCaptures(ctx context.Context) ([]*model.CaptureInfo, error) {
	_, captures, err := p.etcdClient.GetCaptures(ctx)
	return captures, err
}

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

package v1

import (
	"context"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	"github.com/deltaflow-io/deltaflow/cdc/sink"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/pingcap/errors"
)

// verifyCreateChangefeedConfig verifies the changefeed config a caller
// submitted and completes it into a registry entry. The sink is dialed
// here, a broken sink fails the create synchronously.
func verifyCreateChangefeedConfig(
	ctx context.Context,
	changefeedConfig model.ChangefeedConfig,
	etcdClient etcd.CDCEtcdClient,
) (*model.ChangeFeedInfo, error) {
	if err := model.ValidateChangefeedID(changefeedConfig.ID); err != nil {
		return nil, err
	}
	_, err := etcdClient.GetChangeFeedInfo(ctx, changefeedConfig.ID)
	if err == nil {
		return nil, cerror.ErrChangeFeedAlreadyExists.GenWithStackByArgs(changefeedConfig.ID)
	}
	if !cerror.ErrChangeFeedNotExists.Equal(err) {
		return nil, errors.Trace(err)
	}

	if changefeedConfig.SinkURI == "" {
		return nil, cerror.ErrSinkURIInvalid.GenWithStackByArgs("sink_uri is empty")
	}
	if err := sink.Validate(ctx, changefeedConfig.SinkURI, changefeedConfig.SinkConfig); err != nil {
		return nil, err
	}

	startTs := changefeedConfig.StartTS
	if startTs == 0 {
		startTs = model.ComposeTs(time.Now())
	}
	if changefeedConfig.TargetTS > 0 && changefeedConfig.TargetTS <= startTs {
		return nil, cerror.ErrAPIInvalidParam.GenWithStack(
			"target_ts %d must be larger than start_ts %d", changefeedConfig.TargetTS, startTs)
	}

	info := &model.ChangeFeedInfo{
		SinkURI:               changefeedConfig.SinkURI,
		Opts:                  changefeedConfig.SinkConfig,
		TableIDs:              changefeedConfig.TableIDs,
		CreateTime:            time.Now(),
		StartTs:               startTs,
		TargetTs:              changefeedConfig.TargetTS,
		State:                 model.StateNormal,
		IgnoreIneligibleTable: changefeedConfig.IgnoreIneligibleTable,
	}
	info.VerifyAndComplete()
	return info, nil
}

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

package sink

import (
	"context"
	"net/url"
	"sync/atomic"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// blackHoleSink drops everything on the floor, used in tests and benchmarks.
type blackHoleSink struct {
	checkpointTs uint64
}

func newBlackHoleSink(ctx context.Context, changefeedID model.ChangeFeedID, sinkURI *url.URL, opts map[string]string) (Sink, error) {
	return &blackHoleSink{}, nil
}

func (b *blackHoleSink) EmitCheckpointTs(ctx context.Context, ts model.Ts) error {
	log.Debug("BlackHoleSink: Checkpoint Event", zap.Uint64("ts", ts))
	atomic.StoreUint64(&b.checkpointTs, ts)
	return nil
}

func (b *blackHoleSink) Close(ctx context.Context) error {
	return nil
}

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
	"strings"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
)

// Sink is the abstraction of the downstream a changefeed writes to. The
// control plane only needs checkpoint plumbing from it.
type Sink interface {
	// EmitCheckpointTs sends a checkpoint event to the downstream.
	EmitCheckpointTs(ctx context.Context, ts model.Ts) error
	// Close closes the sink.
	Close(ctx context.Context) error
}

// InitFunc creates a sink for one changefeed.
type InitFunc func(ctx context.Context, changefeedID model.ChangeFeedID, sinkURI *url.URL, opts map[string]string) (Sink, error)

// sinkIniters maps the scheme of a sink URI to the function initializing it.
var sinkIniters = map[string]InitFunc{}

func init() {
	sinkIniters["blackhole"] = newBlackHoleSink
	sinkIniters["mysql"] = newMySQLSink
}

// New creates a new sink with the sink-uri
func New(ctx context.Context, changefeedID model.ChangeFeedID, sinkURIStr string, opts map[string]string) (Sink, error) {
	sinkURI, err := url.Parse(sinkURIStr)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrSinkURIInvalid, err)
	}
	scheme := strings.ToLower(sinkURI.Scheme)
	newSink, ok := sinkIniters[scheme]
	if !ok {
		return nil, cerror.ErrSinkSchemeNotSupported.GenWithStackByArgs(scheme)
	}
	return newSink(ctx, changefeedID, sinkURI, opts)
}

// Validate checks a sink URI before a changefeed is created. It creates a
// sink and closes it right away, so unreachable downstreams are rejected
// synchronously at creation time.
func Validate(ctx context.Context, sinkURI string, opts map[string]string) error {
	s, err := New(ctx, "sink-verify", sinkURI, opts)
	if err != nil {
		return err
	}
	err = s.Close(ctx)
	if err != nil {
		return err
	}
	return nil
}

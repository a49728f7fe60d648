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

package election

import (
	"context"

	"go.etcd.io/etcd/client/v3/concurrency"
)

// Elector abstracts leader election so the capture logic does not depend on
// a concrete coordination backend. Campaign blocks until elected or ctx is
// canceled; after it returns nil the caller is the leader until Done() is
// closed or Resign is called.
type Elector interface {
	// Campaign puts a value as eligible for the election, it blocks until
	// it is elected or an error occurs.
	Campaign(ctx context.Context, id string) error
	// Resign lets the leader start a new election
	Resign(ctx context.Context) error
	// Done returns a channel that closes when the lease behind the
	// leadership is gone.
	Done() <-chan struct{}
}

type etcdElector struct {
	session  *concurrency.Session
	election *concurrency.Election
}

// NewEtcdElector creates an Elector backed by an etcd election on the given
// key prefix. The session carries the lease the leadership depends on.
func NewEtcdElector(sess *concurrency.Session, key string) Elector {
	return &etcdElector{
		session:  sess,
		election: concurrency.NewElection(sess, key),
	}
}

func (e *etcdElector) Campaign(ctx context.Context, id string) error {
	return e.election.Campaign(ctx, id)
}

func (e *etcdElector) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *etcdElector) Done() <-chan struct{} {
	return e.session.Done()
}

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

package capture

import (
	"context"
	"sync"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	"github.com/deltaflow-io/deltaflow/cdc/owner"
	"github.com/deltaflow-io/deltaflow/cdc/processor"
	"github.com/deltaflow-io/deltaflow/pkg/config"
	"github.com/deltaflow-io/deltaflow/pkg/election"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/deltaflow-io/deltaflow/pkg/retry"
	"github.com/deltaflow-io/deltaflow/pkg/version"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/server/v3/mvcc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const cleanMetaDuration = 10 * time.Second

// Capture represents a capture server, it monitors the changefeed
// information in etcd and schedules Task on it.
type Capture interface {
	Run(ctx context.Context) error
	AsyncClose()

	Info() model.CaptureInfo
	StatusProvider() owner.StatusProvider

	IsOwner() bool
	GetOwnerID(ctx context.Context) (model.CaptureID, error)
	ResignOwner(ctx context.Context) error

	GetEtcdClient() etcd.CDCEtcdClient
	IsReady() bool
}

type captureImpl struct {
	info   *model.CaptureInfo
	config *config.ServerConfig

	etcdClient etcd.CDCEtcdClient
	session    *concurrency.Session
	elector    election.Elector

	processorManager *processor.Manager

	ownerMu sync.Mutex
	owner   *owner.Owner

	readyMu sync.Mutex
	ready   bool

	cancel context.CancelFunc

	// newElector is swapped in tests to decouple from etcd elections
	newElector func(sess *concurrency.Session) election.Elector
}

// NewCapture returns a new Capture instance
func NewCapture(conf *config.ServerConfig, etcdClient etcd.CDCEtcdClient) Capture {
	return &captureImpl{
		config:     conf,
		etcdClient: etcdClient,
		newElector: func(sess *concurrency.Session) election.Elector {
			return election.NewEtcdElector(sess, etcd.CaptureOwnerKey)
		},
	}
}

// NewCapture4Test returns a Capture for test purposes.
func NewCapture4Test(conf *config.ServerConfig, etcdClient etcd.CDCEtcdClient,
	newElector func(sess *concurrency.Session) election.Elector,
) Capture {
	return &captureImpl{
		config:     conf,
		etcdClient: etcdClient,
		newElector: newElector,
	}
}

func (c *captureImpl) reset(ctx context.Context) error {
	c.info = &model.CaptureInfo{
		ID:            uuid.New().String(),
		AdvertiseAddr: c.config.AdvertiseAddr,
		Version:       version.ReleaseVersion,
	}
	sess, err := concurrency.NewSession(c.etcdClient.Client,
		concurrency.WithTTL(c.config.CaptureSessionTTL))
	if err != nil {
		return cerror.WrapError(cerror.ErrNewCaptureFailed, err)
	}
	c.session = sess
	c.elector = c.newElector(sess)
	c.processorManager = processor.NewManager(c.etcdClient, c.info,
		time.Duration(c.config.ProcessorFlushInterval))
	log.Info("capture initialized", zap.String("captureID", c.info.ID))
	return nil
}

// Run runs the capture: it registers itself, campaigns for ownership and
// runs the processor manager, until ctx is canceled or the capture session
// is lost.
func (c *captureImpl) Run(stdCtx context.Context) error {
	ctx, cancel := context.WithCancel(stdCtx)
	c.cancel = cancel
	defer cancel()

	err := c.reset(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if closeErr := c.session.Close(); closeErr != nil {
			log.Warn("close capture session failed", zap.Error(closeErr))
		}
	}()

	err = c.register(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), cleanMetaDuration)
		defer timeoutCancel()
		if deregErr := c.etcdClient.DeleteCaptureInfo(timeoutCtx, c.info.ID); deregErr != nil {
			log.Warn("failed to delete capture info when capture exited", zap.Error(deregErr))
		}
	}()
	c.setReady()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.campaignOwner(egCtx)
	})
	eg.Go(func() error {
		return c.processorManager.Run(egCtx)
	})
	eg.Go(func() error {
		// the capture must not outlive its lease
		select {
		case <-egCtx.Done():
			return egCtx.Err()
		case <-c.session.Done():
			return cerror.ErrCaptureSuicide.GenWithStackByArgs()
		}
	})
	return eg.Wait()
}

func (c *captureImpl) register(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		return c.etcdClient.PutCaptureInfo(ctx, c.info, c.session.Lease())
	}, retry.WithBackoffBaseDelay(50), retry.WithBackoffMaxDelay(1000), retry.WithMaxTries(3))
	if err != nil {
		return cerror.WrapError(cerror.ErrCaptureRegister, err)
	}
	log.Info("capture registered", zap.String("captureID", c.info.ID),
		zap.String("advertiseAddr", c.info.AdvertiseAddr))
	return nil
}

// campaignOwner repeatedly campaigns in the owner election. Once elected it
// runs the owner until the leadership or the context is lost, then resigns
// and campaigns again.
func (c *captureImpl) campaignOwner(ctx context.Context) error {
	// when campaigning fails in a tight loop, the rate limiter keeps the
	// capture from hammering etcd
	rl := rate.NewLimiter(0.05, 2)
	for {
		err := rl.Wait(ctx)
		if err != nil {
			if errors.Cause(err) == context.Canceled {
				return nil
			}
			return errors.Trace(err)
		}
		err = c.elector.Campaign(ctx, c.info.ID)
		if err != nil {
			switch errors.Cause(err) {
			case context.Canceled:
				return nil
			case mvcc.ErrCompacted:
				continue
			}
			log.Warn("campaign owner failed", zap.String("captureID", c.info.ID), zap.Error(err))
			continue
		}
		log.Info("campaign owner successfully", zap.String("captureID", c.info.ID))

		ownerCtx, ownerCancel := context.WithCancel(ctx)
		o := owner.NewOwner(c.etcdClient, c.info, time.Duration(c.config.OwnerFlushInterval))
		c.setOwner(o)
		go func() {
			select {
			case <-ownerCtx.Done():
			case <-c.elector.Done():
				// leadership lease gone, the owner must stop immediately
				o.AsyncStop()
				ownerCancel()
			}
		}()

		err = o.Run(ownerCtx)
		ownerCancel()
		c.setOwner(nil)
		if resignErr := c.resign(ctx); resignErr != nil {
			log.Warn("resign owner failed", zap.String("captureID", c.info.ID), zap.Error(resignErr))
		}
		log.Info("run owner exited", zap.String("captureID", c.info.ID), zap.Error(err))
		if err != nil && errors.Cause(err) != context.Canceled {
			// let the campaign loop retry after backoff
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *captureImpl) resign(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.elector.Resign(timeoutCtx)
	return cerror.WrapError(cerror.ErrCaptureResignOwner, err)
}

func (c *captureImpl) setOwner(o *owner.Owner) {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	c.owner = o
}

// IsOwner returns whether the capture holds the owner election at the
// moment.
func (c *captureImpl) IsOwner() bool {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	return c.owner != nil
}

// ResignOwner makes the owner step down, another capture (possibly this
// one) wins the next election.
func (c *captureImpl) ResignOwner(ctx context.Context) error {
	c.ownerMu.Lock()
	o := c.owner
	c.ownerMu.Unlock()
	if o == nil {
		return cerror.ErrNotOwner.GenWithStackByArgs()
	}
	o.AsyncStop()
	return nil
}

// GetOwnerID returns the id of the cluster owner.
func (c *captureImpl) GetOwnerID(ctx context.Context) (model.CaptureID, error) {
	ownerID, err := c.etcdClient.GetOwnerID(ctx, etcd.CaptureOwnerKey)
	if err != nil {
		if err == concurrency.ErrElectionNoLeader {
			return "", cerror.ErrOwnerNotFound.GenWithStackByArgs()
		}
		return "", errors.Trace(err)
	}
	return ownerID, nil
}

// Info returns the capture info.
func (c *captureImpl) Info() model.CaptureInfo {
	if c.info == nil {
		return model.CaptureInfo{}
	}
	return *c.info
}

// StatusProvider returns the read view over the replication state.
func (c *captureImpl) StatusProvider() owner.StatusProvider {
	return owner.NewStatusProvider(c.etcdClient)
}

// GetEtcdClient returns the etcd client used by the capture.
func (c *captureImpl) GetEtcdClient() etcd.CDCEtcdClient {
	return c.etcdClient
}

func (c *captureImpl) setReady() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	c.ready = true
}

// IsReady returns whether the capture has finished its registration.
func (c *captureImpl) IsReady() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

// AsyncClose stops the capture asynchronously.
func (c *captureImpl) AsyncClose() {
	if c.cancel != nil {
		c.cancel()
	}
}

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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// When errors occurred and we need to do backoff, we start an exponential backoff
	// with an interval from 10s to 30min (10s, 20s, 40s, 80s, 160s, 320s,
	//	 640s, 1280s, 1800s).
	defaultBackoffInitInterval        = 10 * time.Second
	defaultBackoffMaxInterval         = 30 * time.Minute
	defaultBackoffRandomizationFactor = 0.1
	defaultBackoffMultiplier          = 2.0
)

// feedStateManager drives the state machine of one changefeed. The owner
// loads the changefeed from etcd, lets the manager apply admin jobs and
// processor errors, and persists whatever changed.
type feedStateManager struct {
	id model.ChangeFeedID

	shouldRetry bool
	errBackoff  *backoff.ExponentialBackOff
	// the next time the changefeed in error state may auto resume
	nextRetryTime time.Time
}

func newFeedStateManager(id model.ChangeFeedID) *feedStateManager {
	m := &feedStateManager{id: id}
	m.errBackoff = backoff.NewExponentialBackOff()
	m.errBackoff.InitialInterval = defaultBackoffInitInterval
	m.errBackoff.MaxInterval = defaultBackoffMaxInterval
	m.errBackoff.Multiplier = defaultBackoffMultiplier
	m.errBackoff.RandomizationFactor = defaultBackoffRandomizationFactor
	// MaxElapsedTime=0 means the owner never gives up retrying
	m.errBackoff.MaxElapsedTime = 0
	m.resetErrRetry()
	return m
}

// resetErrRetry resets the error retry related fields
func (m *feedStateManager) resetErrRetry() {
	m.errBackoff.Reset()
	m.nextRetryTime = time.Time{}
}

// HandleAdminJob applies one admin job to the changefeed info. It returns
// whether the info changed and, when the job is invalid for the current
// state, the error the job record should carry.
func (m *feedStateManager) HandleAdminJob(info *model.ChangeFeedInfo, job *model.AdminJob) (changed bool, err error) {
	switch job.Type {
	case model.AdminStop:
		switch info.State {
		case model.StateNormal, model.StateError:
		case model.StateStopped:
			// pausing a paused changefeed is a no-op
			return false, nil
		default:
			return false, cerror.ErrChangefeedAbnormalState.GenWithStackByArgs(info.State, job.Type)
		}
		info.State = model.StateStopped
		info.AdminJobType = model.AdminStop
		info.Error = nil
		return true, nil

	case model.AdminResume:
		switch info.State {
		case model.StateStopped, model.StateError:
		case model.StateNormal:
			return false, nil
		default:
			return false, cerror.ErrChangefeedAbnormalState.GenWithStackByArgs(info.State, job.Type)
		}
		info.State = model.StateNormal
		info.AdminJobType = model.AdminResume
		info.Error = nil
		// a manual resume takes effect immediately
		m.resetErrRetry()
		return true, nil

	case model.AdminRemove:
		if info.State == model.StateRemoved {
			return false, nil
		}
		info.State = model.StateRemoved
		info.AdminJobType = model.AdminRemove
		return true, nil

	case model.AdminFinish:
		if info.State != model.StateNormal {
			return false, cerror.ErrChangefeedAbnormalState.GenWithStackByArgs(info.State, job.Type)
		}
		info.State = model.StateStopped
		info.AdminJobType = model.AdminFinish
		return true, nil

	default:
		log.Warn("admin job type unsupported by the state machine",
			zap.String("changefeed", m.id), zap.Stringer("type", job.Type))
		return false, cerror.ErrSchedulerRequestFailed.GenWithStackByArgs(job.Type)
	}
}

// HandleError moves the changefeed into the error state in response to a
// running error reported by a processor. Fast-fail errors disable automatic
// retry entirely.
func (m *feedStateManager) HandleError(info *model.ChangeFeedInfo, runningErr *model.RunningError) (changed bool) {
	if runningErr == nil || info.State != model.StateNormal {
		return false
	}
	info.State = model.StateError
	info.Error = runningErr
	info.ErrorHis = append(info.ErrorHis, time.Now().UnixMilli())
	if isFastFailErrorCode(runningErr.Code) {
		m.shouldRetry = false
		log.Error("changefeed meets a fast fail error, auto retry disabled",
			zap.String("changefeed", m.id),
			zap.String("code", runningErr.Code),
			zap.String("message", runningErr.Message))
	} else {
		m.shouldRetry = true
		m.nextRetryTime = time.Now().Add(m.errBackoff.NextBackOff())
	}
	return true
}

// Tick lets an errored changefeed retry once the backoff elapses. It returns
// whether the info changed.
func (m *feedStateManager) Tick(info *model.ChangeFeedInfo) (changed bool) {
	if info.State != model.StateError || !m.shouldRetry {
		return false
	}
	if time.Now().Before(m.nextRetryTime) {
		return false
	}
	log.Info("changefeed retries after error backoff",
		zap.String("changefeed", m.id))
	info.State = model.StateNormal
	return true
}

func isFastFailErrorCode(code string) bool {
	for _, e := range cerror.ChangefeedFastFailErrors {
		if string(e.RFCCode()) == code {
			return true
		}
	}
	return false
}

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
	"net/http"
	"sort"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// timeFromTs extracts the wall-clock part of a TSO style timestamp.
func timeFromTs(ts model.Ts) time.Time {
	return time.UnixMilli(int64(ts >> 18))
}

// ListChangefeed lists all changefeeds in the cluster, optionally filtered
// by the `state` query parameter.
func (h *OpenAPI) ListChangefeed(c *gin.Context) {
	ctx := c.Request.Context()
	state := c.Query("state")

	statuses, err := h.statusProvider().GetAllChangeFeedStatuses(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	infos, err := h.statusProvider().GetAllChangeFeedInfo(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resps := make([]*model.ChangefeedCommonInfo, 0)
	for changefeedID, info := range infos {
		if !info.State.IsNeeded(state) {
			continue
		}
		resp := &model.ChangefeedCommonInfo{
			ID:           changefeedID,
			FeedState:    info.State,
			RunningError: info.Error,
		}
		if status, ok := statuses[changefeedID]; ok {
			resp.CheckpointTSO = status.CheckpointTs
			resp.CheckpointTime = model.JSONTime(timeFromTs(status.CheckpointTs))
		}
		resps = append(resps, resp)
	}
	sort.Slice(resps, func(i, j int) bool { return resps[i].ID < resps[j].ID })
	c.IndentedJSON(http.StatusOK, resps)
}

// GetChangefeed returns the detail of a changefeed, including the task
// status on every capture.
func (h *OpenAPI) GetChangefeed(c *gin.Context) {
	ctx := c.Request.Context()
	changefeedID := c.Param("changefeed_id")
	if err := model.ValidateChangefeedID(changefeedID); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.GenWithStack("invalid changefeed_id: %s", changefeedID))
		return
	}

	info, err := h.statusProvider().GetChangeFeedInfo(ctx, changefeedID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status, err := h.statusProvider().GetChangeFeedStatus(ctx, changefeedID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	taskStatuses, err := h.statusProvider().GetAllTaskStatuses(ctx, changefeedID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	taskStatus := make([]model.CaptureTaskStatus, 0, len(taskStatuses))
	for captureID, ts := range taskStatuses {
		tables := make([]int64, 0, len(ts.Tables))
		for tableID := range ts.Tables {
			tables = append(tables, tableID)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		taskStatus = append(taskStatus,
			model.CaptureTaskStatus{CaptureID: captureID, Tables: tables, Operation: ts.Operation})
	}
	sort.Slice(taskStatus, func(i, j int) bool { return taskStatus[i].CaptureID < taskStatus[j].CaptureID })

	detail := &model.ChangefeedDetail{
		ID:             changefeedID,
		SinkURI:        info.SinkURI,
		CreateTime:     model.JSONTime(info.CreateTime),
		StartTs:        info.StartTs,
		TargetTs:       info.TargetTs,
		CheckpointTSO:  status.CheckpointTs,
		CheckpointTime: model.JSONTime(timeFromTs(status.CheckpointTs)),
		ResolvedTs:     status.ResolvedTs,
		State:          info.State,
		ErrorHistory:   info.ErrorHis,
		Error:          info.Error,
		TaskStatus:     taskStatus,
	}
	c.IndentedJSON(http.StatusOK, detail)
}

// CreateChangefeed creates a changefeed. The sink is verified synchronously,
// the rest of the bootstrap is left to the owner.
func (h *OpenAPI) CreateChangefeed(c *gin.Context) {
	ctx := c.Request.Context()
	var changefeedConfig model.ChangefeedConfig
	if err := c.BindJSON(&changefeedConfig); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.Wrap(err).GenWithStackByArgs())
		return
	}

	info, err := verifyCreateChangefeedConfig(ctx, changefeedConfig, h.etcdClient())
	if err != nil {
		_ = c.Error(err)
		return
	}

	err = h.etcdClient().CreateChangefeedInfo(ctx, info, changefeedConfig.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	log.Info("create changefeed", zap.String("changefeed", changefeedConfig.ID),
		zap.String("sinkURI", info.SinkURI), zap.Uint64("startTs", info.StartTs))
	c.Status(http.StatusAccepted)
}

// PauseChangefeed pauses a changefeed. The request is accepted once the
// admin job is durably queued.
func (h *OpenAPI) PauseChangefeed(c *gin.Context) {
	h.enqueueAdminJob(c, model.AdminStop)
}

// ResumeChangefeed resumes a changefeed.
func (h *OpenAPI) ResumeChangefeed(c *gin.Context) {
	h.enqueueAdminJob(c, model.AdminResume)
}

// RemoveChangefeed removes a changefeed. The registry entry disappears only
// after the owner finishes tearing the feed down.
func (h *OpenAPI) RemoveChangefeed(c *gin.Context) {
	h.enqueueAdminJob(c, model.AdminRemove)
}

// RebalanceTables triggers a rebalance of all tables of a changefeed across
// the live captures.
func (h *OpenAPI) RebalanceTables(c *gin.Context) {
	h.enqueueAdminJob(c, model.AdminRebalance)
}

func (h *OpenAPI) enqueueAdminJob(c *gin.Context, jobType model.AdminJobType) {
	ctx := c.Request.Context()
	changefeedID := c.Param("changefeed_id")
	if err := model.ValidateChangefeedID(changefeedID); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.GenWithStack("invalid changefeed_id: %s", changefeedID))
		return
	}
	// verify the changefeed exists before queuing anything
	if _, err := h.statusProvider().GetChangeFeedInfo(ctx, changefeedID); err != nil {
		_ = c.Error(err)
		return
	}

	job := &model.AdminJob{
		CfID: changefeedID,
		Type: jobType,
	}
	if err := h.etcdClient().PutAdminJob(ctx, job); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

// MoveTable moves a table of a changefeed to a target capture, the hand-off
// itself happens asynchronously under the owner.
func (h *OpenAPI) MoveTable(c *gin.Context) {
	ctx := c.Request.Context()
	changefeedID := c.Param("changefeed_id")
	if err := model.ValidateChangefeedID(changefeedID); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.GenWithStack("invalid changefeed_id: %s", changefeedID))
		return
	}
	if _, err := h.statusProvider().GetChangeFeedInfo(ctx, changefeedID); err != nil {
		_ = c.Error(err)
		return
	}

	var req model.MoveTableReq
	if err := c.BindJSON(&req); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.Wrap(err).GenWithStackByArgs())
		return
	}

	job := &model.AdminJob{
		CfID:            changefeedID,
		Type:            model.AdminMoveTable,
		TargetCaptureID: req.CaptureID,
		TableID:         req.TableID,
	}
	if err := model.VerifyJob(job); err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.etcdClient().PutAdminJob(ctx, job); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

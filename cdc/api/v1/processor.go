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

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/gin-gonic/gin"
)

// ListProcessor lists all processors in the cluster.
func (h *OpenAPI) ListProcessor(c *gin.Context) {
	ctx := c.Request.Context()
	infos, err := h.statusProvider().GetAllChangeFeedInfo(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resps := make([]*model.ProcessorCommonInfo, 0)
	for changefeedID := range infos {
		statuses, err := h.statusProvider().GetAllTaskStatuses(ctx, changefeedID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		for captureID := range statuses {
			resps = append(resps, &model.ProcessorCommonInfo{CfID: changefeedID, CaptureID: captureID})
		}
	}
	sort.Slice(resps, func(i, j int) bool {
		if resps[i].CfID != resps[j].CfID {
			return resps[i].CfID < resps[j].CfID
		}
		return resps[i].CaptureID < resps[j].CaptureID
	})
	c.IndentedJSON(http.StatusOK, resps)
}

// GetProcessor returns the detail of a processor, the per-capture slice of
// one changefeed.
func (h *OpenAPI) GetProcessor(c *gin.Context) {
	ctx := c.Request.Context()
	changefeedID := c.Param("changefeed_id")
	if err := model.ValidateChangefeedID(changefeedID); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.GenWithStack("invalid changefeed_id: %s", changefeedID))
		return
	}
	captureID := c.Param("capture_id")

	statuses, err := h.statusProvider().GetAllTaskStatuses(ctx, changefeedID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	positions, err := h.statusProvider().GetTaskPositions(ctx, changefeedID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status, captureExist := statuses[captureID]
	position, positionExist := positions[captureID]
	// the capture may have no task or has not reported yet
	detail := &model.ProcessorDetail{}
	if captureExist {
		tables := make([]int64, 0, len(status.Tables))
		for tableID := range status.Tables {
			tables = append(tables, tableID)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		detail.Tables = tables
	}
	if positionExist {
		detail.CheckPointTs = position.CheckPointTs
		detail.ResolvedTs = position.ResolvedTs
		detail.Count = position.Count
		detail.Error = position.Error
	}
	c.IndentedJSON(http.StatusOK, detail)
}

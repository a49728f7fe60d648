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
	"github.com/gin-gonic/gin"
)

// ListCapture lists all the captures in the cluster.
func (h *OpenAPI) ListCapture(c *gin.Context) {
	ctx := c.Request.Context()
	captureInfos, err := h.statusProvider().GetCaptures(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ownerID, err := h.capture.GetOwnerID(ctx)
	if err != nil {
		// an ownerless window between elections is not an error for reads
		ownerID = ""
	}

	captures := make([]*model.Capture, 0, len(captureInfos))
	for _, info := range captureInfos {
		captures = append(captures, &model.Capture{
			ID:            info.ID,
			IsOwner:       info.ID == ownerID,
			AdvertiseAddr: info.AdvertiseAddr,
		})
	}
	sort.Slice(captures, func(i, j int) bool { return captures[i].ID < captures[j].ID })
	c.IndentedJSON(http.StatusOK, captures)
}

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

	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/gin-gonic/gin"
)

// ResignOwner makes the current owner step down and triggers a new
// election. The call only succeeds on the capture holding the ownership.
func (h *OpenAPI) ResignOwner(c *gin.Context) {
	ctx := c.Request.Context()
	err := h.capture.ResignOwner(ctx)
	if err != nil {
		if cerror.ErrNotOwner.Equal(err) {
			// resigning a capture that is not the owner is a no-op, another
			// capture already holds the election
			c.Status(http.StatusAccepted)
			return
		}
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

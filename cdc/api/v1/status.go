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
	"os"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/logutil"
	"github.com/deltaflow-io/deltaflow/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ServerStatus gets the status of this server.
func (h *OpenAPI) ServerStatus(c *gin.Context) {
	info := h.capture.Info()
	status := model.ServerStatus{
		Version: version.ReleaseVersion,
		GitHash: version.GitHash,
		ID:      info.ID,
		Pid:     os.Getpid(),
		IsOwner: h.capture.IsOwner(),
	}
	c.IndentedJSON(http.StatusOK, status)
}

// Health checks the health of the cluster, it reports healthy only when an
// owner has been elected.
func (h *OpenAPI) Health(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.capture.GetOwnerID(ctx); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusOK)
}

// SetLogLevel changes the log level dynamically on this server.
func (h *OpenAPI) SetLogLevel(c *gin.Context) {
	var req model.ServerLogReq
	if err := c.BindJSON(&req); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.Wrap(err).GenWithStackByArgs())
		return
	}

	if err := logutil.SetLogLevel(req.Level); err != nil {
		_ = c.Error(cerror.ErrAPIInvalidParam.GenWithStack("fail to change log level: %s", req.Level))
		return
	}
	log.Warn("log level changed", zap.String("level", req.Level))
	c.Status(http.StatusOK)
}

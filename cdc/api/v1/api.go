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
	"github.com/deltaflow-io/deltaflow/cdc/api/middleware"
	"github.com/deltaflow-io/deltaflow/cdc/capture"
	"github.com/deltaflow-io/deltaflow/cdc/owner"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/gin-gonic/gin"
)

// OpenAPI provides the CDC v1 APIs, the routes work on any capture because
// every mutation is durably queued in the registry.
type OpenAPI struct {
	capture capture.Capture
	// statusProviderOverride only works for unit tests
	statusProviderOverride owner.StatusProvider
}

// NewOpenAPI creates a new OpenAPI.
func NewOpenAPI(c capture.Capture) OpenAPI {
	return OpenAPI{capture: c}
}

// NewOpenAPI4Test returns an OpenAPI with a stubbed status provider.
func NewOpenAPI4Test(c capture.Capture, p owner.StatusProvider) OpenAPI {
	return OpenAPI{capture: c, statusProviderOverride: p}
}

func (h *OpenAPI) statusProvider() owner.StatusProvider {
	if h.statusProviderOverride != nil {
		return h.statusProviderOverride
	}
	return h.capture.StatusProvider()
}

func (h *OpenAPI) etcdClient() etcd.CDCEtcdClient {
	return h.capture.GetEtcdClient()
}

// RegisterOpenAPIRoutes registers routes for the v1 API.
func RegisterOpenAPIRoutes(router *gin.Engine, api OpenAPI) {
	v1 := router.Group("/api/v1")

	v1.Use(middleware.CheckServerReadyMiddleware(api.capture))
	v1.Use(middleware.LogMiddleware())
	v1.Use(middleware.ErrorHandleMiddleware())

	// common APIs
	v1.GET("/status", api.ServerStatus)
	v1.GET("/health", api.Health)
	v1.POST("/log", api.SetLogLevel)

	// changefeed API
	changefeedGroup := v1.Group("/changefeeds")
	changefeedGroup.GET("", api.ListChangefeed)
	changefeedGroup.GET("/:changefeed_id", api.GetChangefeed)
	changefeedGroup.POST("", api.CreateChangefeed)
	changefeedGroup.POST("/:changefeed_id/pause", api.PauseChangefeed)
	changefeedGroup.POST("/:changefeed_id/resume", api.ResumeChangefeed)
	changefeedGroup.DELETE("/:changefeed_id", api.RemoveChangefeed)
	changefeedGroup.POST("/:changefeed_id/tables/rebalance_table", api.RebalanceTables)
	changefeedGroup.POST("/:changefeed_id/tables/move_table", api.MoveTable)

	// owner API
	ownerGroup := v1.Group("/owner")
	ownerGroup.POST("/resign", api.ResignOwner)

	// processor API
	processorGroup := v1.Group("/processors")
	processorGroup.GET("", api.ListProcessor)
	processorGroup.GET("/:changefeed_id/:capture_id", api.GetProcessor)

	// capture API
	captureGroup := v1.Group("/captures")
	captureGroup.GET("", api.ListCapture)
}

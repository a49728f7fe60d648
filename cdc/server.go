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

package cdc

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	v1 "github.com/deltaflow-io/deltaflow/cdc/api/v1"
	"github.com/deltaflow-io/deltaflow/cdc/capture"
	"github.com/deltaflow-io/deltaflow/pkg/config"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/etcd"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	etcdlogutil "go.etcd.io/etcd/client/pkg/v3/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	etcdDialTimeout         = 5 * time.Second
	etcdHealthCheckInterval = 3 * time.Second
)

// Server is the whole capture process, it serves the control API and hosts
// exactly one capture.
type Server struct {
	config *config.ServerConfig

	pdEndpoints []string
	etcdClient  etcd.CDCEtcdClient
	capture     capture.Capture

	statusServer *http.Server
}

// NewServer creates a Server instance.
func NewServer(conf *config.ServerConfig, registryEndpoints []string) (*Server, error) {
	if len(registryEndpoints) == 0 {
		return nil, cerror.ErrInvalidServerOption.GenWithStack("empty registry endpoints")
	}
	log.Info("creating DeltaFlow server",
		zap.Strings("registry-endpoints", registryEndpoints),
		zap.String("addr", conf.Addr),
		zap.String("advertise-addr", conf.AdvertiseAddr))

	s := &Server{
		config:      conf,
		pdEndpoints: registryEndpoints,
	}
	return s, nil
}

// Run runs the server until ctx is canceled or a fatal error occurs. A
// capture that lost its registry session is restarted in place.
func (s *Server) Run(ctx context.Context) error {
	logConfig := etcdClientLogConfig()
	rawClient, err := clientv3.New(clientv3.Config{
		Endpoints:   s.pdEndpoints,
		Context:     ctx,
		LogConfig:   logConfig,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return cerror.WrapError(cerror.ErrNewCaptureFailed, err)
	}
	s.etcdClient = etcd.NewCDCEtcdClient(rawClient)
	defer func() {
		if err := s.etcdClient.Close(); err != nil {
			log.Warn("close etcd client failed", zap.Error(err))
		}
	}()

	s.capture = capture.NewCapture(s.config, s.etcdClient)
	if err := s.startStatusHTTP(); err != nil {
		return errors.Trace(err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.etcdHealthChecker(egCtx)
	})
	eg.Go(func() error {
		// when a capture lost its session it suicides, rerunning it builds
		// a fresh session and identity
		for {
			err := s.capture.Run(egCtx)
			if cerror.ErrCaptureSuicide.Equal(errors.Cause(err)) {
				log.Info("capture suicided, restarting")
				continue
			}
			return err
		}
	})
	return eg.Wait()
}

func (s *Server) startStatusHTTP() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1.RegisterOpenAPIRoutes(router, v1.NewOpenAPI(s.capture))

	// the gatherer carries all the per-package collectors
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	pprofGroup := router.Group("/debug/pprof")
	pprofGroup.GET("/", gin.WrapF(pprof.Index))
	pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
	pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))

	s.statusServer = &http.Server{Addr: s.config.Addr, Handler: router}
	log.Info("status http server is running", zap.String("addr", s.config.Addr))
	go func() {
		err := s.statusServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("status server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) etcdHealthChecker(ctx context.Context) error {
	ticker := time.NewTicker(etcdHealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, endpoint := range s.pdEndpoints {
				start := time.Now()
				checkCtx, cancel := context.WithTimeout(ctx, etcdDialTimeout)
				_, err := s.etcdClient.Client.Status(checkCtx, endpoint)
				cancel()
				if err != nil {
					log.Warn("etcd health check error",
						zap.String("endpoint", endpoint), zap.Error(err))
					etcdHealthCheckDuration.WithLabelValues("fail").
						Observe(time.Since(start).Seconds())
					continue
				}
				etcdHealthCheckDuration.WithLabelValues("success").
					Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Close closes the server.
func (s *Server) Close() {
	if s.capture != nil {
		s.capture.AsyncClose()
	}
	if s.statusServer != nil {
		if err := s.statusServer.Close(); err != nil {
			log.Error("close status server failed", zap.Error(err))
		}
		s.statusServer = nil
	}
}

// etcdClientLogConfig keeps the etcd client noise out of the server log.
func etcdClientLogConfig() *zap.Config {
	cfg := etcdlogutil.DefaultZapLoggerConfig
	cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	return &cfg
}

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

package server

import (
	"context"
	"strings"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc"
	cmdutil "github.com/deltaflow-io/deltaflow/pkg/cmd/util"
	"github.com/deltaflow-io/deltaflow/pkg/config"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/deltaflow-io/deltaflow/pkg/logutil"
	"github.com/deltaflow-io/deltaflow/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `server` command.
type options struct {
	registryEndpoints    string
	serverConfigFilePath string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags binds the server flags to the command.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.registryEndpoints, "registry", "http://127.0.0.1:2379",
		"Set the etcd registry endpoints to use. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.serverConfig.Addr, "addr", defaultServerConfig.Addr, "Set the listening address")
	cmd.Flags().StringVar(&o.serverConfig.AdvertiseAddr, "advertise-addr", defaultServerConfig.AdvertiseAddr, "Set the advertise listening address for client communication")
	cmd.Flags().Int64Var(&o.serverConfig.GcTTL, "gc-ttl", defaultServerConfig.GcTTL, "CDC GC safepoint TTL duration, specified in seconds")
	cmd.Flags().StringVar(&o.serverConfig.LogFile, "log-file", defaultServerConfig.LogFile, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.LogLevel, "log-level", defaultServerConfig.LogLevel, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.serverConfig.DataDir, "data-dir", defaultServerConfig.DataDir, "the path to the directory used to store server generated data")
	cmd.Flags().IntVar(&o.serverConfig.CaptureSessionTTL, "capture-session-ttl", defaultServerConfig.CaptureSessionTTL, "capture session ttl in seconds")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.OwnerFlushInterval), "owner-flush-interval", time.Duration(defaultServerConfig.OwnerFlushInterval), "owner flushes changefeed status interval")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.ProcessorFlushInterval), "processor-flush-interval", time.Duration(defaultServerConfig.ProcessorFlushInterval), "processor flushes task status interval")
	cmd.Flags().StringVar(&o.serverConfig.ClusterID, "cluster-id", defaultServerConfig.ClusterID, "Set cdc cluster id")
	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyServerConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := cmdutil.InitCmd(cmd, &logutil.Config{
		File:           conf.LogFile,
		Level:          conf.LogLevel,
		FileMaxSize:    conf.Log.File.MaxSize,
		FileMaxDays:    conf.Log.File.MaxDays,
		FileMaxBackups: conf.Log.File.MaxBackups,
	})
	defer cancel()

	config.StoreGlobalServerConfig(conf)
	version.LogVersionInfo("Change Data Capture (CDC)")

	server, err := cdc.NewServer(conf, strings.Split(o.registryEndpoints, ","))
	if err != nil {
		return errors.Annotate(err, "new server")
	}
	cmdutil.InitSignalHandling(func() <-chan struct{} {
		done := make(chan struct{})
		go func() {
			server.Close()
			close(done)
		}()
		return done
	}, cancel)

	err = server.Run(ctx)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	server.Close()
	log.Info("cdc server exits successfully")

	return nil
}

func (o *options) loadAndVerifyServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := cmdutil.StrictDecodeFile(o.serverConfigFilePath, "DeltaFlow server", conf); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			conf.Addr = o.serverConfig.Addr
		case "advertise-addr":
			conf.AdvertiseAddr = o.serverConfig.AdvertiseAddr
		case "gc-ttl":
			conf.GcTTL = o.serverConfig.GcTTL
		case "log-file":
			conf.LogFile = o.serverConfig.LogFile
		case "log-level":
			conf.LogLevel = o.serverConfig.LogLevel
		case "data-dir":
			conf.DataDir = o.serverConfig.DataDir
		case "capture-session-ttl":
			conf.CaptureSessionTTL = o.serverConfig.CaptureSessionTTL
		case "owner-flush-interval":
			conf.OwnerFlushInterval = o.serverConfig.OwnerFlushInterval
		case "processor-flush-interval":
			conf.ProcessorFlushInterval = o.serverConfig.ProcessorFlushInterval
		case "cluster-id":
			conf.ClusterID = o.serverConfig.ClusterID
		case "registry", "config":
			// dealt with below
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(o.registryEndpoints) == 0 {
		return nil, cerror.ErrInvalidServerOption.GenWithStack("empty registry address")
	}
	for _, ep := range strings.Split(o.registryEndpoints, ",") {
		if err := cmdutil.VerifyRegistryEndpoint(ep); err != nil {
			return nil, cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByCause()
		}
	}
	return conf, nil
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a DeltaFlow capture server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)
	return command
}

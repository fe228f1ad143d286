// Copyright 2021 PingCAP, Inc.
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

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/cmd/util"
	"github.com/pingcap/flowcoord/pkg/config"
	"github.com/pingcap/flowcoord/pkg/server"
	"github.com/pingcap/flowcoord/pkg/version"
)

// options defines flags for the `server` command.
type options struct {
	serverConfigFilePath string
	etcdEndpoints        string
	kafkaBrokers         string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.serverConfig.ProcessorID, "processor-id", defaultServerConfig.ProcessorID, "Set the processor id, a random one is generated if it is empty")
	cmd.Flags().StringVar(&o.serverConfig.GroupID, "group-id", defaultServerConfig.GroupID, "Set the coordination group of the processor")
	cmd.Flags().StringVar(&o.serverConfig.StatusAddr, "status-addr", defaultServerConfig.StatusAddr, "Set the listening address of the status API")
	cmd.Flags().StringVar(&o.serverConfig.Log.File, "log-file", defaultServerConfig.Log.File, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.Log.Level, "log-level", defaultServerConfig.Log.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.serverConfig.Coordination.Type, "coordination", defaultServerConfig.Coordination.Type, "coordination service (etcd|memory|none)")
	cmd.Flags().StringVar(&o.etcdEndpoints, "etcd", "", "Set the etcd endpoints to use. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.kafkaBrokers, "kafka", "", "Set the kafka brokers to use. Use ',' to separate multiple brokers")
	cmd.Flags().DurationVar(&o.serverConfig.InitTimeout, "init-timeout", defaultServerConfig.InitTimeout, "timeout of waiting for the intermediate streams to be created")
	cmd.Flags().BoolVar(&o.serverConfig.StrictTaskCount, "strict-task-count", defaultServerConfig.StrictTaskCount, "reject end-of-stream markers disagreeing on the producing task count")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyServerConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := util.InitCmd(cmd, conf.Log)
	defer cancel()
	util.InitSignalHandling(cancel)

	version.LogVersionInfo()
	util.LogHTTPProxies()
	log.Info("flowcoord server config", zap.Stringer("config", conf))

	err = server.New(conf).Run(ctx)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	log.Info("flowcoord server exits successfully")
	return nil
}

func (o *options) loadAndVerifyServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := config.StrictDecodeFile(o.serverConfigFilePath, conf); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "processor-id":
			conf.ProcessorID = o.serverConfig.ProcessorID
		case "group-id":
			conf.GroupID = o.serverConfig.GroupID
		case "status-addr":
			conf.StatusAddr = o.serverConfig.StatusAddr
		case "log-file":
			conf.Log.File = o.serverConfig.Log.File
		case "log-level":
			conf.Log.Level = o.serverConfig.Log.Level
		case "coordination":
			conf.Coordination.Type = o.serverConfig.Coordination.Type
		case "etcd":
			conf.Coordination.Endpoints = splitList(o.etcdEndpoints)
		case "kafka":
			conf.Kafka.BrokerEndpoints = splitList(o.kafkaBrokers)
		case "init-timeout":
			conf.InitTimeout = o.serverConfig.InitTimeout
		case "strict-task-count":
			conf.StrictTaskCount = o.serverConfig.StrictTaskCount
		case "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a flowcoord processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}

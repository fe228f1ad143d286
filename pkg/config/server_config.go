// Copyright 2024 PingCAP, Inc.
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

package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/codec"
	"github.com/pingcap/flowcoord/pkg/coordination/service"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/graph"
	"github.com/pingcap/flowcoord/pkg/kafka"
	"github.com/pingcap/flowcoord/pkg/logutil"
)

const (
	defaultGroupID     = "default"
	defaultInitTimeout = 10 * time.Minute
	defaultStatusAddr  = "127.0.0.1:8400"
)

// ServerConfig is the configuration of a flowcoord server.
type ServerConfig struct {
	// ProcessorID identifies the process in its group, a random one is
	// generated if it is empty.
	ProcessorID string `toml:"processor-id" json:"processor-id"`
	// GroupID is the coordination group, processors of one application
	// share it.
	GroupID string `toml:"group-id" json:"group-id"`
	// StatusAddr serves the metrics.
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	Log          *logutil.Config     `toml:"log" json:"log"`
	Coordination *service.Config     `toml:"coordination" json:"coordination"`
	Kafka        *kafka.Options      `toml:"kafka" json:"kafka"`
	Stages       []graph.StageConfig `toml:"stages" json:"stages"`

	// InitTimeout bounds the wait for the intermediate streams.
	InitTimeout time.Duration `toml:"init-timeout" json:"init-timeout"`
	// StrictTaskCount rejects end-of-stream markers disagreeing on the
	// producing task count of a partition.
	StrictTaskCount bool `toml:"strict-task-count" json:"strict-task-count"`
}

// GetDefaultServerConfig returns the default server config.
func GetDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		GroupID:    defaultGroupID,
		StatusAddr: defaultStatusAddr,
		Log: &logutil.Config{
			Level: "info",
		},
		Coordination: service.NewConfig(),
		Kafka:        kafka.NewOptions(),
		InitTimeout:  defaultInitTimeout,
	}
}

// String implements fmt.Stringer
func (c *ServerConfig) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.Error("marshal server config to json", zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *ServerConfig) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// ValidateAndAdjust validates and adjusts the server config.
func (c *ServerConfig) ValidateAndAdjust() error {
	if c.GroupID == "" {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("group-id must not be empty")
	}
	if strings.Contains(c.GroupID, "/") {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("group-id must not contain '/'")
	}
	if c.ProcessorID == "" {
		c.ProcessorID = uuid.New().String()
	}
	if c.StatusAddr == "" {
		c.StatusAddr = defaultStatusAddr
	}
	if c.Log == nil {
		c.Log = &logutil.Config{}
	}
	c.Log.Adjust()

	if c.Coordination == nil {
		c.Coordination = service.NewConfig()
	}
	c.Coordination.EtcdClientLogLevel = c.Log.EtcdClientLevel
	if err := c.Coordination.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}

	if c.Kafka == nil {
		c.Kafka = kafka.NewOptions()
	}
	if _, err := codec.New(c.Kafka.Codec); err != nil {
		return cerror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("unknown codec " + c.Kafka.Codec)
	}
	if len(c.Stages) > 0 {
		if err := c.Kafka.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if _, err := graph.Build(c.Stages); err != nil {
		return errors.Trace(err)
	}

	if c.InitTimeout <= 0 {
		c.InitTimeout = defaultInitTimeout
	}
	return nil
}

// StrictDecodeFile decodes the toml file strictly. If any item in confFile file is not mapped
// into the Config struct, issue an error and stop the server from starting.
func StrictDecodeFile(path string, cfg *ServerConfig) error {
	metaData, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return cerror.WrapError(cerror.ErrInvalidConfig, err, "decode config file "+path)
	}
	return checkUndecodedItems(metaData)
}

// StrictDecode decodes the toml data strictly.
func StrictDecode(data string, cfg *ServerConfig) error {
	metaData, err := toml.Decode(data, cfg)
	if err != nil {
		return cerror.WrapError(cerror.ErrInvalidConfig, err, "decode config")
	}
	return checkUndecodedItems(metaData)
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return cerror.ErrInvalidConfig.GenWithStackByArgs(
			"contained unknown configuration options: " + strings.Join(undecodedItems, ", "))
	}
	return nil
}

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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/flowcoord/pkg/coordination/service"
	"github.com/pingcap/flowcoord/pkg/graph"
	"github.com/pingcap/flowcoord/pkg/kafka"
)

const testServerConfig = `
processor-id = "p1"
group-id = "word-count"
init-timeout = "30s"
strict-task-count = true

[log]
level = "debug"

[coordination]
type = "etcd"
endpoints = ["127.0.0.1:2379"]
session-ttl = 5

[kafka]
brokers = ["127.0.0.1:9092"]
codec = "msgpack"
partition-num = 4

[[stages]]
id = "split"
inputs = ["kafka.lines"]
output = "kafka.words"

[[stages]]
id = "count"
inputs = ["kafka.words"]
output = "kafka.by-word"
op = "partition-by"
partitions = 8
`

func TestDecodeServerConfig(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultServerConfig()
	require.NoError(t, StrictDecode(testServerConfig, cfg))
	require.NoError(t, cfg.ValidateAndAdjust())

	require.Equal(t, "p1", cfg.ProcessorID)
	require.Equal(t, "word-count", cfg.GroupID)
	require.Equal(t, 30*time.Second, cfg.InitTimeout)
	require.True(t, cfg.StrictTaskCount)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "error", cfg.Coordination.EtcdClientLogLevel)
	require.Equal(t, service.TypeEtcd, cfg.Coordination.Type)
	require.Equal(t, 5, cfg.Coordination.SessionTTL)
	// defaults of the sections are kept
	require.Equal(t, 10*time.Second, cfg.Coordination.RPCTimeout)
	require.Equal(t, []string{"127.0.0.1:9092"}, cfg.Kafka.BrokerEndpoints)
	require.Equal(t, "msgpack", cfg.Kafka.Codec)
	require.Equal(t, kafka.WaitForAll, cfg.Kafka.RequiredAcks)

	require.Len(t, cfg.Stages, 2)
	require.Equal(t, graph.PassThrough, cfg.Stages[0].Op)
	require.Equal(t, graph.PartitionBy, cfg.Stages[1].Op)
	require.Equal(t, int32(8), cfg.Stages[1].Partitions)

	require.Contains(t, cfg.String(), `"group-id":"word-count"`)
	data, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, data, `group-id = "word-count"`)
}

func TestStrictDecodeUnknownItem(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultServerConfig()
	err := StrictDecode(`
group-id = "g"
unknown-item = 1
[kafka]
broker = ["typo"]
`, cfg)
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*unknown-item.*kafka.broker.*", err)

	err = StrictDecode(`group-id = `, cfg)
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", err)
}

func TestStrictDecodeFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(testServerConfig), 0o644))
	cfg := GetDefaultServerConfig()
	require.NoError(t, StrictDecodeFile(path, cfg))
	require.Equal(t, "word-count", cfg.GroupID)

	err := StrictDecodeFile(filepath.Join(t.TempDir(), "missing.toml"), cfg)
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", err)
}

func TestServerConfigValidateAndAdjust(t *testing.T) {
	t.Parallel()

	// no stages and no coordination need no external system
	cfg := GetDefaultServerConfig()
	cfg.Coordination.Type = service.TypeNone
	require.NoError(t, cfg.ValidateAndAdjust())
	require.Equal(t, "info", cfg.Log.Level)
	// a random processor id is generated
	require.Len(t, cfg.ProcessorID, 36)

	cases := []struct {
		name   string
		modify func(c *ServerConfig)
	}{
		{"group", func(c *ServerConfig) { c.GroupID = "" }},
		{"group slash", func(c *ServerConfig) { c.GroupID = "a/b" }},
		{"etcd endpoints", func(c *ServerConfig) { c.Coordination.Type = service.TypeEtcd }},
		{"codec", func(c *ServerConfig) { c.Kafka.Codec = "xml" }},
		{"kafka brokers", func(c *ServerConfig) {
			c.Stages = []graph.StageConfig{{ID: "s", Inputs: []string{"kafka.a"}, Output: "kafka.b"}}
		}},
	}
	for _, cs := range cases {
		cfg := GetDefaultServerConfig()
		cfg.Coordination.Type = service.TypeNone
		cs.modify(cfg)
		require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", cfg.ValidateAndAdjust(), cs.name)
	}

	cfg = GetDefaultServerConfig()
	cfg.Coordination.Type = service.TypeNone
	cfg.Kafka.BrokerEndpoints = []string{"127.0.0.1:9092"}
	cfg.Stages = []graph.StageConfig{
		{ID: "s", Inputs: []string{"kafka.a"}, Output: "kafka.b"},
		{ID: "t", Inputs: []string{"kafka.c"}, Output: "kafka.b"},
	}
	require.Regexp(t, ".*FLOW:ErrInvalidGraph.*", cfg.ValidateAndAdjust())

	// missing sections are filled
	cfg = &ServerConfig{GroupID: "g", Coordination: &service.Config{Type: service.TypeMemory}}
	require.NoError(t, cfg.ValidateAndAdjust())
	require.NotNil(t, cfg.Log)
	require.NotNil(t, cfg.Kafka)
	require.Equal(t, defaultInitTimeout, cfg.InitTimeout)
}

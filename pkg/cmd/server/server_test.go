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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/flowcoord/pkg/coordination/service"
)

func TestLoadServerConfigFromFlags(t *testing.T) {
	o := newOptions()
	cmd := new(cobra.Command)
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--processor-id", "p1",
		"--group-id", "word-count",
		"--etcd", "127.0.0.1:2379, 127.0.0.1:2479",
		"--kafka", "127.0.0.1:9092",
		"--log-level", "debug",
		"--init-timeout", "1m",
		"--strict-task-count",
	}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "p1", conf.ProcessorID)
	require.Equal(t, "word-count", conf.GroupID)
	require.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:2479"}, conf.Coordination.Endpoints)
	require.Equal(t, []string{"127.0.0.1:9092"}, conf.Kafka.BrokerEndpoints)
	require.Equal(t, "debug", conf.Log.Level)
	require.Equal(t, time.Minute, conf.InitTimeout)
	require.True(t, conf.StrictTaskCount)
}

func TestLoadServerConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
processor-id = "from-file"
group-id = "from-file"
[coordination]
type = "memory"
`), 0o644))

	o := newOptions()
	cmd := new(cobra.Command)
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--group-id", "from-flag"}))
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "from-file", conf.ProcessorID)
	require.Equal(t, "from-flag", conf.GroupID)
	require.Equal(t, service.TypeMemory, conf.Coordination.Type)
}

func TestLoadServerConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`unknown = 1`), 0o644))

	o := newOptions()
	cmd := new(cobra.Command)
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))
	_, err := o.loadAndVerifyServerConfig(cmd)
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*unknown.*", err)

	// etcd needs endpoints
	o = newOptions()
	cmd = new(cobra.Command)
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--coordination", "etcd"}))
	_, err = o.loadAndVerifyServerConfig(cmd)
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", err)
}

func TestSplitList(t *testing.T) {
	require.Nil(t, splitList(""))
	require.Equal(t, []string{"a", "b"}, splitList(" a,,b "))
}

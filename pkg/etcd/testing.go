// Copyright 2022 PingCAP, Inc.
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

package etcd

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/pkg/v3/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Tester is for ut tests
type Tester struct {
	dir       string
	etcd      *embed.Etcd
	ClientURL *url.URL
	clients   []*Client
}

// SetUpTest setup etcd tester
func (s *Tester) SetUpTest(t *testing.T) {
	var err error
	s.dir = t.TempDir()
	s.ClientURL, s.etcd, err = SetupEmbedEtcd(s.dir)
	require.Nil(t, err)
}

// NewClient creates a client of the embedded etcd, it is closed by
// TearDownTest.
func (s *Tester) NewClient(t *testing.T) *Client {
	logConfig := logutil.DefaultZapLoggerConfig
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{s.ClientURL.String()},
		DialTimeout: 3 * time.Second,
		LogConfig:   &logConfig,
	})
	require.NoError(t, err)
	client := Wrap(cli, nil)
	s.clients = append(s.clients, client)
	return client
}

// NewSession creates a session on a new client, so that the session can be
// lost independently by closing its client.
func (s *Tester) NewSession(t *testing.T, name string, ttl int) (*Session, *Client) {
	client := s.NewClient(t)
	sess, err := NewSession(context.Background(), client, name, ttl)
	require.NoError(t, err)
	return sess, client
}

// TearDownTest teardown etcd
func (s *Tester) TearDownTest(t *testing.T) {
	for _, client := range s.clients {
		_ = client.Close() //nolint:errcheck
	}
	s.etcd.Close()
logEtcdError:
	for {
		select {
		case err, ok := <-s.etcd.Err():
			if !ok {
				break logEtcdError
			}
			t.Logf("etcd server error: %v", err)
		default:
			break logEtcdError
		}
	}
}

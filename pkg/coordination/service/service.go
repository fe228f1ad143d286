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

package service

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/coordination"
	"github.com/pingcap/flowcoord/pkg/election"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/membership"
)

const (
	// TypeEtcd is the coordination service backed by an etcd cluster.
	TypeEtcd = "etcd"
	// TypeMemory is the coordination service backed by an in-process store,
	// shared by the processors created from the same Registry.
	TypeMemory = "memory"
	// TypeNone disables coordination, every processor acts on its own.
	TypeNone = "none"

	defaultSessionTTL        = 10
	defaultDialTimeout       = 5 * time.Second
	defaultRPCTimeout        = 10 * time.Second
	defaultLatchPollInterval = 100 * time.Millisecond
)

// Config is the configuration of the coordination service.
type Config struct {
	Type      string   `toml:"type" json:"type"`
	Root      string   `toml:"root" json:"root"`
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	// SessionTTL is the ttl of the session in seconds, processors whose
	// session expires are removed from the group.
	SessionTTL        int           `toml:"session-ttl" json:"session-ttl"`
	DialTimeout       time.Duration `toml:"dial-timeout" json:"dial-timeout"`
	RPCTimeout        time.Duration `toml:"rpc-timeout" json:"rpc-timeout"`
	LatchPollInterval time.Duration `toml:"latch-poll-interval" json:"latch-poll-interval"`

	EtcdClientLogLevel string `toml:"-" json:"-"`
}

// NewConfig returns the default config.
func NewConfig() *Config {
	return &Config{
		Type:              TypeEtcd,
		Root:              coordination.DefaultRoot,
		SessionTTL:        defaultSessionTTL,
		DialTimeout:       defaultDialTimeout,
		RPCTimeout:        defaultRPCTimeout,
		LatchPollInterval: defaultLatchPollInterval,
	}
}

// Enabled returns false if coordination is disabled.
func (c *Config) Enabled() bool {
	return c.Type != TypeNone
}

// ValidateAndAdjust validates the config and fills zero values with defaults.
func (c *Config) ValidateAndAdjust() error {
	if c.Type == "" {
		c.Type = TypeEtcd
	}
	if c.Type == TypeNone {
		return nil
	}
	if c.Root == "" {
		c.Root = coordination.DefaultRoot
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.LatchPollInterval <= 0 {
		c.LatchPollInterval = defaultLatchPollInterval
	}
	if c.Type == TypeEtcd && len(c.Endpoints) == 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("etcd endpoints must not be empty")
	}
	return nil
}

// Service is the coordination utilities of one processor in one group. The
// membership and the leader elector are created on first use and live until
// Reset.
type Service struct {
	processorID string
	cfg         *Config
	keys        coordination.KeyBuilder
	session     coordination.Session
	release     func() error

	// electionErrCh receives the first failed re-election of the elector.
	electionErrCh chan error

	mu         sync.Mutex
	membership *membership.Membership
	elector    *election.Elector
	closed     bool
}

func newService(
	processorID, groupID string, cfg *Config,
	session coordination.Session, release func() error,
) *Service {
	return &Service{
		processorID: processorID,
		cfg:         cfg,
		keys:        coordination.NewKeyBuilder(cfg.Root, groupID),
		session:     session,
		release:     release,

		electionErrCh: make(chan error, 1),
	}
}

// ProcessorID returns the id of the current processor.
func (s *Service) ProcessorID() string {
	return s.processorID
}

// Session returns the coordination session of the processor.
func (s *Service) Session() coordination.Session {
	return s.session
}

// Membership returns the processor list of the group, with the current
// processor registered in it.
func (s *Service) Membership(ctx context.Context) (*membership.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membershipLocked(ctx)
}

func (s *Service) membershipLocked(ctx context.Context) (*membership.Membership, error) {
	if s.closed {
		return nil, cerror.ErrCoordinatorUnavailable.GenWithStackByArgs(s.session.ID())
	}
	if s.membership == nil {
		s.membership = membership.New(s.session, s.keys)
	}
	if _, err := s.membership.Register(ctx, s.processorID); err != nil {
		return nil, errors.Trace(err)
	}
	return s.membership, nil
}

// LeaderElector returns the leader elector of the processor. The elector is
// created by the first call, later calls return it and ignore callback.
func (s *Service) LeaderElector(ctx context.Context, callback func()) (*election.Elector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elector != nil {
		return s.elector, nil
	}
	m, err := s.membershipLocked(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	elector, err := election.NewElector(election.Config{
		ID:             s.processorID,
		Membership:     m,
		LeaderCallback: callback,
		ErrorCallback:  s.onElectionError,
		RPCTimeout:     s.cfg.RPCTimeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.elector = elector
	return elector, nil
}

func (s *Service) onElectionError(err error) {
	log.Error("leader election failed",
		zap.String("processorID", s.processorID), zap.Error(err))
	select {
	case s.electionErrCh <- err:
	default:
	}
}

// ElectionErr returns a channel receiving the first error of a re-election
// triggered by a predecessor leaving the group. The processor is neither
// leader nor watching anyone after such an error.
func (s *Service) ElectionErr() <-chan error {
	return s.electionErrCh
}

// IsLeader returns true if the elector of the processor is created and has
// won the election.
func (s *Service) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elector != nil && s.elector.AmILeader()
}

// Latch returns the count-down latch latchID of the group.
func (s *Service) Latch(size int, latchID string) *coordination.Latch {
	return coordination.NewLatch(s.session, latchID, s.keys.LatchPath(latchID), size,
		coordination.WithLatchPollInterval(s.cfg.LatchPollInterval))
}

// Reset releases the coordination resources of the processor: the elector
// is closed, the processor leaves the group and the session ends. It is
// idempotent.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.elector != nil {
		s.elector.Close()
	}
	if s.membership != nil {
		err = multierr.Append(err, s.membership.Deregister(ctx))
	}
	err = multierr.Append(err, s.session.Close())
	if s.release != nil {
		err = multierr.Append(err, s.release())
	}
	log.Info("coordination service reset",
		zap.String("processorID", s.processorID),
		zap.String("session", s.session.ID()),
		zap.Error(err))
	return errors.Trace(err)
}

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
	"sort"
	"sync"

	"github.com/pingcap/errors"

	"github.com/pingcap/flowcoord/pkg/coordination"
	"github.com/pingcap/flowcoord/pkg/coordination/memory"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/etcd"
	"github.com/pingcap/flowcoord/pkg/logutil"
)

// Factory opens a coordination session for a processor. The returned
// release function, if not nil, frees what the session was built on and is
// called after the session is closed.
type Factory func(
	ctx context.Context, cfg *Config, processorID string,
) (session coordination.Session, release func() error, err error)

// Registry maps the coordination service types to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a Registry with the etcd and memory factories. All
// memory services created from the registry share one store.
func NewRegistry() *Registry {
	store := memory.NewStore()
	return &Registry{
		factories: map[string]Factory{
			TypeEtcd:   newEtcdSession,
			TypeMemory: newMemoryFactory(store),
		},
	}
}

// Register adds or replaces the factory of typ.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// New creates the coordination service of processorID in group groupID.
func (r *Registry) New(
	ctx context.Context, cfg *Config, processorID, groupID string,
) (*Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, cerror.ErrUnknownCoordinationService.GenWithStackByArgs(cfg.Type)
	}
	session, release, err := factory(ctx, cfg, processorID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newService(processorID, groupID, cfg, session, release), nil
}

func newEtcdSession(
	ctx context.Context, cfg *Config, processorID string,
) (coordination.Session, func() error, error) {
	logConfig := logutil.EtcdClientLogConfig(cfg.EtcdClientLogLevel)
	client, err := etcd.NewClient(cfg.Endpoints, cfg.DialTimeout, logConfig)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	session, err := etcd.NewSession(ctx, client, processorID, cfg.SessionTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Trace(err)
	}
	return session, client.Close, nil
}

func newMemoryFactory(store *memory.Store) Factory {
	return func(_ context.Context, _ *Config, processorID string) (coordination.Session, func() error, error) {
		return store.NewSession(processorID), nil, nil
	}
}

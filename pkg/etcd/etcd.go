// Copyright 2020 PingCAP, Inc.
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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phayes/freeport"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/coordination"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
)

const (
	// DefaultSessionTTL is the lease TTL of a session, in seconds.
	DefaultSessionTTL = 10

	// sequenceSuffix is appended to a prefix to form its counter key. The
	// counter key is a sibling of the prefix, so it is never listed as a child.
	sequenceSuffix = ".seq"

	maxSequentialCreateConflicts = 64
)

// Session is a coordination.Session backed by an etcd lease. Ephemeral nodes
// are keys attached to the lease, they are deleted by etcd when the lease is
// revoked or expires.
type Session struct {
	name   string
	client *Client
	lease  clientv3.LeaseID
	ttl    int

	dispatcher *coordination.EventDispatcher

	// ctx is canceled on Close, it bounds the keep alive and all deletion
	// watches.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// doneCh is closed when the keep alive stops.
	doneCh  chan struct{}
	expired atomic.Bool
	closed  atomic.Bool
}

var _ coordination.Session = (*Session)(nil)

// NewSession grants a lease with ttl seconds and keeps it alive until the
// session is closed.
func NewSession(ctx context.Context, client *Client, name string, ttl int) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	resp, err := client.Grant(ctx, int64(ttl))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}

	id := name + "-" + strconv.FormatInt(int64(resp.ID), 16)
	s := &Session{
		name:   id,
		client: client,
		lease:  resp.ID,
		ttl:    ttl,
		doneCh: make(chan struct{}),
	}
	// the keep alive must not be bound to ctx, which may be short-lived
	s.ctx, s.cancel = context.WithCancel(context.Background())
	keepAliveCh, err := client.KeepAlive(s.ctx, s.lease)
	if err != nil {
		s.cancel()
		_ = s.revoke()
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	s.dispatcher = coordination.NewEventDispatcher(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.doneCh)
		for range keepAliveCh {
		}
		if s.ctx.Err() == nil {
			s.expired.Store(true)
			log.Warn("etcd session lease is not kept alive any more",
				zap.String("session", id))
		}
	}()
	log.Info("etcd session created",
		zap.String("session", id), zap.Int("ttl", ttl))
	return s, nil
}

// ID implements coordination.Session.
func (s *Session) ID() string {
	return s.name
}

// Lease returns the lease all ephemeral nodes of the session are attached to.
func (s *Session) Lease() clientv3.LeaseID {
	return s.lease
}

func (s *Session) checkAlive() error {
	if s.closed.Load() {
		return cerror.ErrCoordinatorUnavailable.GenWithStackByArgs(s.name)
	}
	select {
	case <-s.doneCh:
		return cerror.ErrCoordinatorUnavailable.GenWithStackByArgs(s.name)
	default:
		return nil
	}
}

// CreateEphemeralSequential implements coordination.Session. The sequence
// number is taken from the counter key of prefix, which is advanced in the
// same transaction that creates the node.
func (s *Session) CreateEphemeralSequential(
	ctx context.Context, prefix string, data []byte,
) (string, error) {
	counterKey := strings.TrimSuffix(prefix, "/") + sequenceSuffix
	for i := 0; i < maxSequentialCreateConflicts; i++ {
		if err := s.checkAlive(); err != nil {
			return "", err
		}
		resp, err := s.client.Get(ctx, counterKey)
		if err != nil {
			return "", cerror.WrapError(cerror.ErrEtcdAPIError, err)
		}

		var (
			seq int64
			cmp clientv3.Cmp
		)
		if len(resp.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(counterKey), "=", 0)
		} else {
			last, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return "", cerror.ErrInvalidSequentialPath.Wrap(err).GenWithStackByArgs(counterKey)
			}
			seq = last + 1
			cmp = clientv3.Compare(clientv3.ModRevision(counterKey), "=", resp.Kvs[0].ModRevision)
		}

		path := coordination.ChildPath(prefix, coordination.SequentialNodeName(seq))
		txnResp, err := s.client.Txn(ctx,
			[]clientv3.Cmp{cmp},
			[]clientv3.Op{
				clientv3.OpPut(counterKey, strconv.FormatInt(seq, 10)),
				clientv3.OpPut(path, string(data), clientv3.WithLease(s.Lease())),
			},
			[]clientv3.Op{clientv3.OpGet(path)})
		if err != nil {
			return "", cerror.WrapError(cerror.ErrEtcdAPIError, err)
		}
		if txnResp.Succeeded {
			return path, nil
		}
		// a retried transaction may have been committed by a former attempt
		if len(txnResp.Responses) > 0 {
			rangeResp := txnResp.Responses[0].GetResponseRange()
			if rangeResp != nil && len(rangeResp.Kvs) > 0 &&
				clientv3.LeaseID(rangeResp.Kvs[0].Lease) == s.Lease() {
				return path, nil
			}
		}
		log.Debug("sequential node creation conflicts, retry",
			zap.String("session", s.name),
			zap.String("prefix", prefix),
			zap.Int64("sequence", seq))
	}
	return "", cerror.ErrSequentialCreateConflict.GenWithStackByArgs(prefix)
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, prefix string) ([]coordination.Node, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	parent := strings.TrimSuffix(prefix, "/") + "/"
	resp, err := s.client.Get(ctx, parent, clientv3.WithPrefix())
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	nodes := make([]coordination.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if strings.Contains(key[len(parent):], "/") {
			continue
		}
		nodes = append(nodes, coordination.Node{Path: key, Data: kv.Value})
	}
	return nodes, nil
}

// WatchDeletion implements coordination.Session.
func (s *Session) WatchDeletion(
	ctx context.Context, path string, listener coordination.DeletionListener,
) (bool, error) {
	if err := s.checkAlive(); err != nil {
		return false, err
	}
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return false, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	rev := resp.Header.Revision

	watchCtx, cancel := context.WithCancel(s.ctx)
	watchCh := s.client.Watch(watchCtx, path, s.name,
		clientv3.WithRev(rev+1), clientv3.WithFilterPut())
	deletionWatchCounter.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				log.Warn("deletion watch failed",
					zap.String("session", s.name),
					zap.String("path", path), zap.Error(err))
				// the events may be compacted, fall back to the current state
				if gone, err := s.nodeGone(watchCtx, path); err == nil && gone {
					s.notifyDeletion(path, listener)
					return
				}
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type == mvccpb.DELETE {
					s.notifyDeletion(path, listener)
					return
				}
			}
		}
	}()
	return true, nil
}

func (s *Session) nodeGone(ctx context.Context, path string) (bool, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return false, err
	}
	return len(resp.Kvs) == 0, nil
}

func (s *Session) notifyDeletion(path string, listener coordination.DeletionListener) {
	log.Debug("watched node deleted",
		zap.String("session", s.name), zap.String("path", path))
	if !s.dispatcher.Post(func() { listener(path) }) {
		log.Debug("session closed, deletion notification dropped",
			zap.String("session", s.name), zap.String("path", path))
	}
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	_, err := s.client.Delete(ctx, path)
	return cerror.WrapError(cerror.ErrEtcdAPIError, err)
}

// Done implements coordination.Session.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Close implements coordination.Session. Local notifications stop before the
// lease is revoked, so no listener observes the deletions caused by Close.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.dispatcher.Close()

	if s.expired.Load() {
		log.Info("etcd session already ended", zap.String("session", s.name))
		return nil
	}
	if err := s.revoke(); err != nil {
		log.Warn("revoke etcd session failed",
			zap.String("session", s.name), zap.Error(err))
		return cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	log.Info("etcd session closed", zap.String("session", s.name))
	return nil
}

// revoke revokes the lease, a lease that is already gone is not an error.
func (s *Session) revoke() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.ttl)*time.Second)
	defer cancel()
	_, err := s.client.Revoke(ctx, s.lease)
	if err != nil && errors.Cause(err) == rpctypes.ErrLeaseNotFound {
		return nil
	}
	return errors.Trace(err)
}

func getFreeListenURLs(n int) (urls []*url.URL, retErr error) {
	ports, err := freeport.GetFreePorts(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, port := range ports {
		u, err := url.Parse("http://127.0.0.1:" + strconv.Itoa(port))
		if err != nil {
			return nil, errors.Trace(err)
		}
		urls = append(urls, u)
	}
	return
}

// SetupEmbedEtcd starts an embed etcd server
func SetupEmbedEtcd(dir string) (clientURL *url.URL, e *embed.Etcd, err error) {
	cfg := embed.NewConfig()
	cfg.Dir = dir

	urls, err := getFreeListenURLs(2)
	if err != nil {
		return
	}
	cfg.ListenPeerUrls = []url.URL{*urls[0]}
	cfg.ListenClientUrls = []url.URL{*urls[1]}
	cfg.AdvertisePeerUrls = cfg.ListenPeerUrls
	cfg.AdvertiseClientUrls = cfg.ListenClientUrls
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	clientURL = urls[1]

	e, err = embed.StartEtcd(cfg)
	if err != nil {
		return
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		e.Server.Stop() // trigger a shutdown
		err = errors.New("server took too long to start")
	}

	return
}

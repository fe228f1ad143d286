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

package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/codec"
	"github.com/pingcap/flowcoord/pkg/config"
	"github.com/pingcap/flowcoord/pkg/coordination/service"
	"github.com/pingcap/flowcoord/pkg/eos"
	"github.com/pingcap/flowcoord/pkg/graph"
	"github.com/pingcap/flowcoord/pkg/kafka"
	"github.com/pingcap/flowcoord/pkg/runner"
)

const shutdownTimeout = 5 * time.Second

// Server is a flowcoord process: it joins the coordination group, lets the
// leader create the intermediate streams and relays end-of-stream across the
// re-partitioning stages.
type Server struct {
	cfg      *config.ServerConfig
	services *service.Registry

	coordination *service.Service
	runner       *runner.Runner

	// closers release the kafka clients in reverse order.
	closers []func() error
}

// New creates a Server. cfg must be validated.
func New(cfg *config.ServerConfig) *Server {
	return &Server{cfg: cfg, services: service.NewRegistry()}
}

// Run runs the server until ctx is canceled or a processor fails.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.close(); err != nil {
			log.Warn("close server failed", zap.Error(err))
		}
	}()

	g, err := graph.Build(s.cfg.Stages)
	if err != nil {
		return errors.Trace(err)
	}
	if s.cfg.Coordination.Enabled() {
		s.coordination, err = s.services.New(ctx, s.cfg.Coordination, s.cfg.ProcessorID, s.cfg.GroupID)
		if err != nil {
			return errors.Trace(err)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router, s, registry)
	processors := []runner.Processor{newStatusServer(s.cfg.StatusAddr, router)}

	rcfg := runner.Config{
		Streams:      g.IntermediateStreams(),
		Coordination: s.coordination,
		InitTimeout:  s.cfg.InitTimeout,
	}
	if len(s.cfg.Stages) > 0 {
		relay, admin, err := s.newRelay(g)
		if err != nil {
			return errors.Trace(err)
		}
		rcfg.StreamManager = admin
		processors = append(processors, relay)
	}
	rcfg.Processors = processors

	s.runner, err = runner.New(rcfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("flowcoord server started",
		zap.String("processorID", s.cfg.ProcessorID),
		zap.String("groupID", s.cfg.GroupID),
		zap.String("coordination", s.cfg.Coordination.Type),
		zap.Int("stages", len(s.cfg.Stages)))
	return errors.Trace(s.runner.Run(ctx))
}

func (s *Server) newRelay(g graph.Graph) (*runner.Relay, *kafka.Admin, error) {
	c, err := codec.New(s.cfg.Kafka.Codec)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	admin, err := kafka.NewAdmin(s.cfg.Kafka)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.closers = append(s.closers, admin.Close)
	collector, err := kafka.NewCollector(s.cfg.Kafka)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.closers = append(s.closers, collector.Close)
	group, err := kafka.NewConsumerGroup(s.cfg.Kafka, s.cfg.GroupID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.closers = append(s.closers, group.Close)

	relay, err := runner.NewRelay(runner.RelayConfig{
		ProcessorID:     s.cfg.ProcessorID,
		Graph:           g,
		Admins:          map[string]eos.SystemAdmin{kafka.SystemName: admin},
		Collector:       collector,
		StrictTaskCount: s.cfg.StrictTaskCount,
		Group:           group,
		Codec:           c,
	})
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return relay, admin, nil
}

// Status implements StatusProvider.
func (s *Server) Status() Status {
	st := Status{
		ProcessorID: s.cfg.ProcessorID,
		GroupID:     s.cfg.GroupID,
		State:       runner.StatusNew.String(),
	}
	if s.coordination != nil {
		st.IsLeader = s.coordination.IsLeader()
	}
	if s.runner != nil {
		st.State = s.runner.Status().String()
	}
	return st
}

func (s *Server) close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

type statusServer struct {
	addr    string
	handler http.Handler
}

func newStatusServer(addr string, handler http.Handler) *statusServer {
	return &statusServer{addr: addr, handler: handler}
}

// Run serves the status API until ctx is canceled.
func (s *statusServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Trace(err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("status http server is running", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return errors.Trace(err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown status server failed", zap.Error(err))
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}

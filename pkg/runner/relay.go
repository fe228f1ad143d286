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

package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/codec"
	"github.com/pingcap/flowcoord/pkg/eos"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/graph"
	"github.com/pingcap/flowcoord/pkg/kafka"
	"github.com/pingcap/flowcoord/pkg/model"
)

// RelayConfig is the configuration of a Relay.
type RelayConfig struct {
	// ProcessorID identifies the processor running the relay.
	ProcessorID string
	Graph       graph.Graph
	// Admins must hold the kafka admin if the graph has kafka inputs on a
	// re-partitioning stage.
	Admins map[string]eos.SystemAdmin
	// Collector sends the forwarded markers.
	Collector       eos.Collector
	StrictTaskCount bool
	Group           sarama.ConsumerGroup
	Codec           codec.Codec
}

// Relay is the processor forwarding end-of-stream across the re-partitioning
// stages of the graph. It consumes the inputs of the re-partitioning stages
// grouped by task: task p owns partition p of every input. Once the
// partitions of a task reach end of stream on all inputs of a stage, the
// task marker is sent to every partition of the stage output. A stage output
// expects one marker per task, that is the largest partition count of the
// stage inputs.
//
// The consumed offsets are never committed. A task moved by a rebalance is
// rebuilt by its new owner from the start of its partitions, a task kept
// across generations keeps its state and the redelivered markers are
// duplicates.
type Relay struct {
	cfg        RelayConfig
	dispatcher *eos.Dispatcher
	consumer   *kafka.Consumer
	topics     []string

	mu sync.Mutex
	// taskCounts are the numbers of tasks producing to the output of each
	// re-partitioning stage.
	taskCounts map[model.SystemStream]int
	tasks      map[int32]*eos.Manager
}

// NewRelay creates a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.ProcessorID == "" {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("relay processor id must not be empty")
	}
	if cfg.Graph == nil || cfg.Collector == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("relay graph and collector must be set")
	}
	r := &Relay{
		cfg:        cfg,
		dispatcher: eos.NewDispatcher(cfg.Graph),
		topics:     relayTopics(cfg.Graph),
		tasks:      make(map[int32]*eos.Manager),
	}
	if len(r.topics) > 0 && cfg.Admins[kafka.SystemName] == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("relay needs the kafka admin")
	}
	r.consumer = kafka.NewConsumer(cfg.Codec, r.handle, kafka.WithSetup(r.setup), kafka.WithoutCommit())
	return r, nil
}

// TaskName is the name of the task owning partition p of the relay inputs.
func TaskName(partition int32) string {
	return fmt.Sprintf("Partition %d", partition)
}

func relayTopics(g graph.Graph) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, node := range g.IONodes() {
		if !node.IsRepartition() {
			continue
		}
		for _, input := range node.Inputs {
			if input.System != kafka.SystemName {
				continue
			}
			if _, ok := seen[input.Stream]; ok {
				continue
			}
			seen[input.Stream] = struct{}{}
			topics = append(topics, input.Stream)
		}
	}
	sort.Strings(topics)
	return topics
}

// Topics returns the topics consumed by the relay.
func (r *Relay) Topics() []string {
	return r.topics
}

func (r *Relay) setup(claims map[string][]int32) error {
	if err := r.loadTaskCounts(context.Background()); err != nil {
		return errors.Trace(err)
	}
	assigned := make(map[int32][]model.SystemStreamPartition)
	for topic, partitions := range claims {
		for _, p := range partitions {
			assigned[p] = append(assigned[p], model.NewSystemStreamPartition(kafka.SystemName, topic, p))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.tasks {
		if _, ok := assigned[p]; !ok {
			delete(r.tasks, p)
			log.Info("relay task revoked",
				zap.String("processor", r.cfg.ProcessorID),
				zap.String("task", TaskName(p)))
		}
	}
	for p, ssps := range assigned {
		if manager, ok := r.tasks[p]; ok {
			manager.Assign(ssps)
			continue
		}
		manager, err := eos.NewManager(eos.ManagerConfig{
			TaskName:        TaskName(p),
			TaskCount:       r.taskCount,
			SSPs:            ssps,
			Admins:          r.cfg.Admins,
			Collector:       r.cfg.Collector,
			Dispatcher:      r.dispatcher,
			StrictTaskCount: r.cfg.StrictTaskCount,
		})
		if err != nil {
			return errors.Trace(err)
		}
		r.tasks[p] = manager
	}
	log.Info("relay claimed tasks",
		zap.String("processor", r.cfg.ProcessorID),
		zap.Int("tasks", len(r.tasks)))
	return nil
}

// loadTaskCounts reads the partition counts of the relay inputs once.
func (r *Relay) loadTaskCounts(ctx context.Context) error {
	r.mu.Lock()
	loaded := r.taskCounts != nil
	r.mu.Unlock()
	if loaded {
		return nil
	}
	metadata, err := r.cfg.Admins[kafka.SystemName].GetStreamMetadata(ctx, r.topics)
	if err != nil {
		return cerror.WrapError(cerror.ErrStreamMetadata, err, strings.Join(r.topics, ","))
	}
	counts := make(map[model.SystemStream]int)
	for _, node := range r.cfg.Graph.IONodes() {
		if !node.IsRepartition() {
			continue
		}
		for _, input := range node.Inputs {
			if input.System != kafka.SystemName {
				continue
			}
			md, ok := metadata[input.Stream]
			if !ok || md.PartitionCount <= 0 {
				return cerror.ErrStreamMetadata.GenWithStackByArgs(input.String())
			}
			if n := int(md.PartitionCount); n > counts[node.Output] {
				counts[node.Output] = n
			}
		}
	}
	r.mu.Lock()
	r.taskCounts = counts
	r.mu.Unlock()
	return nil
}

func (r *Relay) taskCount(stream model.SystemStream) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskCounts[stream]
}

func (r *Relay) task(partition int32) *eos.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[partition]
}

func (r *Relay) handle(ctx context.Context, envelope *model.IncomingMessageEnvelope) error {
	if !model.IsEndOfStreamKey(envelope.Key) {
		return nil
	}
	manager := r.task(envelope.SSP.Partition)
	if manager == nil {
		return cerror.ErrUnknownPartition.GenWithStackByArgs(envelope.SSP.String(), r.cfg.ProcessorID)
	}
	terminal, err := manager.Handle(ctx, envelope)
	if err != nil {
		return errors.Trace(err)
	}
	if terminal != nil {
		log.Info("relay input partition finished",
			zap.String("processor", r.cfg.ProcessorID),
			zap.String("task", TaskName(envelope.SSP.Partition)),
			zap.Stringer("ssp", terminal.SSP))
	}
	return nil
}

// Run consumes the inputs until ctx is canceled. A relay without inputs
// waits for ctx.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.topics) == 0 {
		<-ctx.Done()
		return nil
	}
	err := r.consumer.Run(ctx, r.cfg.Group, r.topics)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return errors.Trace(err)
}

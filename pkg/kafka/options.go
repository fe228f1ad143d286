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

package kafka

import (
	"time"

	"github.com/IBM/sarama"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
)

// RequiredAcks is the acks the broker must receive before answering a
// produce request.
type RequiredAcks int16

const (
	// NoResponse doesn't send any response.
	NoResponse RequiredAcks = 0
	// WaitForLocal waits for only the local commit to succeed before responding.
	WaitForLocal RequiredAcks = 1
	// WaitForAll waits for all in-sync replicas to commit before responding.
	WaitForAll RequiredAcks = -1
)

const (
	// SystemName is the system name of kafka streams in "<system>.<stream>".
	SystemName = "kafka"

	defaultVersion           = "2.4.0"
	defaultClientID          = "flowcoord"
	defaultPartitions        = int32(1)
	defaultReplicationFactor = int16(1)
	defaultMaxMessageBytes   = 1024 * 1024
	defaultDialTimeout       = 10 * time.Second
	defaultReadTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// Options are the kafka options of flowcoord.
type Options struct {
	BrokerEndpoints []string `toml:"brokers" json:"brokers"`
	ClientID        string   `toml:"client-id" json:"client-id"`
	Version         string   `toml:"version" json:"version"`
	// Codec is the codec of end-of-stream markers.
	Codec string `toml:"codec" json:"codec"`
	// PartitionNum is the partition count of intermediate streams whose stage
	// doesn't set one.
	PartitionNum      int32        `toml:"partition-num" json:"partition-num"`
	ReplicationFactor int16        `toml:"replication-factor" json:"replication-factor"`
	MaxMessageBytes   int          `toml:"max-message-bytes" json:"max-message-bytes"`
	RequiredAcks      RequiredAcks `toml:"required-acks" json:"required-acks"`
	Compression       string       `toml:"compression" json:"compression"`

	DialTimeout  time.Duration `toml:"dial-timeout" json:"dial-timeout"`
	ReadTimeout  time.Duration `toml:"read-timeout" json:"read-timeout"`
	WriteTimeout time.Duration `toml:"write-timeout" json:"write-timeout"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		ClientID:          defaultClientID,
		Version:           defaultVersion,
		PartitionNum:      defaultPartitions,
		ReplicationFactor: defaultReplicationFactor,
		MaxMessageBytes:   defaultMaxMessageBytes,
		RequiredAcks:      WaitForAll,
		Compression:       "none",
		DialTimeout:       defaultDialTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
}

// Validate checks the options.
func (o *Options) Validate() error {
	if len(o.BrokerEndpoints) == 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka brokers must not be empty")
	}
	if _, err := sarama.ParseKafkaVersion(o.Version); err != nil {
		return cerror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("invalid kafka version " + o.Version)
	}
	if o.PartitionNum <= 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka partition-num must be positive")
	}
	if o.ReplicationFactor <= 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka replication-factor must be positive")
	}
	switch o.RequiredAcks {
	case NoResponse, WaitForLocal, WaitForAll:
	default:
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka required-acks must be 0, 1 or -1")
	}
	return nil
}

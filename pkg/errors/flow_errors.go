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

package errors

import (
	"github.com/pingcap/errors"
)

// errors
var (
	// general errors
	ErrInvalidConfig = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("FLOW:ErrInvalidConfig"),
	)
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("FLOW:ErrReachMaxTry"),
	)

	// coordination store related errors
	ErrEtcdAPIError = errors.Normalize(
		"etcd api call error",
		errors.RFCCodeText("FLOW:ErrEtcdAPIError"),
	)
	ErrCoordinatorUnavailable = errors.Normalize(
		"coordination store is unavailable, session of %s is done",
		errors.RFCCodeText("FLOW:ErrCoordinatorUnavailable"),
	)
	ErrUnknownCoordinationService = errors.Normalize(
		"unknown coordination service %s",
		errors.RFCCodeText("FLOW:ErrUnknownCoordinationService"),
	)
	ErrInvalidSequentialPath = errors.Normalize(
		"invalid sequential node path: %s",
		errors.RFCCodeText("FLOW:ErrInvalidSequentialPath"),
	)
	ErrSequentialCreateConflict = errors.Normalize(
		"create sequential node under %s conflicts too many times",
		errors.RFCCodeText("FLOW:ErrSequentialCreateConflict"),
	)
	ErrLatchTimeout = errors.Normalize(
		"latch %s timed out after %s, %d of %d participants arrived",
		errors.RFCCodeText("FLOW:ErrLatchTimeout"),
	)

	// membership and election related errors
	ErrProcessorNotRegistered = errors.Normalize(
		"processor %s is not registered in the active processor list",
		errors.RFCCodeText("FLOW:ErrProcessorNotRegistered"),
	)
	ErrElectorClosed = errors.Normalize(
		"leader elector of processor %s is closed",
		errors.RFCCodeText("FLOW:ErrElectorClosed"),
	)

	// end-of-stream related errors
	ErrUnknownPartition = errors.Normalize(
		"partition %s is not assigned to task %s",
		errors.RFCCodeText("FLOW:ErrUnknownPartition"),
	)
	ErrInconsistentTaskCount = errors.Normalize(
		"inconsistent producing task count on %s, expected %d, got %d from %s",
		errors.RFCCodeText("FLOW:ErrInconsistentTaskCount"),
	)
	ErrUnexpectedControlMessage = errors.Normalize(
		"unexpected control message %T on %s",
		errors.RFCCodeText("FLOW:ErrUnexpectedControlMessage"),
	)
	ErrUnknownSystem = errors.Normalize(
		"no system admin registered for system %s",
		errors.RFCCodeText("FLOW:ErrUnknownSystem"),
	)
	ErrStreamMetadata = errors.Normalize(
		"get metadata of stream %s failed",
		errors.RFCCodeText("FLOW:ErrStreamMetadata"),
	)
	ErrInvalidGraph = errors.Normalize(
		"invalid dataflow graph: %s",
		errors.RFCCodeText("FLOW:ErrInvalidGraph"),
	)

	// codec related errors
	ErrUnknownCodec = errors.Normalize(
		"unknown codec %s",
		errors.RFCCodeText("FLOW:ErrUnknownCodec"),
	)
	ErrEncodeFailed = errors.Normalize(
		"encode failed: %s",
		errors.RFCCodeText("FLOW:ErrEncodeFailed"),
	)
	ErrDecodeFailed = errors.Normalize(
		"decode failed: %s",
		errors.RFCCodeText("FLOW:ErrDecodeFailed"),
	)

	// kafka related errors
	ErrKafkaNewClient = errors.Normalize(
		"new kafka client failed",
		errors.RFCCodeText("FLOW:ErrKafkaNewClient"),
	)
	ErrKafkaSendMessage = errors.Normalize(
		"kafka send message failed",
		errors.RFCCodeText("FLOW:ErrKafkaSendMessage"),
	)
	ErrKafkaCreateTopic = errors.Normalize(
		"kafka create topic %s failed",
		errors.RFCCodeText("FLOW:ErrKafkaCreateTopic"),
	)
)

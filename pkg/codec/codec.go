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

package codec

import (
	"sort"

	"github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Codec encodes and decodes end-of-stream control messages carried as the
// payload of a regular partitioned message.
type Codec interface {
	// Name returns the name used to select the codec in configuration.
	Name() string
	Encode(msg *model.EndOfStreamMessage) ([]byte, error)
	Decode(data []byte) (*model.EndOfStreamMessage, error)
}

// Default is the codec used when none is configured.
const Default = JSONName

var codecs = map[string]func() Codec{
	JSONName:    func() Codec { return jsonCodec{} },
	MsgpackName: func() Codec { return msgpackCodec{} },
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	newCodec, ok := codecs[name]
	if !ok {
		return nil, errors.ErrUnknownCodec.GenWithStackByArgs(name)
	}
	return newCodec(), nil
}

// Names returns the names of all known codecs, sorted.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

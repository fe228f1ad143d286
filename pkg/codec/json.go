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
	"github.com/goccy/go-json"

	"github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// JSONName is the name of the json codec.
const JSONName = "json"

type jsonCodec struct{}

func (jsonCodec) Name() string { return JSONName }

func (jsonCodec) Encode(msg *model.EndOfStreamMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WrapError(errors.ErrEncodeFailed, err, JSONName)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (*model.EndOfStreamMessage, error) {
	msg := new(model.EndOfStreamMessage)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.WrapError(errors.ErrDecodeFailed, err, JSONName)
	}
	return msg, nil
}

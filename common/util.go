// Copyright 2021-2022 The natsdash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext return a copy of the component log tags, extended with the request
// parameters stored in the context (if any)
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	ModifyLogTagsByRequestParam(ctxt, result)
	return result
}

// DecodePayload helper function for turning raw bus message bytes into a Go value.
//
// The bytes must be valid UTF-8 text. If the text parses as JSON, the decoded JSON value is
// returned, otherwise the text itself is returned.
func DecodePayload(data []byte) (interface{}, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidPayloadEncoding
	}
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err == nil {
		return parsed, nil
	}
	return string(data), nil
}

// NormalizePayload round trip a value through JSON so it can be compared against values
// produced by DecodePayload
func NormalizePayload(value interface{}) (interface{}, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return DecodePayload(raw)
	}
	if text, ok := value.(string); ok {
		return DecodePayload([]byte(text))
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var normalized interface{}
	if err := json.Unmarshal(serialized, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// EncodePayload helper function for serializing a payload for the bus. Strings are written
// as is, everything else as JSON.
func EncodePayload(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

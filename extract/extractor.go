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

// Package extract selects values from decoded message payloads using JSONPath expressions
package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/natsdash/common"
	"github.com/apex/log"
	"github.com/ohler55/ojg/jp"
)

// Missing type of the NotFound sentinel
type Missing struct{}

// String toString function
func (Missing) String() string {
	return "<not found>"
}

// MarshalJSON encode the sentinel as JSON null
func (Missing) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// NotFound returned when a path does not select anything. This is distinct from a JSON null,
// which is returned as nil.
var NotFound = Missing{}

// IsNotFound check whether a value is the NotFound sentinel
func IsNotFound(v interface{}) bool {
	_, ok := v.(Missing)
	return ok
}

// Extractor evaluates path expressions against decoded payloads
type Extractor interface {
	/*
		Extract select a value from a decoded payload

		 @param data interface{} - the decoded payload
		 @param path string - the JSONPath expression. Empty, "$", and "." select the entire payload.
		 @return the first selected value, or NotFound
	*/
	Extract(data interface{}, path string) interface{}
}

// pathExtractor implements Extractor
type pathExtractor struct {
	common.Component
	lock     sync.RWMutex
	compiled map[string]jp.Expr
	reported sync.Map
}

// GetExtractor define a new Extractor
func GetExtractor() Extractor {
	return &pathExtractor{
		Component: common.Component{
			LogTags: log.Fields{"module": "extract", "component": "path-extractor"},
		},
		compiled: make(map[string]jp.Expr),
	}
}

// wholeDocument whether the path selects the entire payload
func wholeDocument(path string) bool {
	trimmed := strings.TrimSpace(path)
	return trimmed == "" || trimmed == "$" || trimmed == "."
}

// normalizePath accept "a.b" and "[0]" as shorthand for "$.a.b" and "$[0]"
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(trimmed, "$"), strings.HasPrefix(trimmed, "@"):
		return trimmed
	case strings.HasPrefix(trimmed, "["):
		return "$" + trimmed
	case strings.HasPrefix(trimmed, "."):
		return "$" + trimmed
	default:
		return "$." + trimmed
	}
}

// reportOnce log a failure once per distinct (path, failure) pair
func (e *pathExtractor) reportOnce(path string, failure string, err error) {
	key := path + "\x00" + failure
	if _, seen := e.reported.LoadOrStore(key, true); seen {
		return
	}
	log.WithError(err).
		WithFields(e.LogTags).
		WithField("path", path).
		Warnf("Extraction failed: %s", failure)
}

func (e *pathExtractor) compile(path string) (jp.Expr, error) {
	e.lock.RLock()
	expr, ok := e.compiled[path]
	e.lock.RUnlock()
	if ok {
		return expr, nil
	}
	expr, err := jp.ParseString(normalizePath(path))
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	e.compiled[path] = expr
	e.lock.Unlock()
	return expr, nil
}

func (e *pathExtractor) Extract(data interface{}, path string) (result interface{}) {
	if wholeDocument(path) {
		return data
	}

	defer func() {
		if r := recover(); r != nil {
			e.reportOnce(path, "evaluation panic", fmt.Errorf("%v", r))
			result = NotFound
		}
	}()

	if text, ok := data.(string); ok {
		var parsed interface{}
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			e.reportOnce(path, "payload is not JSON", err)
			return NotFound
		}
		data = parsed
	}

	expr, err := e.compile(path)
	if err != nil {
		e.reportOnce(path, "invalid path", err)
		return NotFound
	}

	matches := expr.Get(data)
	if len(matches) == 0 {
		return NotFound
	}
	return matches[0]
}

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

// Package buffer holds the bounded per consumer message history
package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/ingest"
	"github.com/apex/log"
	"github.com/gammazero/deque"
)

// Message one buffered message
type Message struct {
	// Timestamp when the message arrived
	Timestamp time.Time `json:"timestamp"`
	// Value the value extracted for the consumer
	Value interface{} `json:"value"`
	// Raw the decoded message payload
	Raw interface{} `json:"raw,omitempty"`
	// Subject the message subject
	Subject string `json:"subject,omitempty"`
}

// BatchObserver callback after a batch is applied, with the consumers the batch touched
type BatchObserver func(consumerIDs []string)

// Stats buffer store diagnostic counters
type Stats struct {
	ActiveBuffers  int     `json:"active_buffers"`
	TotalMessages  int     `json:"total_messages"`
	GlobalMax      int     `json:"global_max"`
	Utilization    float64 `json:"utilization"`
	MemoryPressure bool    `json:"memory_pressure"`
	Pruned         uint64  `json:"pruned"`
	Expired        uint64  `json:"expired"`
}

// Store per consumer bounded buffers
type Store interface {
	/*
		Initialize fix the capacity and max age of a consumer's buffer. The first call wins.

		 @param consumerID string - the consumer
		 @param maxCount int - buffer capacity. <= 0 uses the default capacity.
		 @param maxAge time.Duration - entries older than this are discarded. 0 to disable.
	*/
	Initialize(consumerID string, maxCount int, maxAge time.Duration)
	// ApplyBatch apply one flushed batch
	ApplyBatch(items []ingest.Item)
	// Get snapshot of a consumer's buffer, oldest first
	Get(consumerID string) ([]Message, bool)
	// Latest the newest entry of a consumer's buffer
	Latest(consumerID string) (Message, bool)
	// Remove discard a consumer's buffer
	Remove(consumerID string)
	// AddBatchObserver install a callback invoked after every applied batch
	AddBatchObserver(observer BatchObserver)
	// Stats diagnostic counters
	Stats() Stats
}

// widgetBuffer one consumer's history. The oldest entry is at the front.
type widgetBuffer struct {
	entries  deque.Deque[Message]
	capacity int
	maxAge   time.Duration
	// explicit whether Initialize was called, as opposed to lazy creation
	explicit bool
}

func newWidgetBuffer(capacity int, maxAge time.Duration, explicit bool) *widgetBuffer {
	buf := &widgetBuffer{capacity: capacity, maxAge: maxAge, explicit: explicit}
	buf.entries.SetBaseCap(capacity)
	return buf
}

func (b *widgetBuffer) len() int {
	return b.entries.Len()
}

// dropOldest remove up to n of the oldest entries, returning the number removed
func (b *widgetBuffer) dropOldest(n int) int {
	if n > b.entries.Len() {
		n = b.entries.Len()
	}
	for i := 0; i < n; i++ {
		b.entries.PopFront()
	}
	return n
}

// push append entries, evicting the oldest beyond capacity
func (b *widgetBuffer) push(msgs []Message) {
	if len(msgs) >= b.capacity {
		// Flood: only the newest entries survive
		b.entries.Clear()
		msgs = msgs[len(msgs)-b.capacity:]
	} else if overflow := b.entries.Len() + len(msgs) - b.capacity; overflow > 0 {
		b.dropOldest(overflow)
	}
	for _, msg := range msgs {
		b.entries.PushBack(msg)
	}
}

// resize change the capacity, keeping the newest entries
func (b *widgetBuffer) resize(capacity int) {
	b.capacity = capacity
	b.entries.SetBaseCap(capacity)
	if overflow := b.entries.Len() - capacity; overflow > 0 {
		b.dropOldest(overflow)
	}
}

// pruneExpired drop entries older than maxAge, returning the number removed
func (b *widgetBuffer) pruneExpired(now time.Time) int {
	if b.maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-b.maxAge)
	expired := 0
	for expired < b.entries.Len() && b.entries.At(expired).Timestamp.Before(cutoff) {
		expired++
	}
	return b.dropOldest(expired)
}

// liveEntries snapshot excluding expired entries
func (b *widgetBuffer) liveEntries(now time.Time) []Message {
	first := 0
	if b.maxAge > 0 {
		cutoff := now.Add(-b.maxAge)
		for first < b.entries.Len() && b.entries.At(first).Timestamp.Before(cutoff) {
			first++
		}
	}
	result := make([]Message, 0, b.entries.Len()-first)
	for i := first; i < b.entries.Len(); i++ {
		result = append(result, b.entries.At(i))
	}
	return result
}

// storeImpl implements Store
type storeImpl struct {
	common.Component
	config    common.BufferConfig
	lock      sync.RWMutex
	buffers   map[string]*widgetBuffer
	total     int
	pressure  bool
	pruned    uint64
	expired   uint64
	observers []BatchObserver
}

// GetStore define a new buffer Store
func GetStore(name string, config common.BufferConfig) (Store, error) {
	logTags := log.Fields{"module": "buffer", "component": "store", "instance": name}
	if config.MaxCapacity < 1 || config.DefaultCapacity < 1 ||
		config.DefaultCapacity > config.MaxCapacity || config.GlobalMaxMessages < 1 ||
		config.PruneFraction <= 0 || config.PruneFraction > 1 ||
		config.PressureLowWatermark >= config.PressureHighWatermark {
		err := fmt.Errorf("invalid buffer store config %+v", config)
		log.WithError(err).WithFields(logTags).Error("Unable to define buffer store")
		return nil, err
	}
	return &storeImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		buffers:   make(map[string]*widgetBuffer),
		observers: make([]BatchObserver, 0),
	}, nil
}

// clampCapacity apply the default and the hard ceiling
func (s *storeImpl) clampCapacity(maxCount int) int {
	if maxCount <= 0 {
		return s.config.DefaultCapacity
	}
	if maxCount > s.config.MaxCapacity {
		return s.config.MaxCapacity
	}
	return maxCount
}

func (s *storeImpl) Initialize(consumerID string, maxCount int, maxAge time.Duration) {
	capacity := s.clampCapacity(maxCount)

	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.buffers[consumerID]
	if ok && buf.explicit {
		return
	}
	if !ok {
		s.buffers[consumerID] = newWidgetBuffer(capacity, maxAge, true)
		return
	}
	// Adopt the requested sizing for a buffer created lazily by an earlier batch
	before := buf.len()
	buf.resize(capacity)
	buf.maxAge = maxAge
	buf.explicit = true
	s.total -= before - buf.len()
}

func (s *storeImpl) ApplyBatch(items []ingest.Item) {
	if len(items) == 0 {
		return
	}

	// Group by consumer, preserving arrival order
	groups := make(map[string][]Message)
	order := make([]string, 0)
	for _, item := range items {
		if _, ok := groups[item.ConsumerID]; !ok {
			order = append(order, item.ConsumerID)
		}
		groups[item.ConsumerID] = append(groups[item.ConsumerID], Message{
			Timestamp: item.Timestamp,
			Value:     item.Value,
			Raw:       item.Raw,
			Subject:   item.Subject,
		})
	}

	now := time.Now()
	s.lock.Lock()
	for _, consumerID := range order {
		group := groups[consumerID]
		buf, ok := s.buffers[consumerID]
		if !ok {
			buf = newWidgetBuffer(s.config.DefaultCapacity, 0, false)
			s.buffers[consumerID] = buf
		}
		before := buf.len()
		s.expired += uint64(buf.pruneExpired(now))
		buf.push(group)
		s.total += buf.len() - before
	}
	s.enforceGlobalLimit()
	observers := make([]BatchObserver, len(s.observers))
	copy(observers, s.observers)
	s.lock.Unlock()

	for _, observer := range observers {
		observer(order)
	}
}

// utilization total buffered over the global ceiling. Caller must hold the lock.
func (s *storeImpl) utilization() float64 {
	return float64(s.total) / float64(s.config.GlobalMaxMessages)
}

// updatePressure raise or clear the memory pressure flag. Caller must hold the lock.
func (s *storeImpl) updatePressure(utilization float64) {
	switch {
	case !s.pressure && utilization >= s.config.PressureHighWatermark:
		s.pressure = true
		log.WithFields(s.LogTags).Warnf("Memory pressure: utilization %.2f", utilization)
	case s.pressure && utilization < s.config.PressureLowWatermark:
		s.pressure = false
		log.WithFields(s.LogTags).Infof("Memory pressure cleared: utilization %.2f", utilization)
	}
}

// enforceGlobalLimit trim every large buffer when over the global ceiling. Caller must hold
// the lock.
func (s *storeImpl) enforceGlobalLimit() {
	s.updatePressure(s.utilization())
	if s.total <= s.config.GlobalMaxMessages {
		return
	}

	removed := 0
	for _, buf := range s.buffers {
		size := buf.len()
		if size <= s.config.PruneMinEntries {
			continue
		}
		trim := int(float64(size) * s.config.PruneFraction)
		if trim < 1 {
			trim = 1
		}
		removed += buf.dropOldest(trim)
	}
	s.total -= removed
	s.pruned += uint64(removed)
	log.WithFields(s.LogTags).Warnf(
		"Pruned %d oldest entries over global limit %d", removed, s.config.GlobalMaxMessages,
	)
	s.updatePressure(s.utilization())
}

func (s *storeImpl) Get(consumerID string) ([]Message, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	buf, ok := s.buffers[consumerID]
	if !ok {
		return nil, false
	}
	return buf.liveEntries(time.Now()), true
}

func (s *storeImpl) Latest(consumerID string) (Message, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	buf, ok := s.buffers[consumerID]
	if !ok || buf.len() == 0 {
		return Message{}, false
	}
	newest := buf.entries.Back()
	if buf.maxAge > 0 && newest.Timestamp.Before(time.Now().Add(-buf.maxAge)) {
		return Message{}, false
	}
	return newest, true
}

func (s *storeImpl) Remove(consumerID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.buffers[consumerID]
	if !ok {
		return
	}
	s.total -= buf.len()
	delete(s.buffers, consumerID)
	s.updatePressure(s.utilization())
}

func (s *storeImpl) AddBatchObserver(observer BatchObserver) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.observers = append(s.observers, observer)
}

func (s *storeImpl) Stats() Stats {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return Stats{
		ActiveBuffers:  len(s.buffers),
		TotalMessages:  s.total,
		GlobalMax:      s.config.GlobalMaxMessages,
		Utilization:    s.utilization(),
		MemoryPressure: s.pressure,
		Pruned:         s.pruned,
		Expired:        s.expired,
	}
}

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

package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
)

type recordingApplier struct {
	lock    sync.Mutex
	batches [][]Item
	rxChan  chan []Item
}

func (r *recordingApplier) ApplyBatch(items []Item) {
	r.lock.Lock()
	r.batches = append(r.batches, items)
	r.lock.Unlock()
	if r.rxChan != nil {
		r.rxChan <- items
	}
}

func testItem(idx int) Item {
	return Item{
		ConsumerID: "widget-0",
		Value:      float64(idx),
		Raw:        float64(idx),
		Subject:    "ut.subject",
		Timestamp:  time.Now(),
	}
}

func TestQueueOverflowShedding(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	applier := &recordingApplier{}
	config := common.IngestConfig{
		MaxQueueSize:            5000,
		DropBatch:               1000,
		FlushIntervalMsec:       60000,
		OverflowWarnIntervalSec: 5,
	}
	uut, err := GetQueue("ut-overflow", config, applier, utCtxt, &wg)
	assert.Nil(err)
	defer func() { _ = uut.Stop() }()

	// Case 0: fill to capacity
	for itr := 0; itr < config.MaxQueueSize; itr++ {
		uut.Enqueue(testItem(itr))
	}
	assert.Equal(config.MaxQueueSize, uut.Depth())
	assert.Equal(uint64(0), uut.Stats().Dropped)

	// Case 1: one more sheds the oldest batch
	uut.Enqueue(testItem(config.MaxQueueSize))
	assert.Equal(config.MaxQueueSize-config.DropBatch+1, uut.Depth())
	stats := uut.Stats()
	assert.Equal(uint64(config.DropBatch), stats.Dropped)
	assert.Equal(uint64(1), stats.Overflows)

	// Case 2: retained items are the most recent ones
	uut.Flush()
	assert.Len(applier.batches, 1)
	batch := applier.batches[0]
	assert.Len(batch, config.MaxQueueSize-config.DropBatch+1)
	assert.Equal(float64(config.DropBatch), batch[0].Value)
	assert.Equal(float64(config.MaxQueueSize), batch[len(batch)-1].Value)
	assert.Equal(0, uut.Depth())
}

func TestQueueOverflowWarning(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	applier := &recordingApplier{}
	config := common.IngestConfig{
		MaxQueueSize:            100,
		DropBatch:               10,
		FlushIntervalMsec:       60000,
		OverflowWarnIntervalSec: 60,
	}
	uut, err := GetQueue("ut-overflow-warn", config, applier, utCtxt, &wg)
	assert.Nil(err)
	defer func() { _ = uut.Stop() }()

	logger := log.Log.(*log.Logger)
	prevHandler := logger.Handler
	logs := memory.New()
	logger.Handler = logs
	defer func() { logger.Handler = prevHandler }()

	// Case 0: several overflows inside one warning interval
	for itr := 0; itr < config.MaxQueueSize+40; itr++ {
		uut.Enqueue(testItem(itr))
	}
	logger.Handler = prevHandler
	stats := uut.Stats()
	assert.Equal(uint64(4), stats.Overflows)
	assert.Equal(uint64(40), stats.Dropped)

	// Case 1: only the first overflow is reported
	warnings := 0
	for _, entry := range logs.Entries {
		if strings.HasPrefix(entry.Message, "Queue overflow") {
			warnings++
			assert.Equal(log.WarnLevel, entry.Level)
		}
	}
	assert.Equal(1, warnings)
}

func TestQueueTimedFlush(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	applier := &recordingApplier{rxChan: make(chan []Item, 10)}
	config := common.IngestConfig{
		MaxQueueSize:            100,
		DropBatch:               10,
		FlushIntervalMsec:       20,
		OverflowWarnIntervalSec: 5,
	}
	uut, err := GetQueue("ut-timed", config, applier, utCtxt, &wg)
	assert.Nil(err)
	defer func() { _ = uut.Stop() }()

	// Case 0: burst is delivered as one batch, in arrival order
	for itr := 0; itr < 5; itr++ {
		uut.Enqueue(testItem(itr))
	}
	select {
	case batch := <-applier.rxChan:
		assert.Len(batch, 5)
		for idx, item := range batch {
			assert.Equal(float64(idx), item.Value)
		}
	case <-time.After(time.Second):
		assert.False(true, "flush did not fire")
	}

	// Case 1: idle queue does not flush again
	select {
	case <-applier.rxChan:
		assert.False(true, "unexpected flush")
	case <-time.After(time.Millisecond * 80):
	}

	// Case 2: next enqueue re-arms the flush
	uut.Enqueue(testItem(10))
	select {
	case batch := <-applier.rxChan:
		assert.Len(batch, 1)
		assert.Equal(float64(10), batch[0].Value)
	case <-time.After(time.Second):
		assert.False(true, "flush did not fire")
	}
	assert.Equal(uint64(6), uut.Stats().Enqueued)
	assert.Eventually(func() bool {
		return uut.Stats().Flushes == 2
	}, time.Second, time.Millisecond*5)
}

// slowApplier enqueues more work while a batch is being applied
type slowApplier struct {
	queue  Queue
	rxChan chan []Item
	once   sync.Once
}

func (s *slowApplier) ApplyBatch(items []Item) {
	s.once.Do(func() {
		s.queue.Enqueue(testItem(100))
	})
	s.rxChan <- items
}

func TestQueueItemsDuringFlushWaitForNextFrame(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	applier := &slowApplier{rxChan: make(chan []Item, 10)}
	config := common.IngestConfig{
		MaxQueueSize:            100,
		DropBatch:               10,
		FlushIntervalMsec:       10,
		OverflowWarnIntervalSec: 5,
	}
	uut, err := GetQueue("ut-reentrant", config, applier, utCtxt, &wg)
	assert.Nil(err)
	applier.queue = uut
	defer func() { _ = uut.Stop() }()

	uut.Enqueue(testItem(0))

	// Case 0: first frame only carries the first item
	select {
	case batch := <-applier.rxChan:
		assert.Len(batch, 1)
		assert.Equal(float64(0), batch[0].Value)
	case <-time.After(time.Second):
		assert.False(true, "flush did not fire")
	}

	// Case 1: item added during the flush comes with the following frame
	select {
	case batch := <-applier.rxChan:
		assert.Len(batch, 1)
		assert.Equal(float64(100), batch[0].Value)
	case <-time.After(time.Second):
		assert.False(true, "re-armed flush did not fire")
	}
}

func TestQueueInvalidConfig(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	for idx, config := range []common.IngestConfig{
		{MaxQueueSize: 0, DropBatch: 1, FlushIntervalMsec: 16},
		{MaxQueueSize: 10, DropBatch: 11, FlushIntervalMsec: 16},
		{MaxQueueSize: 10, DropBatch: 1, FlushIntervalMsec: 0},
	} {
		_, err := GetQueue(fmt.Sprintf("ut-invalid-%d", idx), config, &recordingApplier{}, utCtxt, &wg)
		assert.NotNil(err, "Case %d", idx)
	}
}

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

// Package ingest decouples message arrival rate from buffer mutation rate
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/apex/log"
	"golang.org/x/time/rate"
)

// Item one pending delivery to a consumer
type Item struct {
	// ConsumerID the consumer the value is for
	ConsumerID string
	// Value the value extracted for the consumer
	Value interface{}
	// Raw the decoded message payload
	Raw interface{}
	// Subject the message subject
	Subject string
	// Timestamp when the message arrived
	Timestamp time.Time
}

// BatchApplier receives flushed batches
type BatchApplier interface {
	// ApplyBatch apply one batch of items, in arrival order
	ApplyBatch(items []Item)
}

// QueueStats queue diagnostic counters
type QueueStats struct {
	Depth     int    `json:"depth"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Overflows uint64 `json:"overflows"`
	Flushes   uint64 `json:"flushes"`
}

// Queue capacity capped append log flushed in batches once per tick
type Queue interface {
	// Enqueue append an item, shedding the oldest entries when full
	Enqueue(item Item)
	// Flush drain the queue into the BatchApplier now
	Flush()
	// Depth current queue length
	Depth() int
	// Stats queue diagnostic counters
	Stats() QueueStats
	// Stop stop the flush timer
	Stop() error
}

// queueImpl implements Queue
type queueImpl struct {
	common.Component
	config       common.IngestConfig
	applier      BatchApplier
	lock         sync.Mutex
	flushLock    sync.Mutex
	items        []Item
	armed        bool
	flushTimer   common.IntervalTimer
	warnLimiter  *rate.Limiter
	enqueued     uint64
	dropped      uint64
	overflows    uint64
	flushes      uint64
	droppedSince uint64
}

/*
GetQueue define a new ingestion Queue

 @param name string - queue instance name
 @param config common.IngestConfig - queue parameters
 @param applier BatchApplier - the batch receiver
 @param ctxt context.Context - parent context of the flush timer
 @param wg *sync.WaitGroup - wait group for the flush timer
 @return the Queue
*/
func GetQueue(
	name string,
	config common.IngestConfig,
	applier BatchApplier,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Queue, error) {
	logTags := log.Fields{"module": "ingest", "component": "queue", "instance": name}
	if config.MaxQueueSize < 1 || config.DropBatch < 1 || config.DropBatch > config.MaxQueueSize {
		err := fmt.Errorf(
			"invalid queue sizing: max %d drop %d", config.MaxQueueSize, config.DropBatch,
		)
		log.WithError(err).WithFields(logTags).Error("Unable to define queue")
		return nil, err
	}
	if config.FlushInterval() <= 0 {
		err := fmt.Errorf("invalid flush interval %s", config.FlushInterval())
		log.WithError(err).WithFields(logTags).Error("Unable to define queue")
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(name, ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define flush timer")
		return nil, err
	}
	warnInterval := config.OverflowWarnInterval()
	if warnInterval <= 0 {
		warnInterval = time.Second
	}
	return &queueImpl{
		Component:   common.Component{LogTags: logTags},
		config:      config,
		applier:     applier,
		items:       make([]Item, 0),
		flushTimer:  timer,
		warnLimiter: rate.NewLimiter(rate.Every(warnInterval), 1),
	}, nil
}

func (q *queueImpl) Enqueue(item Item) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.items) >= q.config.MaxQueueSize {
		drop := q.config.DropBatch
		if drop > len(q.items) {
			drop = len(q.items)
		}
		retained := make([]Item, len(q.items)-drop, q.config.MaxQueueSize)
		copy(retained, q.items[drop:])
		q.items = retained
		q.dropped += uint64(drop)
		q.droppedSince += uint64(drop)
		q.overflows++
		if q.warnLimiter.Allow() {
			log.WithFields(q.LogTags).Warnf(
				"Queue overflow: shed %d oldest entries since last warning", q.droppedSince,
			)
			q.droppedSince = 0
		}
	}

	q.items = append(q.items, item)
	q.enqueued++

	if !q.armed {
		q.armed = true
		q.arm()
	}
}

// arm schedule the next flush. Caller must hold the lock.
func (q *queueImpl) arm() {
	if err := q.flushTimer.Start(q.config.FlushInterval(), q.onFlushTick, true); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Unable to arm flush timer")
		q.armed = false
	}
}

func (q *queueImpl) onFlushTick() error {
	q.Flush()
	return nil
}

func (q *queueImpl) Flush() {
	q.flushLock.Lock()
	defer q.flushLock.Unlock()

	q.lock.Lock()
	batch := q.items
	q.items = make([]Item, 0, len(batch))
	q.lock.Unlock()

	if len(batch) > 0 {
		q.applier.ApplyBatch(batch)
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if len(batch) > 0 {
		q.flushes++
	}
	if len(q.items) > 0 {
		q.armed = true
		q.arm()
	} else {
		q.armed = false
	}
}

func (q *queueImpl) Depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *queueImpl) Stats() QueueStats {
	q.lock.Lock()
	defer q.lock.Unlock()
	return QueueStats{
		Depth:     len(q.items),
		Enqueued:  q.enqueued,
		Dropped:   q.dropped,
		Overflows: q.overflows,
		Flushes:   q.flushes,
	}
}

func (q *queueImpl) Stop() error {
	return q.flushTimer.Stop()
}

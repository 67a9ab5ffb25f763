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

// Package multiplex maps many consumer subscriptions onto one bus subscription per subject
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/core"
	"github.com/alwitt/natsdash/extract"
	"github.com/alwitt/natsdash/ingest"
	"github.com/apex/log"
	"golang.org/x/time/rate"
)

// Sink receives the per consumer values
type Sink interface {
	// Enqueue accept one item
	Enqueue(item ingest.Item)
}

// Stats multiplexer diagnostic counters
type Stats struct {
	ActiveSubjects   int    `json:"active_subjects"`
	InactiveSubjects int    `json:"inactive_subjects"`
	Listeners        int    `json:"listeners"`
	DecodeFailures   uint64 `json:"decode_failures"`
	// BusDrops times a subscription fell behind and the bus client discarded messages
	BusDrops uint64 `json:"bus_drops"`
}

// Multiplexer subscription multiplexer
type Multiplexer interface {
	/*
		Subscribe register a consumer's interest in a subject. The bus subscription for the
		subject is opened on the first listener. Registering the same consumer again replaces
		its extraction path.

		 @param consumerID string - the consumer
		 @param subject string - the subject
		 @param path string - the extraction path
	*/
	Subscribe(consumerID, subject, path string) error
	/*
		Unsubscribe remove a consumer's interest in a subject. The bus subscription is cancelled
		when the last listener leaves. Unknown subject or consumer is ignored.

		 @param consumerID string - the consumer
		 @param subject string - the subject
	*/
	Unsubscribe(consumerID, subject string)
	// Resubscribe re-establish every bus subscription with the same listeners
	Resubscribe() error
	// Subjects list the subjects with an active listener set
	Subjects() []string
	// ListenerCount number of listeners on a subject
	ListenerCount(subject string) int
	// Stats diagnostic counters
	Stats() Stats
	// Close cancel every bus subscription and wait for processing to stop
	Close() error
}

// listener one consumer's interest in a subject
type listener struct {
	consumerID string
	path       string
}

// subscriptionHandle one bus subscription and its processing loop
type subscriptionHandle struct {
	sub          core.Subscription
	cancel       context.CancelFunc
	teardownOnce sync.Once
}

// teardown stop the processing loop and cancel the bus subscription, exactly once
func (h *subscriptionHandle) teardown(logTags log.Fields) {
	h.teardownOnce.Do(func() {
		h.cancel()
		if err := h.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Bus unsubscribe failed")
		}
	})
}

// subscriptionRef the multiplexer's bookkeeping of one subject
type subscriptionRef struct {
	subject   string
	listeners map[string]listener
	handle    *subscriptionHandle
	active    bool
	lastErr   error
}

// multiplexerImpl implements Multiplexer
type multiplexerImpl struct {
	common.Component
	conn           core.Connection
	extractor      extract.Extractor
	sink           Sink
	rootCtxt       context.Context
	lock           sync.Mutex
	refs           map[string]*subscriptionRef
	wg             sync.WaitGroup
	decodeFailures uint64
	decodeLogLimit *rate.Limiter
	busDrops       uint64
	dropLogLimit   *rate.Limiter
}

/*
GetMultiplexer define a new Multiplexer

 @param name string - instance name
 @param conn core.Connection - the bus connection
 @param extractor extract.Extractor - value extractor
 @param sink Sink - receiver of the extracted values
 @param ctxt context.Context - parent context of the processing loops
 @return the Multiplexer
*/
func GetMultiplexer(
	name string,
	conn core.Connection,
	extractor extract.Extractor,
	sink Sink,
	ctxt context.Context,
) (Multiplexer, error) {
	logTags := log.Fields{"module": "multiplex", "component": "multiplexer", "instance": name}
	if conn == nil || extractor == nil || sink == nil {
		err := fmt.Errorf("multiplexer requires connection, extractor, and sink")
		log.WithError(err).WithFields(logTags).Error("Unable to define multiplexer")
		return nil, err
	}
	return &multiplexerImpl{
		Component:      common.Component{LogTags: logTags},
		conn:           conn,
		extractor:      extractor,
		sink:           sink,
		rootCtxt:       ctxt,
		refs:           make(map[string]*subscriptionRef),
		decodeLogLimit: rate.NewLimiter(rate.Every(time.Second*5), 1),
		dropLogLimit:   rate.NewLimiter(rate.Every(time.Second*5), 1),
	}, nil
}

// open open a bus subscription and start its processing loop. Caller must hold the lock.
func (m *multiplexerImpl) open(subject string) (*subscriptionHandle, error) {
	sub, err := m.conn.Subscribe(subject)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	loopCtxt, cancel := context.WithCancel(m.rootCtxt)
	handle := &subscriptionHandle{sub: sub, cancel: cancel}
	m.wg.Add(1)
	go m.processLoop(loopCtxt, subject, handle)
	return handle, nil
}

// reopen replace the bus subscription of a subject. Caller must hold the lock.
func (m *multiplexerImpl) reopen(ref *subscriptionRef) error {
	if ref.handle != nil {
		ref.handle.teardown(m.LogTags)
		ref.handle = nil
	}
	handle, err := m.open(ref.subject)
	if err != nil {
		ref.active = false
		ref.lastErr = err
		return err
	}
	ref.handle = handle
	ref.active = true
	ref.lastErr = nil
	return nil
}

func (m *multiplexerImpl) Subscribe(consumerID, subject, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if ref, ok := m.refs[subject]; ok {
		ref.listeners[consumerID] = listener{consumerID: consumerID, path: path}
		if ref.active {
			return nil
		}
		// The subject lost its bus subscription earlier, try to bring it back
		if err := m.reopen(ref); err != nil {
			delete(ref.listeners, consumerID)
			if len(ref.listeners) == 0 {
				delete(m.refs, subject)
			}
			return err
		}
		log.WithFields(m.LogTags).Infof("Reopened subscription on %s", subject)
		return nil
	}

	handle, err := m.open(subject)
	if err != nil {
		return err
	}
	m.refs[subject] = &subscriptionRef{
		subject:   subject,
		listeners: map[string]listener{consumerID: {consumerID: consumerID, path: path}},
		handle:    handle,
		active:    true,
	}
	log.WithFields(m.LogTags).Debugf("Opened subscription on %s", subject)
	return nil
}

func (m *multiplexerImpl) Unsubscribe(consumerID, subject string) {
	m.lock.Lock()
	ref, ok := m.refs[subject]
	if !ok {
		m.lock.Unlock()
		return
	}
	delete(ref.listeners, consumerID)
	if len(ref.listeners) > 0 {
		m.lock.Unlock()
		return
	}
	delete(m.refs, subject)
	handle := ref.handle
	m.lock.Unlock()

	if handle != nil {
		handle.teardown(m.LogTags)
	}
	log.WithFields(m.LogTags).Debugf("Closed subscription on %s", subject)
}

func (m *multiplexerImpl) Resubscribe() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var errs []error
	for subject, ref := range m.refs {
		if err := m.reopen(ref); err != nil {
			errs = append(errs, fmt.Errorf("resubscribe %s: %w", subject, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.WithFields(m.LogTags).Infof("Re-established %d subscriptions", len(m.refs))
	return nil
}

func (m *multiplexerImpl) Subjects() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	subjects := make([]string, 0, len(m.refs))
	for subject := range m.refs {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

func (m *multiplexerImpl) ListenerCount(subject string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	if ref, ok := m.refs[subject]; ok {
		return len(ref.listeners)
	}
	return 0
}

func (m *multiplexerImpl) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	stats := Stats{
		DecodeFailures: atomic.LoadUint64(&m.decodeFailures),
		BusDrops:       atomic.LoadUint64(&m.busDrops),
	}
	for _, ref := range m.refs {
		if ref.active {
			stats.ActiveSubjects++
		} else {
			stats.InactiveSubjects++
		}
		stats.Listeners += len(ref.listeners)
	}
	return stats
}

func (m *multiplexerImpl) Close() error {
	m.lock.Lock()
	handles := make([]*subscriptionHandle, 0, len(m.refs))
	for _, ref := range m.refs {
		if ref.handle != nil {
			handles = append(handles, ref.handle)
		}
	}
	m.refs = make(map[string]*subscriptionRef)
	m.lock.Unlock()

	for _, handle := range handles {
		handle.teardown(m.LogTags)
	}
	m.wg.Wait()
	return nil
}

// ======================================================================================
// Message processing

// markInactive record a connectivity failure of the subscription owned by handle
func (m *multiplexerImpl) markInactive(subject string, handle *subscriptionHandle, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if ref, ok := m.refs[subject]; ok && ref.handle == handle {
		ref.active = false
		ref.lastErr = err
	}
}

// currentListeners snapshot the listeners served by handle
func (m *multiplexerImpl) currentListeners(subject string, handle *subscriptionHandle) []listener {
	m.lock.Lock()
	defer m.lock.Unlock()
	ref, ok := m.refs[subject]
	if !ok || ref.handle != handle {
		return nil
	}
	result := make([]listener, 0, len(ref.listeners))
	for _, l := range ref.listeners {
		result = append(result, l)
	}
	return result
}

func (m *multiplexerImpl) processLoop(
	ctxt context.Context, subject string, handle *subscriptionHandle,
) {
	defer m.wg.Done()
	logTags := log.Fields{}
	for k, v := range m.LogTags {
		logTags[k] = v
	}
	logTags["subject"] = subject
	defer log.WithFields(logTags).Debug("Processing loop exiting")

	for {
		msg, err := handle.sub.Next(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return
			}
			if errors.Is(err, core.ErrMessagesDropped) {
				atomic.AddUint64(&m.busDrops, 1)
				if m.dropLogLimit.Allow() {
					log.WithError(err).WithFields(logTags).Warn("Subscription fell behind")
				}
				continue
			}
			log.WithError(err).WithFields(logTags).Error("Subscription failed")
			m.markInactive(subject, handle, err)
			return
		}
		m.dispatch(logTags, subject, handle, msg)
	}
}

// dispatch decode one message and forward the per listener values to the sink
func (m *multiplexerImpl) dispatch(
	logTags log.Fields, subject string, handle *subscriptionHandle, msg core.Message,
) {
	decoded, err := common.DecodePayload(msg.Data)
	if err != nil {
		atomic.AddUint64(&m.decodeFailures, 1)
		if m.decodeLogLimit.Allow() {
			log.WithError(err).WithFields(logTags).Warn("Dropping undecodable message")
		}
		return
	}

	for _, l := range m.currentListeners(subject, handle) {
		m.deliver(logTags, l, decoded, msg)
	}
}

// deliver extract and enqueue the value for one listener
func (m *multiplexerImpl) deliver(
	logTags log.Fields, l listener, decoded interface{}, msg core.Message,
) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logTags).
				WithField("consumer", l.consumerID).
				Errorf("Delivery failed: %v", r)
		}
	}()
	m.sink.Enqueue(ingest.Item{
		ConsumerID: l.consumerID,
		Value:      m.extractor.Extract(decoded, l.path),
		Raw:        decoded,
		Subject:    msg.Subject,
		Timestamp:  msg.ReceivedAt,
	})
}

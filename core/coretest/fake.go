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

// Package coretest provides an in-memory core.Connection for unit tests
package coretest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/natsdash/core"
)

// ErrNoResponder raised by Request when no RequestHandler is installed
var ErrNoResponder = fmt.Errorf("no responder")

// ErrSubscriptionClosed raised when using a subscription after Unsubscribe
var ErrSubscriptionClosed = fmt.Errorf("subscription closed")

// PublishedMessage one message passed to Publish
type PublishedMessage struct {
	Subject string
	Data    []byte
}

// FakeConnection in-memory core.Connection
type FakeConnection struct {
	lock         sync.Mutex
	subs         map[string][]*fakeSubscription
	subCount     map[string]int
	unsubCount   map[string]int
	published    []PublishedMessage
	buckets      map[string]*FakeBucket
	subscribeErr error
	publishErr   error

	// RequestHandler answers Request calls
	RequestHandler func(subject string, data []byte) ([]byte, error)
	// OnPublish is called after every Publish
	OnPublish func(subject string, data []byte)
}

// NewFakeConnection define a new FakeConnection
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		subs:       make(map[string][]*fakeSubscription),
		subCount:   make(map[string]int),
		unsubCount: make(map[string]int),
		published:  make([]PublishedMessage, 0),
		buckets:    make(map[string]*FakeBucket),
	}
}

// FailSubscribe make all following Subscribe calls fail with err. nil restores normal
// operation.
func (c *FakeConnection) FailSubscribe(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.subscribeErr = err
}

// FailPublish make all following Publish calls fail with err. nil restores normal operation.
func (c *FakeConnection) FailPublish(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.publishErr = err
}

// subjectMatches NATS subject matching with "*" and ">" wildcards
func subjectMatches(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for idx, token := range pTokens {
		if token == ">" {
			return len(sTokens) > idx
		}
		if idx >= len(sTokens) {
			return false
		}
		if token != "*" && token != sTokens[idx] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}

// Subscribe open a subscription on a subject
func (c *FakeConnection) Subscribe(subject string) (core.Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	sub := &fakeSubscription{
		parent:  c,
		subject: subject,
		msgs:    make(chan core.Message, 1024),
		drops:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.subs[subject] = append(c.subs[subject], sub)
	c.subCount[subject]++
	return sub, nil
}

// Inject deliver a message to every matching subscription
func (c *FakeConnection) Inject(subject string, data []byte) {
	c.lock.Lock()
	targets := make([]*fakeSubscription, 0)
	for pattern, subs := range c.subs {
		if subjectMatches(pattern, subject) {
			targets = append(targets, subs...)
		}
	}
	c.lock.Unlock()

	msg := core.Message{Subject: subject, Data: data, ReceivedAt: time.Now()}
	for _, sub := range targets {
		select {
		case sub.msgs <- msg:
		case <-sub.done:
		}
	}
}

// Publish record the message, then deliver it to matching subscriptions
func (c *FakeConnection) Publish(ctxt context.Context, subject string, data []byte) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	if c.publishErr != nil {
		err := c.publishErr
		c.lock.Unlock()
		return err
	}
	c.published = append(c.published, PublishedMessage{Subject: subject, Data: data})
	hook := c.OnPublish
	c.lock.Unlock()
	c.Inject(subject, data)
	if hook != nil {
		hook(subject, data)
	}
	return nil
}

// Request answer through RequestHandler
func (c *FakeConnection) Request(
	ctxt context.Context, subject string, data []byte, _ time.Duration,
) ([]byte, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	handler := c.RequestHandler
	c.lock.Unlock()
	if handler == nil {
		return nil, ErrNoResponder
	}
	return handler(subject, data)
}

// KeyValue open a KV bucket, creating it if needed
func (c *FakeConnection) KeyValue(_ context.Context, bucket string) (core.KeyValueBucket, error) {
	return c.Bucket(bucket), nil
}

// Bucket fetch the in-memory bucket, creating it if needed
func (c *FakeConnection) Bucket(bucket string) *FakeBucket {
	c.lock.Lock()
	defer c.lock.Unlock()
	b, ok := c.buckets[bucket]
	if !ok {
		b = &FakeBucket{
			entries:  make(map[string]core.KeyValueEntry),
			watchers: make(map[string][]*fakeWatcher),
		}
		c.buckets[bucket] = b
	}
	return b
}

// SubscribeCount number of times Subscribe was called for a subject
func (c *FakeConnection) SubscribeCount(subject string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.subCount[subject]
}

// UnsubscribeCount number of times a subscription on a subject was cancelled
func (c *FakeConnection) UnsubscribeCount(subject string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.unsubCount[subject]
}

// ActiveSubscriptions number of open subscriptions on a subject
func (c *FakeConnection) ActiveSubscriptions(subject string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.subs[subject])
}

// Published copy of all published messages
func (c *FakeConnection) Published() []PublishedMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]PublishedMessage, len(c.published))
	copy(result, c.published)
	return result
}

// ReportDrops simulate a subscription falling behind. The next Next of every open
// subscription on the subject returns core.ErrMessagesDropped once.
func (c *FakeConnection) ReportDrops(subject string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, sub := range c.subs[subject] {
		select {
		case sub.drops <- struct{}{}:
		default:
		}
	}
}

// DropAllSubscriptions simulate a connection loss. Every open subscription is closed and
// its Next returns ErrSubscriptionClosed.
func (c *FakeConnection) DropAllSubscriptions() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for subject, subs := range c.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
		delete(c.subs, subject)
	}
}

// ======================================================================================

type fakeSubscription struct {
	parent    *FakeConnection
	subject   string
	msgs      chan core.Message
	drops     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *fakeSubscription) Next(ctxt context.Context) (core.Message, error) {
	select {
	case <-ctxt.Done():
		return core.Message{}, ctxt.Err()
	case <-s.done:
		return core.Message{}, ErrSubscriptionClosed
	case <-s.drops:
		return core.Message{}, core.ErrMessagesDropped
	case msg := <-s.msgs:
		return msg, nil
	}
}

func (s *fakeSubscription) Unsubscribe() error {
	c := s.parent
	c.lock.Lock()
	defer c.lock.Unlock()
	subs := c.subs[s.subject]
	for idx, sub := range subs {
		if sub == s {
			c.subs[s.subject] = append(subs[:idx], subs[idx+1:]...)
			if len(c.subs[s.subject]) == 0 {
				delete(c.subs, s.subject)
			}
			c.unsubCount[s.subject]++
			s.closeOnce.Do(func() { close(s.done) })
			return nil
		}
	}
	return ErrSubscriptionClosed
}

// ======================================================================================

// FakeBucket in-memory core.KeyValueBucket
type FakeBucket struct {
	lock     sync.Mutex
	putErr   error
	revision uint64
	entries  map[string]core.KeyValueEntry
	watchers map[string][]*fakeWatcher
}

// Get read the current value of a key
func (b *FakeBucket) Get(ctxt context.Context, key string) (core.KeyValueEntry, error) {
	if err := ctxt.Err(); err != nil {
		return core.KeyValueEntry{}, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	entry, ok := b.entries[key]
	if !ok || entry.Operation == core.KeyValueDelete {
		return core.KeyValueEntry{}, core.ErrKeyNotFound
	}
	return entry, nil
}

// Put write a key and notify its watchers
func (b *FakeBucket) Put(ctxt context.Context, key string, value []byte) (uint64, error) {
	if err := ctxt.Err(); err != nil {
		return 0, err
	}
	b.lock.Lock()
	putErr := b.putErr
	b.lock.Unlock()
	if putErr != nil {
		return 0, putErr
	}
	return b.write(key, value, core.KeyValuePut), nil
}

// FailPut make all following Put calls fail with err. nil restores normal operation.
func (b *FakeBucket) FailPut(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.putErr = err
}

// Delete delete a key and notify its watchers
func (b *FakeBucket) Delete(key string) {
	b.write(key, nil, core.KeyValueDelete)
}

func (b *FakeBucket) write(key string, value []byte, op core.KeyValueOperation) uint64 {
	b.lock.Lock()
	b.revision++
	entry := core.KeyValueEntry{Key: key, Value: value, Revision: b.revision, Operation: op}
	b.entries[key] = entry
	watchers := make([]*fakeWatcher, len(b.watchers[key]))
	copy(watchers, b.watchers[key])
	b.lock.Unlock()

	for _, w := range watchers {
		select {
		case w.updates <- entry:
		case <-w.done:
		}
	}
	return entry.Revision
}

// Watch watch a key for future updates
func (b *FakeBucket) Watch(ctxt context.Context, key string) (core.KeyWatcher, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	w := &fakeWatcher{
		parent:  b,
		key:     key,
		updates: make(chan core.KeyValueEntry, 1024),
		done:    make(chan struct{}),
	}
	b.watchers[key] = append(b.watchers[key], w)
	return w, nil
}

// WatcherCount number of active watchers on a key
func (b *FakeBucket) WatcherCount(key string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.watchers[key])
}

// Keys list all keys in the bucket
func (b *FakeBucket) Keys(ctxt context.Context) ([]string, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	keys := make([]string, 0, len(b.entries))
	for key, entry := range b.entries {
		if entry.Operation == core.KeyValuePut {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type fakeWatcher struct {
	parent    *FakeBucket
	key       string
	updates   chan core.KeyValueEntry
	done      chan struct{}
	closeOnce sync.Once
}

func (w *fakeWatcher) Next(ctxt context.Context) (core.KeyValueEntry, error) {
	select {
	case <-ctxt.Done():
		return core.KeyValueEntry{}, ctxt.Err()
	case <-w.done:
		return core.KeyValueEntry{}, ErrSubscriptionClosed
	case entry := <-w.updates:
		return entry, nil
	}
}

func (w *fakeWatcher) Stop() error {
	b := w.parent
	b.lock.Lock()
	defer b.lock.Unlock()
	watchers := b.watchers[w.key]
	for idx, other := range watchers {
		if other == w {
			b.watchers[w.key] = append(watchers[:idx], watchers[idx+1:]...)
			if len(b.watchers[w.key]) == 0 {
				delete(b.watchers, w.key)
			}
			break
		}
	}
	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

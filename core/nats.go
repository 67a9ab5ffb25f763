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

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI NATS server URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// PendingMsgLimit max messages held per subscription before it starts dropping.
	// 0 uses the client default.
	PendingMsgLimit int
	// PendingBytesLimit max bytes held per subscription before it starts dropping.
	// 0 uses the client default.
	PendingBytesLimit int
}

// defaultFlushTimeout flush bound used when the caller's context has no deadline
const defaultFlushTimeout = time.Second * 5

// NatsClient NATS client implementing Connection
type NatsClient struct {
	common.Component
	nc           *nats.Conn
	js           jetstream.JetStream
	lock         sync.RWMutex
	handlers     []ConnectionEventHandler
	pendingMsgs  int
	pendingBytes int
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	instance := &NatsClient{
		Component:    common.Component{LogTags: logTags},
		handlers:     make([]ConnectionEventHandler, 0),
		pendingMsgs:  param.PendingMsgLimit,
		pendingBytes: param.PendingBytesLimit,
	}

	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.ConnectHandler(func(_ *nats.Conn) {
			instance.notify(Connected, nil)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			instance.notify(Disconnected, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			instance.notify(Reconnected, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			instance.notify(Closed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err).WithFields(logTags)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Warn("Async NATS error")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}

	// Define the JetStream client
	js, err := jetstream.New(nc)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define JetStream client")
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")

	instance.nc = nc
	instance.js = js
	return instance, nil
}

// RegisterEventHandler install a callback for connection state changes
func (c *NatsClient) RegisterEventHandler(handler ConnectionEventHandler) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *NatsClient) notify(evt ConnectionEvent, err error) {
	c.lock.RLock()
	handlers := make([]ConnectionEventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.lock.RUnlock()

	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf("Connection %s", evt)
	} else {
		log.WithFields(c.LogTags).Infof("Connection %s", evt)
	}
	for _, handler := range handlers {
		handler(evt, err)
	}
}

// NATs fetch the underlying NATS connection
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// flush wait for the server to process everything published so far
func (c *NatsClient) flush(ctxt context.Context) error {
	if _, ok := ctxt.Deadline(); ok {
		return c.nc.FlushWithContext(ctxt)
	}
	flushCtxt, cancel := context.WithTimeout(ctxt, defaultFlushTimeout)
	defer cancel()
	return c.nc.FlushWithContext(flushCtxt)
}

// Close close the NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.flush(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// EnsureKeyValueBucket create the KV bucket if it does not exist
func (c *NatsClient) EnsureKeyValueBucket(ctxt context.Context, bucket string) error {
	logTags := c.GetLogTagsForContext(ctxt)
	if _, err := c.js.KeyValue(ctxt, bucket); err == nil {
		return nil
	}
	_, err := c.js.CreateKeyValue(ctxt, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil && !errors.Is(err, jetstream.ErrBucketExists) {
		log.WithError(err).WithFields(logTags).Errorf("Unable to create KV bucket %s", bucket)
		return err
	}
	log.WithFields(logTags).Infof("KV bucket %s ready", bucket)
	return nil
}

// ======================================================================================
// Subscription

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Next(ctxt context.Context) (Message, error) {
	msg, err := s.sub.NextMsgWithContext(ctxt)
	if err != nil {
		if errors.Is(err, nats.ErrSlowConsumer) {
			return Message{}, fmt.Errorf("%w: %s", ErrMessagesDropped, err.Error())
		}
		return Message{}, err
	}
	return Message{Subject: msg.Subject, Data: msg.Data, ReceivedAt: time.Now()}, nil
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe open a subscription on a subject
func (c *NatsClient) Subscribe(subject string) (Subscription, error) {
	sub, err := c.nc.SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	if c.pendingMsgs != 0 || c.pendingBytes != 0 {
		msgLimit, bytesLimit := nats.DefaultSubPendingMsgsLimit, nats.DefaultSubPendingBytesLimit
		if c.pendingMsgs != 0 {
			msgLimit = c.pendingMsgs
		}
		if c.pendingBytes != 0 {
			bytesLimit = c.pendingBytes
		}
		if err := sub.SetPendingLimits(msgLimit, bytesLimit); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to limit pending on %s", subject)
			_ = sub.Unsubscribe()
			return nil, err
		}
	}
	return natsSubscription{sub: sub}, nil
}

// Publish publish a message on a subject
func (c *NatsClient) Publish(ctxt context.Context, subject string, data []byte) error {
	logTags := c.GetLogTagsForContext(ctxt)
	if err := c.nc.Publish(subject, data); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Publish to %s failed", subject)
		return err
	}
	if err := c.flush(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Flush after publish to %s failed", subject)
		return err
	}
	return nil
}

// Request send a request and wait for the reply
func (c *NatsClient) Request(
	ctxt context.Context, subject string, data []byte, timeout time.Duration,
) ([]byte, error) {
	logTags := c.GetLogTagsForContext(ctxt)
	reqCtxt, cancel := context.WithTimeout(ctxt, timeout)
	defer cancel()
	resp, err := c.nc.RequestWithContext(reqCtxt, subject, data)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Request to %s failed", subject)
		return nil, err
	}
	return resp.Data, nil
}

// ======================================================================================
// Key-Value

type natsKeyValue struct {
	kv jetstream.KeyValue
}

func convertEntry(entry jetstream.KeyValueEntry) KeyValueEntry {
	op := KeyValuePut
	if entry.Operation() != jetstream.KeyValuePut {
		op = KeyValueDelete
	}
	return KeyValueEntry{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: op,
	}
}

func (b natsKeyValue) Get(ctxt context.Context, key string) (KeyValueEntry, error) {
	entry, err := b.kv.Get(ctxt, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return KeyValueEntry{}, ErrKeyNotFound
		}
		return KeyValueEntry{}, err
	}
	return convertEntry(entry), nil
}

func (b natsKeyValue) Put(ctxt context.Context, key string, value []byte) (uint64, error) {
	return b.kv.Put(ctxt, key, value)
}

type natsKeyWatcher struct {
	watcher jetstream.KeyWatcher
}

func (w natsKeyWatcher) Next(ctxt context.Context) (KeyValueEntry, error) {
	for {
		select {
		case <-ctxt.Done():
			return KeyValueEntry{}, ctxt.Err()
		case entry, ok := <-w.watcher.Updates():
			if !ok {
				return KeyValueEntry{}, nats.ErrConnectionClosed
			}
			// nil marks the end of the initial values
			if entry == nil {
				continue
			}
			return convertEntry(entry), nil
		}
	}
}

func (w natsKeyWatcher) Stop() error {
	return w.watcher.Stop()
}

func (b natsKeyValue) Watch(ctxt context.Context, key string) (KeyWatcher, error) {
	watcher, err := b.kv.Watch(ctxt, key, jetstream.UpdatesOnly())
	if err != nil {
		return nil, err
	}
	return natsKeyWatcher{watcher: watcher}, nil
}

func (b natsKeyValue) Keys(ctxt context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctxt)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := []string{}
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// KeyValue open a KV bucket
func (c *NatsClient) KeyValue(ctxt context.Context, bucket string) (KeyValueBucket, error) {
	kv, err := c.js.KeyValue(ctxt, bucket)
	if err != nil {
		log.WithError(err).
			WithFields(c.GetLogTagsForContext(ctxt)).
			Errorf("Unable to open KV bucket %s", bucket)
		return nil, err
	}
	return natsKeyValue{kv: kv}, nil
}

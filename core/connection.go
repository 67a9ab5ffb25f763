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
	"fmt"
	"time"
)

// ErrKeyNotFound raised when a KV key does not exist
var ErrKeyNotFound = fmt.Errorf("key not found")

// ErrMessagesDropped returned once by Subscription.Next after the subscription fell behind
// and the client discarded messages. The subscription stays usable.
var ErrMessagesDropped = fmt.Errorf("messages dropped")

// Message one message received from a subject
type Message struct {
	// Subject the message was received on
	Subject string
	// Data the message payload
	Data []byte
	// ReceivedAt when the message was pulled from the subscription
	ReceivedAt time.Time
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("%s:MSG[%d]", m.Subject, len(m.Data))
}

// Subscription an active subscription on a subject
type Subscription interface {
	// Next block until the next message arrives, or the context is cancelled.
	// ErrMessagesDropped is not fatal.
	Next(ctxt context.Context) (Message, error)
	// Unsubscribe cancel the subscription
	Unsubscribe() error
}

// KeyValueOperation the operation which produced a KV entry
type KeyValueOperation int

const (
	// KeyValuePut the key was written
	KeyValuePut KeyValueOperation = iota
	// KeyValueDelete the key was deleted or purged
	KeyValueDelete
)

// KeyValueEntry one KV entry
type KeyValueEntry struct {
	Key       string
	Value     []byte
	Revision  uint64
	Operation KeyValueOperation
}

// KeyWatcher a watch on one key
type KeyWatcher interface {
	// Next block until the next update of the key, or the context is cancelled
	Next(ctxt context.Context) (KeyValueEntry, error)
	// Stop stop the watch
	Stop() error
}

// KeyValueBucket a durable key-value bucket
type KeyValueBucket interface {
	// Get read the current value of a key. ErrKeyNotFound if the key does not exist.
	Get(ctxt context.Context, key string) (KeyValueEntry, error)
	// Put write a key, returning the new revision
	Put(ctxt context.Context, key string, value []byte) (uint64, error)
	// Watch watch a key for future updates
	Watch(ctxt context.Context, key string) (KeyWatcher, error)
	// Keys list all keys in the bucket
	Keys(ctxt context.Context) ([]string, error)
}

// Connection the message bus primitives the feed depends on
type Connection interface {
	// Subscribe open a subscription on a subject
	Subscribe(subject string) (Subscription, error)
	// Publish publish a message on a subject
	Publish(ctxt context.Context, subject string, data []byte) error
	// Request send a request and wait for the reply
	Request(ctxt context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	// KeyValue open a KV bucket
	KeyValue(ctxt context.Context, bucket string) (KeyValueBucket, error)
}

// ConnectionEvent connection state change
type ConnectionEvent int

const (
	// Connected the connection was established
	Connected ConnectionEvent = iota
	// Disconnected the connection was lost
	Disconnected
	// Reconnected the connection was re-established after a disconnect
	Reconnected
	// Closed the connection was closed permanently
	Closed
)

// String toString function
func (e ConnectionEvent) String() string {
	switch e {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionEventHandler callback on connection state change
type ConnectionEventHandler func(evt ConnectionEvent, err error)

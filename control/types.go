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

// Package control keeps interactive controls in sync with their backing state on the bus
package control

import (
	"fmt"
	"time"
)

// ErrTogglePending raised when toggling a control which is waiting for confirmation
var ErrTogglePending = fmt.Errorf("toggle already pending")

// ErrConfirmTimeout recorded when a write is not confirmed within the watchdog window
var ErrConfirmTimeout = fmt.Errorf("write not confirmed in time")

// State state of an interactive control
type State string

const (
	// StateUnknown the state has not been observed yet
	StateUnknown State = "unknown"
	// StateOn the on payload was observed
	StateOn State = "on"
	// StateOff the off payload was observed
	StateOff State = "off"
	// StatePending a write is waiting for confirmation
	StatePending State = "pending"
)

// Mode how a control observes its state
type Mode string

const (
	// ModeWatch watch a KV key
	ModeWatch Mode = "watch"
	// ModeSubscribe subscribe to a state subject
	ModeSubscribe Mode = "subscribe"
)

// Config interactive control parameters
type Config struct {
	// ID control ID
	ID string `json:"id" validate:"required"`
	// Mode how the state is observed
	Mode Mode `json:"mode" validate:"required,oneof=watch subscribe"`
	// Subject where writes are published in subscribe mode
	Subject string `json:"subject,omitempty" validate:"required_if=Mode subscribe"`
	// StateSubject where state is observed in subscribe mode. Defaults to Subject.
	StateSubject string `json:"state_subject,omitempty"`
	// QuerySubject optional request subject answering with the current state in subscribe mode
	QuerySubject string `json:"query_subject,omitempty"`
	// Bucket the KV bucket in watch mode
	Bucket string `json:"bucket,omitempty" validate:"required_if=Mode watch"`
	// Key the KV key in watch mode
	Key string `json:"key,omitempty" validate:"required_if=Mode watch"`
	// OnPayload the payload meaning "on"
	OnPayload interface{} `json:"on_payload"`
	// OffPayload the payload meaning "off"
	OffPayload interface{} `json:"off_payload"`
	// FireAndForget writes resolve optimistically without waiting for an echo
	FireAndForget bool `json:"fire_and_forget,omitempty"`
	// ConfirmTimeout how long a toggle waits for an echo
	ConfirmTimeout time.Duration `json:"-"`
	// WriteTimeout max duration of a write
	WriteTimeout time.Duration `json:"-"`
}

// stateSubject the subject observed in subscribe mode
func (c Config) stateSubject() string {
	if c.StateSubject != "" {
		return c.StateSubject
	}
	return c.Subject
}

// Snapshot point in time view of a control
type Snapshot struct {
	ID    string `json:"id"`
	Mode  Mode   `json:"mode"`
	State State  `json:"state"`
	// Target the state a pending write is trying to reach
	Target State `json:"target,omitempty"`
	// LastValue the most recently observed value
	LastValue interface{} `json:"last_value,omitempty"`
	// Active whether the watch or subscription is running
	Active bool `json:"active"`
	// Err the most recent error
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
	// Updated when the snapshot last changed
	Updated time.Time `json:"updated"`
}

// StateObserver callback after a control's snapshot changes
type StateObserver func(snapshot Snapshot)

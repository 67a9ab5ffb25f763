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

// Package feed is the consumer facing facade of the widget data feed
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/natsdash/buffer"
	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/control"
	"github.com/alwitt/natsdash/core"
	"github.com/alwitt/natsdash/extract"
	"github.com/alwitt/natsdash/ingest"
	"github.com/alwitt/natsdash/multiplex"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrUnknownConsumer raised when referencing a consumer which is not registered
var ErrUnknownConsumer = fmt.Errorf("unknown consumer")

// ErrUnknownControl raised when referencing a control which is not running
var ErrUnknownControl = fmt.Errorf("unknown control")

// ErrControlExists raised when starting a control whose ID is already in use
var ErrControlExists = fmt.Errorf("control already exists")

// ConsumerConfig a consumer's interest in a subject
type ConsumerConfig struct {
	// ID consumer ID
	ID string `json:"id" validate:"required"`
	// Subject the subject to consume
	Subject string `json:"subject" validate:"required"`
	// Path the extraction path. Empty selects the whole payload.
	Path string `json:"path,omitempty"`
	// Capacity buffer capacity. 0 uses the default.
	Capacity int `json:"capacity,omitempty" validate:"gte=0"`
	// MaxAgeSec buffered entries older than this are discarded. 0 to disable.
	MaxAgeSec float64 `json:"max_age_sec,omitempty" validate:"gte=0"`
}

// MaxAge the max entry age as time.Duration
func (c ConsumerConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSec * float64(time.Second))
}

// Diagnostics read-only capacity and overflow counters
type Diagnostics struct {
	ActiveBuffers  int               `json:"active_buffers"`
	TotalBuffered  int               `json:"total_buffered"`
	QueueDepth     int               `json:"queue_depth"`
	Dropped        uint64            `json:"dropped"`
	MemoryPressure bool              `json:"memory_pressure"`
	ActiveSubjects int               `json:"active_subjects"`
	Consumers      int               `json:"consumers"`
	Controls       int               `json:"controls"`
	Queue          ingest.QueueStats `json:"queue"`
	Buffer         buffer.Stats      `json:"buffer"`
	Multiplex      multiplex.Stats   `json:"multiplex"`
}

// Feed widget data feed
type Feed interface {
	/*
		RegisterConsumer register a consumer. Registering an existing consumer with a different
		subject or path moves its listener.

		 @param ctxt context.Context - calling context
		 @param config ConsumerConfig - the consumer
	*/
	RegisterConsumer(ctxt context.Context, config ConsumerConfig) error
	// UnregisterConsumer remove a consumer and discard its buffer
	UnregisterConsumer(ctxt context.Context, consumerID string) error
	// Consumer fetch a consumer's registration
	Consumer(consumerID string) (ConsumerConfig, error)
	// Consumers list all registered consumers
	Consumers() []ConsumerConfig
	// GetBuffer snapshot of a consumer's buffer, oldest first
	GetBuffer(consumerID string) ([]buffer.Message, error)
	// GetLatest a consumer's newest value, or extract.NotFound
	GetLatest(consumerID string) interface{}
	// AddBatchObserver install a callback invoked after every applied batch
	AddBatchObserver(observer buffer.BatchObserver)

	// StartControl start an interactive control
	StartControl(ctxt context.Context, config control.Config) (control.Synchronizer, error)
	// StopControl stop an interactive control
	StopControl(ctxt context.Context, controlID string) error
	// Control fetch a running control
	Control(controlID string) (control.Synchronizer, error)
	// Controls snapshots of all running controls
	Controls() []control.Snapshot

	// Diagnostics capacity and overflow counters
	Diagnostics() Diagnostics
	// HandleConnectionEvent react to bus connection state changes
	HandleConnectionEvent(evt core.ConnectionEvent, err error)
	// LoadLayout register the consumers and controls described by the blueprints in a KV bucket
	LoadLayout(ctxt context.Context, bucket string) error
	// Stop stop all controls and subscriptions
	Stop() error
}

// feedImpl implements Feed
type feedImpl struct {
	common.Component
	conn        core.Connection
	config      common.FeedConfig
	validate    *validator.Validate
	ctxt        context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	store       buffer.Store
	queue       ingest.Queue
	mux         multiplex.Multiplexer
	lock        sync.RWMutex
	consumers   map[string]ConsumerConfig
	controlLock sync.Mutex
	controls    map[string]control.Synchronizer
}

/*
GetFeed define a new widget data Feed

 @param name string - instance name
 @param conn core.Connection - the bus connection
 @param config common.FeedConfig - feed parameters
 @param parentCtxt context.Context - parent context
 @return the Feed
*/
func GetFeed(
	name string, conn core.Connection, config common.FeedConfig, parentCtxt context.Context,
) (Feed, error) {
	logTags := log.Fields{"module": "feed", "component": "feed", "instance": name}
	ctxt, cancel := context.WithCancel(parentCtxt)
	instance := &feedImpl{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		config:    config,
		validate:  validator.New(),
		ctxt:      ctxt,
		cancel:    cancel,
		consumers: make(map[string]ConsumerConfig),
		controls:  make(map[string]control.Synchronizer),
	}

	store, err := buffer.GetStore(name, config.Buffer)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.store = store

	queue, err := ingest.GetQueue(name, config.Ingest, instance, ctxt, &instance.wg)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.queue = queue

	mux, err := multiplex.GetMultiplexer(name, conn, extract.GetExtractor(), queue, ctxt)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.mux = mux

	return instance, nil
}

// ApplyBatch support ingest.BatchApplier. Items for consumers unregistered since the
// message arrived are discarded.
func (f *feedImpl) ApplyBatch(items []ingest.Item) {
	f.lock.RLock()
	filtered := make([]ingest.Item, 0, len(items))
	for _, item := range items {
		if _, ok := f.consumers[item.ConsumerID]; ok {
			filtered = append(filtered, item)
		}
	}
	f.lock.RUnlock()
	f.store.ApplyBatch(filtered)
}

// ======================================================================================
// Consumers

func (f *feedImpl) RegisterConsumer(ctxt context.Context, config ConsumerConfig) error {
	logTags := f.GetLogTagsForContext(ctxt)
	if err := f.validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid consumer config")
		return err
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if existing, ok := f.consumers[config.ID]; ok && existing.Subject != config.Subject {
		f.mux.Unsubscribe(config.ID, existing.Subject)
	}
	f.store.Initialize(config.ID, config.Capacity, config.MaxAge())
	if err := f.mux.Subscribe(config.ID, config.Subject, config.Path); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to register consumer %s", config.ID)
		delete(f.consumers, config.ID)
		f.store.Remove(config.ID)
		return err
	}
	f.consumers[config.ID] = config
	log.WithFields(logTags).Infof("Registered consumer %s on %s", config.ID, config.Subject)
	return nil
}

func (f *feedImpl) UnregisterConsumer(ctxt context.Context, consumerID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	config, ok := f.consumers[consumerID]
	if !ok {
		return ErrUnknownConsumer
	}
	delete(f.consumers, consumerID)
	f.mux.Unsubscribe(consumerID, config.Subject)
	f.store.Remove(consumerID)
	log.WithFields(f.GetLogTagsForContext(ctxt)).Infof("Unregistered consumer %s", consumerID)
	return nil
}

func (f *feedImpl) Consumer(consumerID string) (ConsumerConfig, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	config, ok := f.consumers[consumerID]
	if !ok {
		return ConsumerConfig{}, ErrUnknownConsumer
	}
	return config, nil
}

func (f *feedImpl) Consumers() []ConsumerConfig {
	f.lock.RLock()
	defer f.lock.RUnlock()
	result := make([]ConsumerConfig, 0, len(f.consumers))
	for _, config := range f.consumers {
		result = append(result, config)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (f *feedImpl) GetBuffer(consumerID string) ([]buffer.Message, error) {
	if _, err := f.Consumer(consumerID); err != nil {
		return nil, err
	}
	msgs, ok := f.store.Get(consumerID)
	if !ok {
		return []buffer.Message{}, nil
	}
	return msgs, nil
}

func (f *feedImpl) GetLatest(consumerID string) interface{} {
	msg, ok := f.store.Latest(consumerID)
	if !ok {
		return extract.NotFound
	}
	return msg.Value
}

func (f *feedImpl) AddBatchObserver(observer buffer.BatchObserver) {
	f.store.AddBatchObserver(observer)
}

// ======================================================================================
// Controls

func (f *feedImpl) StartControl(
	ctxt context.Context, config control.Config,
) (control.Synchronizer, error) {
	logTags := f.GetLogTagsForContext(ctxt)
	if err := f.validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid control config")
		return nil, err
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = f.config.Control.ConfirmTimeout()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = f.config.Control.WriteTimeout()
	}

	f.controlLock.Lock()
	defer f.controlLock.Unlock()
	if _, ok := f.controls[config.ID]; ok {
		return nil, ErrControlExists
	}
	ctrl, err := control.GetSynchronizer(config, f.conn, f.ctxt)
	if err != nil {
		return nil, err
	}
	// Connectivity failures are reported through the control's error state
	if err := ctrl.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Warnf("Control %s started in error state", config.ID)
	}
	f.controls[config.ID] = ctrl
	log.WithFields(logTags).Infof("Started control %s", config.ID)
	return ctrl, nil
}

func (f *feedImpl) StopControl(ctxt context.Context, controlID string) error {
	f.controlLock.Lock()
	ctrl, ok := f.controls[controlID]
	delete(f.controls, controlID)
	f.controlLock.Unlock()
	if !ok {
		return ErrUnknownControl
	}
	log.WithFields(f.GetLogTagsForContext(ctxt)).Infof("Stopping control %s", controlID)
	return ctrl.Stop()
}

func (f *feedImpl) Control(controlID string) (control.Synchronizer, error) {
	f.controlLock.Lock()
	defer f.controlLock.Unlock()
	ctrl, ok := f.controls[controlID]
	if !ok {
		return nil, ErrUnknownControl
	}
	return ctrl, nil
}

// controlList snapshot of the running controls, sorted by ID
func (f *feedImpl) controlList() []control.Synchronizer {
	f.controlLock.Lock()
	defer f.controlLock.Unlock()
	result := make([]control.Synchronizer, 0, len(f.controls))
	for _, ctrl := range f.controls {
		result = append(result, ctrl)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func (f *feedImpl) Controls() []control.Snapshot {
	controls := f.controlList()
	result := make([]control.Snapshot, 0, len(controls))
	for _, ctrl := range controls {
		result = append(result, ctrl.Snapshot())
	}
	return result
}

// ======================================================================================
// Operations

func (f *feedImpl) Diagnostics() Diagnostics {
	queueStats := f.queue.Stats()
	bufferStats := f.store.Stats()
	muxStats := f.mux.Stats()
	f.lock.RLock()
	consumers := len(f.consumers)
	f.lock.RUnlock()
	f.controlLock.Lock()
	controls := len(f.controls)
	f.controlLock.Unlock()
	return Diagnostics{
		ActiveBuffers:  bufferStats.ActiveBuffers,
		TotalBuffered:  bufferStats.TotalMessages,
		QueueDepth:     queueStats.Depth,
		Dropped:        queueStats.Dropped,
		MemoryPressure: bufferStats.MemoryPressure,
		ActiveSubjects: muxStats.ActiveSubjects,
		Consumers:      consumers,
		Controls:       controls,
		Queue:          queueStats,
		Buffer:         bufferStats,
		Multiplex:      muxStats,
	}
}

func (f *feedImpl) HandleConnectionEvent(evt core.ConnectionEvent, err error) {
	if evt != core.Reconnected {
		return
	}
	log.WithFields(f.LogTags).Info("Re-establishing subscriptions after reconnect")
	if err := f.mux.Resubscribe(); err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Resubscribe incomplete")
	}
	for _, ctrl := range f.controlList() {
		if err := ctrl.Restart(); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf("Unable to restart control %s", ctrl.ID())
		}
	}
}

// blueprint common header of a widget blueprint
type blueprint struct {
	Kind string `json:"kind"`
}

func (f *feedImpl) LoadLayout(ctxt context.Context, bucket string) error {
	logTags := f.GetLogTagsForContext(ctxt)
	kv, err := f.conn.KeyValue(ctxt, bucket)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open layout bucket %s", bucket)
		return err
	}
	keys, err := kv.Keys(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to list layout bucket %s", bucket)
		return err
	}

	var errs []error
	loaded := 0
	for _, key := range keys {
		if err := f.loadBlueprint(ctxt, kv, key); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Skipping blueprint %s", key)
			errs = append(errs, fmt.Errorf("blueprint %s: %w", key, err))
			continue
		}
		loaded++
	}
	log.WithFields(logTags).Infof("Loaded %d of %d blueprints from %s", loaded, len(keys), bucket)
	return errors.Join(errs...)
}

// loadBlueprint register the consumer or control described by one blueprint
func (f *feedImpl) loadBlueprint(ctxt context.Context, kv core.KeyValueBucket, key string) error {
	entry, err := kv.Get(ctxt, key)
	if err != nil {
		return err
	}
	var header blueprint
	if err := json.Unmarshal(entry.Value, &header); err != nil {
		return err
	}
	switch header.Kind {
	case "consumer":
		var config ConsumerConfig
		if err := json.Unmarshal(entry.Value, &config); err != nil {
			return err
		}
		return f.RegisterConsumer(ctxt, config)
	case "control":
		var config control.Config
		if err := json.Unmarshal(entry.Value, &config); err != nil {
			return err
		}
		_, err := f.StartControl(ctxt, config)
		return err
	default:
		return fmt.Errorf("unknown blueprint kind '%s'", header.Kind)
	}
}

func (f *feedImpl) Stop() error {
	for _, ctrl := range f.controlList() {
		if err := f.StopControl(f.ctxt, ctrl.ID()); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf("Unable to stop control %s", ctrl.ID())
		}
	}
	if err := f.mux.Close(); err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Unable to close multiplexer")
	}
	if err := f.queue.Stop(); err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Unable to stop queue")
	}
	f.cancel()
	f.wg.Wait()
	return nil
}

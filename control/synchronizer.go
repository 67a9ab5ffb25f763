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

package control

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/core"
	"github.com/apex/log"
	"golang.org/x/time/rate"
)

// Synchronizer state machine of one interactive control
type Synchronizer interface {
	// ID the control ID
	ID() string
	// Config the control parameters
	Config() Config
	// Start start observing the state
	Start() error
	/*
		Toggle write the opposite of the current state. A control in unknown state is turned on.

		 @param ctxt context.Context - calling context
		 @return ErrTogglePending if a previous toggle is not resolved yet, or the write error
	*/
	Toggle(ctxt context.Context) error
	// Snapshot current view of the control
	Snapshot() Snapshot
	// AddStateObserver install a callback invoked after every snapshot change. The callback
	// runs on the control's event loop and must not call Toggle.
	AddStateObserver(observer StateObserver)
	// Restart tear down and re-establish the watch or subscription
	Restart() error
	// Stop stop the control
	Stop() error
}

// synchronizerImpl implements Synchronizer
type synchronizerImpl struct {
	common.Component
	config   Config
	conn     core.Connection
	onValue  interface{}
	offValue interface{}

	ctxt     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tp       common.TaskProcessor
	watchdog common.IntervalTimer

	// loop management
	loopLock   sync.Mutex
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	loopGen    uint64

	dropLogLimit *rate.Limiter

	// Only modified from the event loop
	state         State
	prevState     State
	target        State
	watchdogSeq   uint64
	pendingSeq    uint64
	lastErr       error
	lastValue     interface{}
	active        bool
	snapshotLock  sync.RWMutex
	snapshot      Snapshot
	observerLock  sync.Mutex
	stateObserver []StateObserver
}

/*
GetSynchronizer define a new Synchronizer

 @param config Config - control parameters
 @param conn core.Connection - the bus connection
 @param parentCtxt context.Context - parent context
 @return the Synchronizer
*/
func GetSynchronizer(
	config Config, conn core.Connection, parentCtxt context.Context,
) (Synchronizer, error) {
	logTags := log.Fields{"module": "control", "component": "synchronizer", "instance": config.ID}
	if config.OnPayload == nil || config.OffPayload == nil {
		err := fmt.Errorf("control %s requires both on and off payloads", config.ID)
		log.WithError(err).WithFields(logTags).Error("Unable to define control")
		return nil, err
	}
	onValue, err := common.NormalizePayload(config.OnPayload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to normalize on payload")
		return nil, err
	}
	offValue, err := common.NormalizePayload(config.OffPayload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to normalize off payload")
		return nil, err
	}
	if reflect.DeepEqual(onValue, offValue) {
		err := fmt.Errorf("control %s on and off payloads are identical", config.ID)
		log.WithError(err).WithFields(logTags).Error("Unable to define control")
		return nil, err
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = time.Second * 5
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Second * 5
	}

	ctxt, cancel := context.WithCancel(parentCtxt)
	instance := &synchronizerImpl{
		Component:     common.Component{LogTags: logTags},
		config:        config,
		conn:          conn,
		onValue:       onValue,
		offValue:      offValue,
		ctxt:          ctxt,
		cancel:        cancel,
		state:         StateUnknown,
		prevState:     StateUnknown,
		stateObserver: make([]StateObserver, 0),
		dropLogLimit:  rate.NewLimiter(rate.Every(time.Second*5), 1),
	}
	instance.snapshot = Snapshot{
		ID: config.ID, Mode: config.Mode, State: StateUnknown, Updated: time.Now(),
	}

	tp, err := common.GetNewTaskProcessorInstance(config.ID, 64, ctxt)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance.tp = tp
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(observedValueReq{}):   instance.processObservedValue,
		reflect.TypeOf(loopFailureReq{}):     instance.processLoopFailure,
		reflect.TypeOf(loopActiveReq{}):      instance.processLoopActive,
		reflect.TypeOf(toggleReq{}):          instance.processToggle,
		reflect.TypeOf(watchdogExpiredReq{}): instance.processWatchdogExpired,
	}); err != nil {
		cancel()
		return nil, err
	}

	watchdog, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-watchdog", config.ID), ctxt, &instance.wg,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define watchdog")
		return nil, err
	}
	instance.watchdog = watchdog
	return instance, nil
}

func (c *synchronizerImpl) ID() string {
	return c.config.ID
}

func (c *synchronizerImpl) Config() Config {
	return c.config
}

func (c *synchronizerImpl) Snapshot() Snapshot {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()
	return c.snapshot
}

func (c *synchronizerImpl) AddStateObserver(observer StateObserver) {
	c.observerLock.Lock()
	defer c.observerLock.Unlock()
	c.stateObserver = append(c.stateObserver, observer)
}

// publishSnapshot refresh the snapshot from the event loop owned fields, then notify the
// observers. Only called from the event loop.
func (c *synchronizerImpl) publishSnapshot() {
	snapshot := Snapshot{
		ID:        c.config.ID,
		Mode:      c.config.Mode,
		State:     c.state,
		LastValue: c.lastValue,
		Active:    c.active,
		Err:       c.lastErr,
		Updated:   time.Now(),
	}
	if c.state == StatePending {
		snapshot.Target = c.target
	}
	if c.lastErr != nil {
		snapshot.Error = c.lastErr.Error()
	}
	c.snapshotLock.Lock()
	c.snapshot = snapshot
	c.snapshotLock.Unlock()

	c.observerLock.Lock()
	observers := make([]StateObserver, len(c.stateObserver))
	copy(observers, c.stateObserver)
	c.observerLock.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

// matchValue map an observed value to on or off
func (c *synchronizerImpl) matchValue(value interface{}) (State, bool) {
	switch {
	case reflect.DeepEqual(value, c.onValue):
		return StateOn, true
	case reflect.DeepEqual(value, c.offValue):
		return StateOff, true
	default:
		return StateUnknown, false
	}
}

// ======================================================================================
// Lifecycle

func (c *synchronizerImpl) Start() error {
	if err := c.tp.StartEventLoop(&c.wg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to start event loop")
		return err
	}
	return c.startLoop()
}

func (c *synchronizerImpl) Restart() error {
	c.stopLoop()
	log.WithFields(c.LogTags).Info("Restarting state observation")
	return c.startLoop()
}

func (c *synchronizerImpl) Stop() error {
	c.stopLoop()
	if err := c.watchdog.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to stop watchdog")
	}
	if err := c.tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to stop event loop")
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// stopLoop cancel the running watch or subscription and wait for it to exit
func (c *synchronizerImpl) stopLoop() {
	c.loopLock.Lock()
	defer c.loopLock.Unlock()
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.loopWG.Wait()
}

// startLoop open the watch or subscription and start the observation loop
func (c *synchronizerImpl) startLoop() error {
	c.loopLock.Lock()
	defer c.loopLock.Unlock()

	gen := atomic.AddUint64(&c.loopGen, 1)
	loopCtxt, cancel := context.WithCancel(c.ctxt)

	var err error
	switch c.config.Mode {
	case ModeWatch:
		err = c.startWatch(loopCtxt, gen)
	case ModeSubscribe:
		err = c.startSubscribe(loopCtxt, gen)
	default:
		err = fmt.Errorf("unsupported control mode '%s'", c.config.Mode)
	}
	if err != nil {
		cancel()
		log.WithError(err).WithFields(c.LogTags).Error("Unable to observe control state")
		_ = c.tp.Submit(c.ctxt, loopFailureReq{gen: gen, err: err})
		return err
	}
	c.loopCancel = cancel
	return c.tp.Submit(c.ctxt, loopActiveReq{gen: gen})
}

// startWatch watch the KV key, then read its current value
func (c *synchronizerImpl) startWatch(ctxt context.Context, gen uint64) error {
	bucket, err := c.conn.KeyValue(ctxt, c.config.Bucket)
	if err != nil {
		return err
	}
	watcher, err := bucket.Watch(ctxt, c.config.Key)
	if err != nil {
		return err
	}
	current, err := bucket.Get(ctxt, c.config.Key)
	if err != nil && !errors.Is(err, core.ErrKeyNotFound) {
		_ = watcher.Stop()
		return err
	}
	if err == nil {
		c.submitObserved(ctxt, gen, current.Value)
	}

	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		defer func() { _ = watcher.Stop() }()
		for {
			entry, err := watcher.Next(ctxt)
			if err != nil {
				if ctxt.Err() == nil {
					_ = c.tp.Submit(c.ctxt, loopFailureReq{gen: gen, err: err})
				}
				return
			}
			if entry.Operation == core.KeyValueDelete {
				log.WithFields(c.LogTags).Warnf("Key %s deleted", c.config.Key)
				continue
			}
			c.submitObserved(ctxt, gen, entry.Value)
		}
	}()
	return nil
}

// startSubscribe subscribe to the state subject
func (c *synchronizerImpl) startSubscribe(ctxt context.Context, gen uint64) error {
	sub, err := c.conn.Subscribe(c.config.stateSubject())
	if err != nil {
		return err
	}

	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		defer func() { _ = sub.Unsubscribe() }()
		for {
			msg, err := sub.Next(ctxt)
			if err != nil && ctxt.Err() == nil && errors.Is(err, core.ErrMessagesDropped) {
				if c.dropLogLimit.Allow() {
					log.WithError(err).WithFields(c.LogTags).Warn("State subscription fell behind")
				}
				// An echo may be among the lost messages
				if c.config.QuerySubject != "" {
					c.loopWG.Add(1)
					go func() {
						defer c.loopWG.Done()
						c.queryState(ctxt, gen)
					}()
				}
				continue
			}
			if err != nil {
				if ctxt.Err() == nil {
					_ = c.tp.Submit(c.ctxt, loopFailureReq{gen: gen, err: err})
				}
				return
			}
			c.submitObserved(ctxt, gen, msg.Data)
		}
	}()

	if c.config.QuerySubject != "" {
		c.loopWG.Add(1)
		go func() {
			defer c.loopWG.Done()
			c.queryState(ctxt, gen)
		}()
	}
	return nil
}

// queryState ask the device for its current state. Echoes arriving later win.
func (c *synchronizerImpl) queryState(ctxt context.Context, gen uint64) {
	reply, err := c.conn.Request(ctxt, c.config.QuerySubject, nil, c.config.WriteTimeout)
	if err != nil {
		if ctxt.Err() == nil {
			log.WithError(err).WithFields(c.LogTags).Warnf(
				"State query on %s failed", c.config.QuerySubject,
			)
		}
		return
	}
	c.submitObserved(ctxt, gen, reply)
}

// submitObserved decode a raw observation and pass it to the event loop
func (c *synchronizerImpl) submitObserved(ctxt context.Context, gen uint64, data []byte) {
	value, err := common.DecodePayload(data)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Ignoring undecodable state value")
		return
	}
	if err := c.tp.Submit(ctxt, observedValueReq{gen: gen, value: value}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Observation dropped")
	}
}

// currentGen whether gen belongs to the running loop
func (c *synchronizerImpl) currentGen(gen uint64) bool {
	return atomic.LoadUint64(&c.loopGen) == gen
}

// ======================================================================================
// Event loop handlers

type observedValueReq struct {
	gen   uint64
	value interface{}
}

type loopFailureReq struct {
	gen uint64
	err error
}

type loopActiveReq struct {
	gen uint64
}

type toggleReq struct {
	ctxt     context.Context
	resultCB func(error)
}

type watchdogExpiredReq struct {
	seq uint64
}

// processObservedValue support TaskProcessor, handle observedValueReq
func (c *synchronizerImpl) processObservedValue(param interface{}) error {
	request, ok := param.(observedValueReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for observed value", reflect.TypeOf(param),
		)
	}
	if !c.currentGen(request.gen) {
		return nil
	}
	c.lastValue = request.value
	observed, matched := c.matchValue(request.value)
	if !matched {
		log.WithFields(c.LogTags).Infof("Observed value %v matches neither on nor off", request.value)
		c.publishSnapshot()
		return nil
	}

	if c.state == StatePending {
		if observed != c.target {
			// Someone else changed the state while the write is in flight
			c.prevState = observed
			c.publishSnapshot()
			return nil
		}
		c.pendingSeq = 0
		if err := c.watchdog.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to stop watchdog")
		}
		log.WithFields(c.LogTags).Debugf("Toggle to %s confirmed", observed)
	}
	c.state = observed
	c.lastErr = nil
	c.publishSnapshot()
	return nil
}

// processLoopFailure support TaskProcessor, handle loopFailureReq
func (c *synchronizerImpl) processLoopFailure(param interface{}) error {
	request, ok := param.(loopFailureReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for loop failure", reflect.TypeOf(param),
		)
	}
	if !c.currentGen(request.gen) {
		return nil
	}
	log.WithError(request.err).WithFields(c.LogTags).Error("State observation failed")
	c.active = false
	c.lastErr = request.err
	c.publishSnapshot()
	return nil
}

// processLoopActive support TaskProcessor, handle loopActiveReq
func (c *synchronizerImpl) processLoopActive(param interface{}) error {
	request, ok := param.(loopActiveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for loop active", reflect.TypeOf(param),
		)
	}
	if !c.currentGen(request.gen) {
		return nil
	}
	c.active = true
	c.publishSnapshot()
	return nil
}

// Toggle write the opposite of the current state
func (c *synchronizerImpl) Toggle(ctxt context.Context) error {
	resultChan := make(chan error, 1)
	request := toggleReq{
		ctxt: ctxt,
		resultCB: func(err error) {
			resultChan <- err
		},
	}
	if err := c.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(c.GetLogTagsForContext(ctxt)).Error("Unable to submit toggle")
		return err
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-c.ctxt.Done():
		return common.ErrEventLoopStopped
	}
}

// write send the payload to the backing store
func (c *synchronizerImpl) write(ctxt context.Context, payload interface{}) error {
	data, err := common.EncodePayload(payload)
	if err != nil {
		return err
	}
	writeCtxt, cancel := context.WithTimeout(ctxt, c.config.WriteTimeout)
	defer cancel()
	if c.config.Mode == ModeWatch {
		bucket, err := c.conn.KeyValue(writeCtxt, c.config.Bucket)
		if err != nil {
			return err
		}
		_, err = bucket.Put(writeCtxt, c.config.Key, data)
		return err
	}
	return c.conn.Publish(writeCtxt, c.config.Subject, data)
}

// processToggle support TaskProcessor, handle toggleReq
func (c *synchronizerImpl) processToggle(param interface{}) error {
	request, ok := param.(toggleReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for toggle", reflect.TypeOf(param))
	}
	logTags := c.GetLogTagsForContext(request.ctxt)

	if c.state == StatePending {
		request.resultCB(ErrTogglePending)
		return nil
	}

	target, payload := StateOn, c.config.OnPayload
	if c.state == StateOn {
		target, payload = StateOff, c.config.OffPayload
	}
	c.prevState = c.state
	c.target = target
	c.state = StatePending
	c.lastErr = nil
	c.publishSnapshot()

	if err := c.write(request.ctxt, payload); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Write of %s failed", target)
		c.state = c.prevState
		c.lastErr = err
		c.publishSnapshot()
		request.resultCB(err)
		return nil
	}

	if c.config.FireAndForget {
		c.state = target
		c.publishSnapshot()
		request.resultCB(nil)
		return nil
	}

	c.watchdogSeq++
	c.pendingSeq = c.watchdogSeq
	seq := c.watchdogSeq
	if err := c.watchdog.Start(c.config.ConfirmTimeout, func() error {
		return c.tp.Submit(c.ctxt, watchdogExpiredReq{seq: seq})
	}, true); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to arm watchdog")
	}
	log.WithFields(logTags).Debugf("Wrote %s, waiting for confirmation", target)
	request.resultCB(nil)
	return nil
}

// processWatchdogExpired support TaskProcessor, handle watchdogExpiredReq
func (c *synchronizerImpl) processWatchdogExpired(param interface{}) error {
	request, ok := param.(watchdogExpiredReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for watchdog expiry", reflect.TypeOf(param),
		)
	}
	if c.state != StatePending || request.seq != c.pendingSeq {
		return nil
	}
	log.WithFields(c.LogTags).Warnf("Toggle to %s not confirmed", c.target)
	c.pendingSeq = 0
	c.state = c.prevState
	c.lastErr = ErrConfirmTimeout
	c.publishSnapshot()
	return nil
}

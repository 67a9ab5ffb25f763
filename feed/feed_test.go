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

package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/control"
	"github.com/alwitt/natsdash/core"
	"github.com/alwitt/natsdash/core/coretest"
	"github.com/alwitt/natsdash/extract"
	"github.com/alwitt/natsdash/ingest"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeedConfig() common.FeedConfig {
	return common.FeedConfig{
		Ingest: common.IngestConfig{
			MaxQueueSize:            5000,
			DropBatch:               1000,
			FlushIntervalMsec:       5,
			OverflowWarnIntervalSec: 5,
		},
		Buffer: common.BufferConfig{
			DefaultCapacity:       100,
			MaxCapacity:           2000,
			GlobalMaxMessages:     20000,
			PruneFraction:         0.2,
			PruneMinEntries:       10,
			PressureHighWatermark: 0.9,
			PressureLowWatermark:  0.75,
		},
		Control: common.ControlConfig{ConfirmTimeoutSec: 5, WriteTimeoutSec: 5},
		Layout:  common.LayoutConfig{LoadTimeoutSec: 5},
	}
}

func waitForBuffered(t *testing.T, uut Feed, consumerID string, count int) {
	assert.Eventually(t, func() bool {
		msgs, err := uut.GetBuffer(consumerID)
		return err == nil && len(msgs) == count
	}, time.Second, time.Millisecond*5, "expected %d buffered for %s", count, consumerID)
}

func TestFeedConsumers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	uut, err := GetFeed("ut-consumers", conn, testFeedConfig(), utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Stop() }()

	// Case 0: invalid registration
	assert.NotNil(uut.RegisterConsumer(utCtxt, ConsumerConfig{ID: "gauge"}))
	assert.NotNil(uut.RegisterConsumer(utCtxt, ConsumerConfig{Subject: "x"}))

	// Case 1: two consumers share one subscription
	assert.Nil(uut.RegisterConsumer(utCtxt, ConsumerConfig{
		ID: "gauge", Subject: "boiler", Path: "$.temp", Capacity: 3,
	}))
	assert.Nil(uut.RegisterConsumer(utCtxt, ConsumerConfig{
		ID: "chart", Subject: "boiler", Path: "pressure",
	}))
	assert.Equal(1, conn.SubscribeCount("boiler"))
	assert.Len(uut.Consumers(), 2)

	// Case 2: values flow to the buffers
	for itr := 0; itr < 5; itr++ {
		conn.Inject("boiler", []byte(`{"temp": 80, "pressure": 2.5}`))
	}
	conn.Inject("boiler", []byte(`{"temp": 81, "pressure": 2.6}`))
	waitForBuffered(t, uut, "chart", 6)
	assert.Eventually(func() bool {
		return uut.GetLatest("gauge") == 81.0
	}, time.Second, time.Millisecond*5)
	waitForBuffered(t, uut, "gauge", 3)
	assert.Equal(2.6, uut.GetLatest("chart"))
	assert.True(extract.IsNotFound(uut.GetLatest("unknown")))
	_, err = uut.GetBuffer("unknown")
	assert.Equal(ErrUnknownConsumer, err)

	diag := uut.Diagnostics()
	assert.Equal(2, diag.ActiveBuffers)
	assert.Equal(9, diag.TotalBuffered)
	assert.Equal(1, diag.ActiveSubjects)
	assert.Equal(2, diag.Consumers)
	assert.False(diag.MemoryPressure)

	// Case 3: moving a consumer to another subject
	assert.Nil(uut.RegisterConsumer(utCtxt, ConsumerConfig{
		ID: "chart", Subject: "chiller", Path: "pressure",
	}))
	assert.Equal(1, conn.SubscribeCount("chiller"))
	assert.Equal(1, conn.ActiveSubscriptions("boiler"))
	config, err := uut.Consumer("chart")
	assert.Nil(err)
	assert.Equal("chiller", config.Subject)

	// Case 4: unregister
	assert.Nil(uut.UnregisterConsumer(utCtxt, "gauge"))
	assert.Equal(ErrUnknownConsumer, uut.UnregisterConsumer(utCtxt, "gauge"))
	assert.Equal(1, conn.UnsubscribeCount("boiler"))
	assert.True(extract.IsNotFound(uut.GetLatest("gauge")))
	_, err = uut.Consumer("gauge")
	assert.Equal(ErrUnknownConsumer, err)
}

func TestFeedDiscardsItemsForRemovedConsumers(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	uut, err := GetFeed("ut-late-items", conn, testFeedConfig(), utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Stop() }()

	assert.Nil(uut.RegisterConsumer(utCtxt, ConsumerConfig{ID: "live", Subject: "s"}))

	impl, ok := uut.(*feedImpl)
	require.True(t, ok)
	impl.ApplyBatch([]ingest.Item{
		{ConsumerID: "live", Value: 1.0, Timestamp: time.Now()},
		{ConsumerID: "gone", Value: 2.0, Timestamp: time.Now()},
	})
	diag := uut.Diagnostics()
	assert.Equal(1, diag.ActiveBuffers)
	assert.Equal(1, diag.TotalBuffered)
}

func TestFeedControls(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	uut, err := GetFeed("ut-controls", conn, testFeedConfig(), utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Stop() }()

	config := control.Config{
		ID:         "lamp",
		Mode:       control.ModeSubscribe,
		Subject:    "lamp",
		OnPayload:  "on",
		OffPayload: "off",
	}

	// Case 0: invalid config
	_, err = uut.StartControl(utCtxt, control.Config{ID: "bad", Mode: control.ModeWatch})
	assert.NotNil(err)

	// Case 1: start, and start again
	ctrl, err := uut.StartControl(utCtxt, config)
	require.Nil(t, err)
	assert.Equal(time.Second*5, ctrl.Config().ConfirmTimeout)
	_, err = uut.StartControl(utCtxt, config)
	assert.Equal(ErrControlExists, err)

	// Case 2: toggle echoes on the same subject
	assert.Nil(ctrl.Toggle(utCtxt))
	assert.Eventually(func() bool {
		return ctrl.Snapshot().State == control.StateOn
	}, time.Second, time.Millisecond*5)
	snapshots := uut.Controls()
	assert.Len(snapshots, 1)
	assert.Equal("lamp", snapshots[0].ID)
	assert.Equal(1, uut.Diagnostics().Controls)

	// Case 3: stop
	assert.Nil(uut.StopControl(utCtxt, "lamp"))
	assert.Equal(ErrUnknownControl, uut.StopControl(utCtxt, "lamp"))
	_, err = uut.Control("lamp")
	assert.Equal(ErrUnknownControl, err)
	assert.Equal(0, conn.ActiveSubscriptions("lamp"))
}

func TestFeedReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	uut, err := GetFeed("ut-reconnect", conn, testFeedConfig(), utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Stop() }()

	assert.Nil(uut.RegisterConsumer(utCtxt, ConsumerConfig{ID: "w", Subject: "data"}))
	ctrl, err := uut.StartControl(utCtxt, control.Config{
		ID: "sw", Mode: control.ModeSubscribe, Subject: "sw", OnPayload: 1, OffPayload: 0,
	})
	require.Nil(t, err)

	// Case 0: connection loss
	conn.DropAllSubscriptions()
	assert.Eventually(func() bool {
		return !ctrl.Snapshot().Active && uut.Diagnostics().Multiplex.InactiveSubjects == 1
	}, time.Second, time.Millisecond*5)

	// Case 1: other events are ignored
	uut.HandleConnectionEvent(core.Disconnected, nil)
	assert.Equal(1, conn.SubscribeCount("data"))

	// Case 2: reconnect re-arms everything
	uut.HandleConnectionEvent(core.Reconnected, nil)
	assert.Equal(2, conn.SubscribeCount("data"))
	assert.Equal(2, conn.SubscribeCount("sw"))
	conn.Inject("data", []byte("1"))
	conn.Inject("sw", []byte("1"))
	waitForBuffered(t, uut, "w", 1)
	assert.Eventually(func() bool {
		return ctrl.Snapshot().State == control.StateOn && ctrl.Snapshot().Active
	}, time.Second, time.Millisecond*5)
}

func TestFeedLoadLayout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	layout := conn.Bucket("layout")
	blueprints := map[string]string{
		"widget-temp": `{"kind":"consumer","id":"temp","subject":"env.temp","path":"$.c","capacity":50}`,
		"widget-fan": `{"kind":"control","id":"fan","mode":"watch","bucket":"state","key":"fan",` +
			`"on_payload":{"fan":true},"off_payload":{"fan":false}}`,
		"widget-odd": `{"kind":"sparkline"}`,
		"widget-bad": `not json`,
	}
	for key, value := range blueprints {
		_, err := layout.Put(utCtxt, key, []byte(value))
		require.Nil(t, err)
	}

	uut, err := GetFeed("ut-layout", conn, testFeedConfig(), utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Stop() }()

	// Case 0: good blueprints load, bad ones are reported
	assert.NotNil(uut.LoadLayout(utCtxt, "layout"))
	config, err := uut.Consumer("temp")
	assert.Nil(err)
	assert.Equal("env.temp", config.Subject)
	assert.Equal(50, config.Capacity)
	ctrl, err := uut.Control("fan")
	assert.Nil(err)
	assert.Equal(control.ModeWatch, ctrl.Config().Mode)

	// Case 1: loaded consumer receives data
	conn.Inject("env.temp", []byte(`{"c": 19.5}`))
	waitForBuffered(t, uut, "temp", 1)
	assert.Equal(19.5, uut.GetLatest("temp"))

	// Case 2: empty bucket
	assert.Nil(uut.LoadLayout(utCtxt, "empty"))
}

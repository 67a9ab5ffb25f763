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

package multiplex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/natsdash/core"
	"github.com/alwitt/natsdash/core/coretest"
	"github.com/alwitt/natsdash/extract"
	"github.com/alwitt/natsdash/ingest"
	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelSink struct {
	rxChan chan ingest.Item
}

func (s channelSink) Enqueue(item ingest.Item) {
	s.rxChan <- item
}

func waitForItem(t *testing.T, rxChan chan ingest.Item) ingest.Item {
	select {
	case item := <-rxChan:
		return item
	case <-time.After(time.Second):
		require.FailNow(t, "no item delivered")
	}
	return ingest.Item{}
}

func assertNoItem(t *testing.T, rxChan chan ingest.Item) {
	select {
	case item := <-rxChan:
		assert.Failf(t, "unexpected item", "%v", item)
	case <-time.After(time.Millisecond * 50):
	}
}

func TestMultiplexerDedup(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 100)}
	uut, err := GetMultiplexer("ut-dedup", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	subject := "sensors.temp"

	// Case 0: N consumers on one subject share one bus subscription
	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.Subscribe(fmt.Sprintf("widget-%d", itr), subject, ""))
	}
	assert.Equal(1, conn.SubscribeCount(subject))
	assert.Equal(3, uut.ListenerCount(subject))
	assert.Equal([]string{subject}, uut.Subjects())

	// Case 1: re-registering replaces the path
	assert.Nil(uut.Subscribe("widget-0", subject, "$.v"))
	assert.Equal(1, conn.SubscribeCount(subject))
	assert.Equal(3, uut.ListenerCount(subject))

	// Case 2: removing all but the last keeps the subscription
	uut.Unsubscribe("widget-0", subject)
	uut.Unsubscribe("widget-1", subject)
	assert.Equal(0, conn.UnsubscribeCount(subject))
	assert.Equal(1, conn.ActiveSubscriptions(subject))

	// Case 3: last listener cancels the bus subscription exactly once
	uut.Unsubscribe("widget-2", subject)
	assert.Equal(1, conn.UnsubscribeCount(subject))
	assert.Equal(0, conn.ActiveSubscriptions(subject))
	assert.Empty(uut.Subjects())

	// Case 4: repeated and unknown unsubscribes are no-ops
	uut.Unsubscribe("widget-2", subject)
	uut.Unsubscribe("widget-9", "never.subscribed")
	assert.Equal(1, conn.UnsubscribeCount(subject))

	// Case 5: subscribing again opens a fresh subscription
	assert.Nil(uut.Subscribe("widget-0", subject, ""))
	assert.Equal(2, conn.SubscribeCount(subject))
}

func TestMultiplexerFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 100)}
	uut, err := GetMultiplexer("ut-fanout", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	subject := "plant.line1"
	assert.Nil(uut.Subscribe("widget-a", subject, "$.a"))
	assert.Nil(uut.Subscribe("widget-b", subject, "$.b"))
	assert.Nil(uut.Subscribe("widget-c", subject, "$.missing"))

	// Case 0: every listener receives its own extracted value
	conn.Inject(subject, []byte(`{"a": 1, "b": "two"}`))
	received := map[string]ingest.Item{}
	for itr := 0; itr < 3; itr++ {
		item := waitForItem(t, sink.rxChan)
		received[item.ConsumerID] = item
	}
	assert.Equal(1.0, received["widget-a"].Value)
	assert.Equal("two", received["widget-b"].Value)
	assert.True(extract.IsNotFound(received["widget-c"].Value))
	for _, item := range received {
		assert.Equal(subject, item.Subject)
		assert.Equal(map[string]interface{}{"a": 1.0, "b": "two"}, item.Raw)
	}

	// Case 1: undecodable bytes are skipped without tearing down the subscription
	conn.Inject(subject, []byte{0xff, 0xfe, 0xfd})
	assertNoItem(t, sink.rxChan)
	assert.Equal(uint64(1), uut.Stats().DecodeFailures)

	// Case 2: plain text is delivered as raw text
	uut.Unsubscribe("widget-a", subject)
	uut.Unsubscribe("widget-b", subject)
	uut.Unsubscribe("widget-c", subject)
	assert.Nil(uut.Subscribe("widget-a", subject, ""))
	conn.Inject(subject, []byte("hello"))
	item := waitForItem(t, sink.rxChan)
	assert.Equal("hello", item.Value)
	assert.Equal("hello", item.Raw)
}

func TestMultiplexerSubjectOrder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 1000)}
	uut, err := GetMultiplexer("ut-order", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	subject := "counter"
	assert.Nil(uut.Subscribe("widget-0", subject, "$.n"))
	for itr := 0; itr < 200; itr++ {
		conn.Inject(subject, []byte(fmt.Sprintf(`{"n": %d}`, itr)))
	}
	for itr := 0; itr < 200; itr++ {
		item := waitForItem(t, sink.rxChan)
		assert.Equal(float64(itr), item.Value)
	}
}

func TestMultiplexerConnectivity(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 100)}
	uut, err := GetMultiplexer("ut-reconnect", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	// Case 0: subscribe failure surfaces to the caller and leaves no ref
	conn.FailSubscribe(fmt.Errorf("not connected"))
	assert.NotNil(uut.Subscribe("widget-0", "alpha", ""))
	assert.Empty(uut.Subjects())
	conn.FailSubscribe(nil)

	assert.Nil(uut.Subscribe("widget-0", "alpha", ""))
	assert.Nil(uut.Subscribe("widget-1", "beta", ""))

	// Case 1: connection loss marks subscriptions inactive
	conn.DropAllSubscriptions()
	assert.Eventually(func() bool {
		return uut.Stats().InactiveSubjects == 2
	}, time.Second, time.Millisecond*5)

	// Case 2: failed resubscribe is reported
	conn.FailSubscribe(fmt.Errorf("still down"))
	assert.NotNil(uut.Resubscribe())
	assert.Equal(2, uut.Stats().InactiveSubjects)
	conn.FailSubscribe(nil)

	// Case 3: resubscribe restores delivery with the same listeners
	assert.Nil(uut.Resubscribe())
	stats := uut.Stats()
	assert.Equal(2, stats.ActiveSubjects)
	assert.Equal(2, stats.Listeners)
	assert.Equal(2, conn.SubscribeCount("alpha"))
	conn.Inject("beta", []byte("42"))
	item := waitForItem(t, sink.rxChan)
	assert.Equal("widget-1", item.ConsumerID)
	assert.Equal(42.0, item.Value)

	// Case 4: close cancels everything
	assert.Nil(uut.Close())
	assert.Equal(0, conn.ActiveSubscriptions("alpha"))
	assert.Equal(0, conn.ActiveSubscriptions("beta"))
}

// captureLogs route apex/log into a memory handler until the returned restore is called
func captureLogs() (*memory.Handler, func()) {
	logger := log.Log.(*log.Logger)
	prev := logger.Handler
	handler := memory.New()
	logger.Handler = handler
	return handler, func() { logger.Handler = prev }
}

func countEntries(handler *memory.Handler, msg string) int {
	count := 0
	for _, entry := range handler.Entries {
		if entry.Message == msg {
			count++
		}
	}
	return count
}

func TestMultiplexerRecovery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 100)}
	uut, err := GetMultiplexer("ut-recovery", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	assert.Nil(uut.Subscribe("widget-0", "alpha", ""))

	// Case 0: dropped messages do not end the subscription
	conn.ReportDrops("alpha")
	conn.Inject("alpha", []byte("1"))
	item := waitForItem(t, sink.rxChan)
	assert.Equal(1.0, item.Value)
	stats := uut.Stats()
	assert.Equal(uint64(1), stats.BusDrops)
	assert.Equal(1, stats.ActiveSubjects)
	assert.Equal(1, conn.SubscribeCount("alpha"))

	// Case 1: lose the subscription
	conn.DropAllSubscriptions()
	assert.Eventually(func() bool {
		return uut.Stats().InactiveSubjects == 1
	}, time.Second, time.Millisecond*5)

	// Case 2: a new listener on the dead subject fails to reopen it and is not kept
	conn.FailSubscribe(fmt.Errorf("still down"))
	assert.NotNil(uut.Subscribe("widget-1", "alpha", ""))
	assert.Equal(1, uut.ListenerCount("alpha"))
	assert.Equal(1, uut.Stats().InactiveSubjects)
	conn.FailSubscribe(nil)

	// Case 3: a new listener on the dead subject reopens it
	assert.Nil(uut.Subscribe("widget-1", "alpha", ""))
	stats = uut.Stats()
	assert.Equal(1, stats.ActiveSubjects)
	assert.Equal(0, stats.InactiveSubjects)
	assert.Equal(2, stats.Listeners)
	conn.Inject("alpha", []byte("2"))
	received := map[string]interface{}{}
	for itr := 0; itr < 2; itr++ {
		item := waitForItem(t, sink.rxChan)
		received[item.ConsumerID] = item.Value
	}
	assert.Equal(map[string]interface{}{"widget-0": 2.0, "widget-1": 2.0}, received)
}

func TestMultiplexerWarningRateLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := coretest.NewFakeConnection()
	sink := channelSink{rxChan: make(chan ingest.Item, 100)}
	uut, err := GetMultiplexer("ut-warn", conn, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()
	assert.Nil(uut.Subscribe("widget-0", "alpha", ""))

	logs, restore := captureLogs()
	defer restore()

	// Case 0: repeated undecodable messages warn once
	for itr := 0; itr < 5; itr++ {
		conn.Inject("alpha", []byte{0xff, 0xfe})
	}
	conn.Inject("alpha", []byte("1"))
	waitForItem(t, sink.rxChan)
	assert.Equal(uint64(5), uut.Stats().DecodeFailures)

	// Case 1: repeated drops warn once
	for itr := 0; itr < 3; itr++ {
		conn.ReportDrops("alpha")
		conn.Inject("alpha", []byte("2"))
		waitForItem(t, sink.rxChan)
	}
	assert.Equal(uint64(3), uut.Stats().BusDrops)

	restore()
	assert.Equal(1, countEntries(logs, "Dropping undecodable message"))
	assert.Equal(1, countEntries(logs, "Subscription fell behind"))
}

type gatedSink struct {
	gate   chan struct{}
	rxChan chan ingest.Item
}

func (s gatedSink) Enqueue(item ingest.Item) {
	<-s.gate
	s.rxChan <- item
}

func TestMultiplexerBurstOnBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	defer srv.Shutdown()

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		PendingMsgLimit:     16,
	})
	require.Nil(t, err)
	defer client.Close(utCtxt)

	sink := gatedSink{gate: make(chan struct{}), rxChan: make(chan ingest.Item, 1000)}
	uut, err := GetMultiplexer("ut-burst", client, extract.GetExtractor(), sink, utCtxt)
	require.Nil(t, err)
	defer func() { _ = uut.Close() }()

	subject := "ut." + uuid.New().String()
	assert.Nil(uut.Subscribe("widget-0", subject, ""))

	// Case 0: burst while the sink is stalled
	for itr := 0; itr < 500; itr++ {
		require.Nil(t, client.Publish(utCtxt, subject, []byte("1")))
	}
	close(sink.gate)
	assert.Eventually(func() bool {
		return uut.Stats().BusDrops >= 1
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(1, uut.Stats().ActiveSubjects)

	// Case 1: traffic after the burst is still delivered
	for itr := 0; itr < 10; itr++ {
		require.Nil(t, client.Publish(utCtxt, subject, []byte("2")))
	}
	delivered := 0
	timeout := time.After(time.Second * 2)
	for delivered < 10 {
		select {
		case item := <-sink.rxChan:
			if item.Value == 2.0 {
				delivered++
			}
		case <-timeout:
			require.FailNowf(t, "post-burst delivery", "%d of 10 delivered", delivered)
		}
	}
	assert.Equal(1, uut.Stats().ActiveSubjects)
}

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

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigLoading(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("nats://127.0.0.1:4222", cfg.NATS.ServerURI)
		assert.Equal(1024*1024, cfg.NATS.Subscription.PendingMsgLimit)
		assert.Equal(5000, cfg.Feed.Ingest.MaxQueueSize)
		assert.Equal(1000, cfg.Feed.Ingest.DropBatch)
		assert.Equal(time.Millisecond*16, cfg.Feed.Ingest.FlushInterval())
		assert.Equal(100, cfg.Feed.Buffer.DefaultCapacity)
		assert.Equal(2000, cfg.Feed.Buffer.MaxCapacity)
		assert.Equal(20000, cfg.Feed.Buffer.GlobalMaxMessages)
		assert.Equal(time.Second*5, cfg.Feed.Control.ConfirmTimeout())
		assert.Equal("Natsdash-Request-ID", cfg.API.HTTPSetting.Logging.RequestIDHeader)
	}

	// Case 2: invalid listen address
	{
		config := []byte(`---
api:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: drop batch larger than the queue
	{
		config := []byte(`---
feed:
  ingest:
    max_queue_size: 10
    drop_batch: 20`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: pressure watermarks out of order
	{
		config := []byte(`---
feed:
  buffer:
    pressure_high_watermark: 0.5
    pressure_low_watermark: 0.8`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid overrides
	{
		config := []byte(`---
nats:
  server_uri: nats://nats.internal:4222
  kv_buckets:
    - dashboard-state
feed:
  layout:
    bucket: dashboard-layout`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("nats://nats.internal:4222", cfg.NATS.ServerURI)
		assert.Equal([]string{"dashboard-state"}, cfg.NATS.KVBuckets)
		assert.Equal("dashboard-layout", cfg.Feed.Layout.Bucket)
	}
}

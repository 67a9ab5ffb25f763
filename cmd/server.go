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

// Package cmd runs the widget data feed server
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/natsdash/apis"
	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/core"
	"github.com/alwitt/natsdash/feed"
	"github.com/alwitt/natsdash/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
RunFeedServer run the widget data feed server until the runtime context is cancelled

 @param runtimeContext context.Context - the runtime context
 @param config *common.SystemConfig - system config
 @param instance string - instance name
 @param natsClient *core.NatsClient - NATS client
 @param wg *sync.WaitGroup - wait group tracking the server's goroutines
*/
func RunFeedServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "feed-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// Make sure the KV buckets the widgets depend on exist
	for _, bucket := range config.NATS.KVBuckets {
		bucketCtxt, cancel := context.WithTimeout(
			runtimeContext, time.Second*time.Duration(config.NATS.ConnectTimeout),
		)
		err := natsClient.EnsureKeyValueBucket(bucketCtxt, bucket)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to prepare KV bucket %s", bucket)
			return err
		}
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	dataFeed, err := feed.GetFeed(instance, natsClient, config.Feed, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define widget feed")
		return err
	}
	defer func() {
		if err := dataFeed.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Feed shutdown failure")
		}
	}()
	natsClient.RegisterEventHandler(dataFeed.HandleConnectionEvent)

	if config.Feed.Layout.Bucket != "" {
		layoutCtxt, cancel := context.WithTimeout(
			runtimeContext, time.Second*time.Duration(config.Feed.Layout.LoadTimeoutSec),
		)
		err := dataFeed.LoadLayout(layoutCtxt, config.Feed.Layout.Bucket)
		cancel()
		if err != nil {
			// A partially loaded layout still serves the widgets which did load
			log.WithError(err).WithFields(logTags).Errorf(
				"Layout from %s not fully loaded", config.Feed.Layout.Bucket,
			)
		}
	}

	feedMetrics, err := metrics.GetFeedMetrics(dataFeed, true)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	httpHandler, err := apis.GetAPIRestFeedHandler(
		localCtxt,
		dataFeed,
		feedMetrics.Handler(),
		func() error {
			if !natsClient.NATs().IsConnected() {
				return fmt.Errorf("not connected to %s", config.NATS.ServerURI)
			}
			return nil
		},
		&config.API.HTTPSetting,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router, config.API.PathPrefix)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

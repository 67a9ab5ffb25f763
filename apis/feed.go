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

// Package apis is the REST and websocket surface of the widget data feed
package apis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/natsdash/buffer"
	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/control"
	"github.com/alwitt/natsdash/extract"
	"github.com/alwitt/natsdash/feed"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessCheck reports whether the feed can currently reach the bus
type ReadinessCheck func() error

// APIRestFeedHandler REST handler for the widget data feed
type APIRestFeedHandler struct {
	goutils.RestAPIHandler
	feed             feed.Feed
	metrics          http.Handler
	readiness        ReadinessCheck
	validate         *validator.Validate
	upgrader         websocket.Upgrader
	streams          *streamRegistry
	streamWriteLimit time.Duration
	baseContext      context.Context
	wg               *sync.WaitGroup
}

/*
GetAPIRestFeedHandler define APIRestFeedHandler

 @param baseContext context.Context - websocket streams are closed when this is cancelled
 @param dataFeed feed.Feed - the widget data feed
 @param metrics http.Handler - the metrics scrape handler. Nil to disable.
 @param readiness ReadinessCheck - readiness check. Nil to always report ready.
 @param httpConfig *common.HTTPConfig - HTTP API / server parameters
 @param wg *sync.WaitGroup - tracks the websocket stream sessions
 @return the handler
*/
func GetAPIRestFeedHandler(
	baseContext context.Context,
	dataFeed feed.Feed,
	metrics http.Handler,
	readiness ReadinessCheck,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestFeedHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "feed",
	}
	streamWriteLimit := time.Second * time.Duration(httpConfig.Server.WriteTimeout)
	if streamWriteLimit <= 0 {
		streamWriteLimit = time.Second * 10
	}
	streams := &streamRegistry{sessions: map[string]map[*streamSession]bool{}}
	dataFeed.AddBatchObserver(streams.onBatch)
	return APIRestFeedHandler{
		RestAPIHandler:   defineRestAPIHandler(logTags, httpConfig),
		feed:             dataFeed,
		metrics:          metrics,
		readiness:        readiness,
		validate:         validator.New(),
		upgrader:         websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		streams:          streams,
		streamWriteLimit: streamWriteLimit,
		baseContext:      baseContext,
		wg:               wg,
	}, nil
}

/*
RegisterRoutes install the feed end-points on a router

 @param parentRouter *mux.Router - the router
 @param pathPrefix string - the end-point path prefix
*/
func (h APIRestFeedHandler) RegisterRoutes(parentRouter *mux.Router, pathPrefix string) {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	// Consumers
	consumerRouter := RegisterPathPrefix(mainRouter, "/v1/consumer", map[string]http.HandlerFunc{
		"post": h.RegisterConsumerHandler(),
		"get":  h.ListConsumersHandler(),
	})
	perConsumerRouter := RegisterPathPrefix(
		consumerRouter, "/{consumerID}", map[string]http.HandlerFunc{
			"get":    h.GetConsumerHandler(),
			"delete": h.UnregisterConsumerHandler(),
		},
	)
	_ = RegisterPathPrefix(perConsumerRouter, "/latest", map[string]http.HandlerFunc{
		"get": h.GetLatestHandler(),
	})
	_ = RegisterPathPrefix(perConsumerRouter, "/stream", map[string]http.HandlerFunc{
		"get": h.StreamConsumerHandler(),
	})

	// Controls
	controlRouter := RegisterPathPrefix(mainRouter, "/v1/control", map[string]http.HandlerFunc{
		"post": h.StartControlHandler(),
		"get":  h.ListControlsHandler(),
	})
	perControlRouter := RegisterPathPrefix(
		controlRouter, "/{controlID}", map[string]http.HandlerFunc{
			"get":    h.GetControlHandler(),
			"delete": h.StopControlHandler(),
		},
	)
	_ = RegisterPathPrefix(perControlRouter, "/toggle", map[string]http.HandlerFunc{
		"post": h.ToggleControlHandler(),
	})

	// Diagnostics
	_ = RegisterPathPrefix(mainRouter, "/v1/diagnostics", map[string]http.HandlerFunc{
		"get": h.DiagnosticsHandler(),
	})
	if h.metrics != nil {
		_ = RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
			"get": h.metrics.ServeHTTP,
		})
	}

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": h.ReadyHandler(),
	})

	parentRouter.Use(func(next http.Handler) http.Handler {
		withParam := attachRequestParam(
			h.RestAPIHandler, *h.CallRequestIDHeaderField, next.ServeHTTP,
		)
		logged := h.LoggingMiddleware(withParam)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Websocket upgrades must reach the handler with the original writer
			if websocket.IsWebSocketUpgrade(r) {
				withParam(w, r)
				return
			}
			logged(w, r)
		})
	})
}

// errorStatus map a feed error to a HTTP status code
func errorStatus(err error) int {
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, feed.ErrUnknownConsumer), errors.Is(err, feed.ErrUnknownControl):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrControlExists), errors.Is(err, control.ErrTogglePending):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readPathParam read a named path parameter
func (h APIRestFeedHandler) readPathParam(r *http.Request, name string) (string, bool) {
	value, ok := mux.Vars(r)[name]
	return value, ok && value != ""
}

// =======================================================================
// Consumers

// RegisterConsumer godoc
// @Summary Register a consumer
// @Description Register a widget consumer of a subject, or move an existing one
// @tags Consumer
// @Accept json
// @Produce json
// @Param consumer body feed.ConsumerConfig true "Consumer registration"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/consumer [post]
func (h APIRestFeedHandler) RegisterConsumer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params feed.ConsumerConfig
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid consumer registration"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	if err := h.feed.RegisterConsumer(r.Context(), params); err != nil {
		msg := "Failed to register consumer"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RegisterConsumerHandler Wrapper around RegisterConsumer
func (h APIRestFeedHandler) RegisterConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterConsumer(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespAllConsumers response for listing all consumers
type APIRestRespAllConsumers struct {
	goutils.RestAPIBaseResponse
	// Consumers the registered consumers
	Consumers []feed.ConsumerConfig `json:"consumers"`
}

// ListConsumers godoc
// @Summary List consumers
// @Description List all registered widget consumers
// @tags Consumer
// @Produce json
// @Success 200 {object} APIRestRespAllConsumers "success"
// @Router /v1/consumer [get]
func (h APIRestFeedHandler) ListConsumers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespAllConsumers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Consumers: h.feed.Consumers(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListConsumersHandler Wrapper around ListConsumers
func (h APIRestFeedHandler) ListConsumersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListConsumers(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespConsumer response for reading one consumer
type APIRestRespConsumer struct {
	goutils.RestAPIBaseResponse
	// Consumer the registration
	Consumer feed.ConsumerConfig `json:"consumer"`
	// Messages the buffered messages, oldest first
	Messages []buffer.Message `json:"messages"`
}

// GetConsumer godoc
// @Summary Read a consumer
// @Description Read a consumer's registration and its buffered messages
// @tags Consumer
// @Produce json
// @Param consumerID path string true "Consumer ID"
// @Success 200 {object} APIRestRespConsumer "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/consumer/{consumerID} [get]
func (h APIRestFeedHandler) GetConsumer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	consumerID, ok := h.readPathParam(r, "consumerID")
	if !ok {
		msg := "No consumer ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	consumer, err := h.feed.Consumer(consumerID)
	if err != nil {
		msg := "Unable to read consumer"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, consumerID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	messages, err := h.feed.GetBuffer(consumerID)
	if err != nil {
		msg := "Unable to read consumer buffer"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, consumerID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConsumer{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Consumer: consumer,
		Messages: messages,
	}
}

// GetConsumerHandler Wrapper around GetConsumer
func (h APIRestFeedHandler) GetConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConsumer(w, r)
	}
}

// -----------------------------------------------------------------------

// UnregisterConsumer godoc
// @Summary Unregister a consumer
// @Description Remove a consumer and discard its buffer
// @tags Consumer
// @Produce json
// @Param consumerID path string true "Consumer ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/consumer/{consumerID} [delete]
func (h APIRestFeedHandler) UnregisterConsumer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	consumerID, ok := h.readPathParam(r, "consumerID")
	if !ok {
		msg := "No consumer ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	if err := h.feed.UnregisterConsumer(r.Context(), consumerID); err != nil {
		msg := "Failed to unregister consumer"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, consumerID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnregisterConsumerHandler Wrapper around UnregisterConsumer
func (h APIRestFeedHandler) UnregisterConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnregisterConsumer(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespLatest response for reading the latest value of a consumer
type APIRestRespLatest struct {
	goutils.RestAPIBaseResponse
	// Found whether the consumer has any value buffered
	Found bool `json:"found"`
	// Value the latest value. Null when nothing is buffered.
	Value interface{} `json:"value"`
}

// GetLatest godoc
// @Summary Read the latest value
// @Description Read the most recently buffered value of a consumer
// @tags Consumer
// @Produce json
// @Param consumerID path string true "Consumer ID"
// @Success 200 {object} APIRestRespLatest "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/consumer/{consumerID}/latest [get]
func (h APIRestFeedHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	consumerID, ok := h.readPathParam(r, "consumerID")
	if !ok {
		msg := "No consumer ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}
	if _, err := h.feed.Consumer(consumerID); err != nil {
		msg := "Unable to read consumer"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, consumerID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	value := h.feed.GetLatest(consumerID)
	respCode = http.StatusOK
	respBody = APIRestRespLatest{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Found: !extract.IsNotFound(value),
		Value: value,
	}
}

// GetLatestHandler Wrapper around GetLatest
func (h APIRestFeedHandler) GetLatestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetLatest(w, r)
	}
}

// -----------------------------------------------------------------------

// APIStreamUpdate websocket message pushed to a consumer stream
type APIStreamUpdate struct {
	// ConsumerID the consumer
	ConsumerID string `json:"consumer_id"`
	// Value the latest value
	Value interface{} `json:"value"`
	// Sent when the update was sent
	Sent time.Time `json:"sent"`
}

// StreamConsumer godoc
// @Summary Stream a consumer's latest value
// @Description Websocket stream pushing the latest value after every batch touching the consumer
// @tags Consumer
// @Param consumerID path string true "Consumer ID"
// @Success 101 {object} APIStreamUpdate "stream"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/consumer/{consumerID}/stream [get]
func (h APIRestFeedHandler) StreamConsumer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	consumerID, ok := h.readPathParam(r, "consumerID")
	if !ok {
		msg := "No consumer ID provided"
		log.WithFields(localLogTags).Error(msg)
		replyError(http.StatusBadRequest, msg, msg)
		return
	}
	if _, err := h.feed.Consumer(consumerID); err != nil {
		msg := "Unable to read consumer"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, consumerID)
		replyError(errorStatus(err), msg, err.Error())
		return
	}

	// The upgrader replies to the caller on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	// The HTTP server read deadline survives the hijack
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to clear stream read deadline")
		return
	}

	if h.wg != nil {
		h.wg.Add(1)
		defer h.wg.Done()
	}

	session := h.streams.open(consumerID)
	defer h.streams.close(session)

	ctxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	// The read side only watches for the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(value interface{}) error {
		if err := conn.SetWriteDeadline(time.Now().Add(h.streamWriteLimit)); err != nil {
			return err
		}
		return conn.WriteJSON(&APIStreamUpdate{
			ConsumerID: consumerID, Value: value, Sent: time.Now().UTC(),
		})
	}

	log.WithFields(localLogTags).Infof("Streaming consumer %s", consumerID)
	defer log.WithFields(localLogTags).Infof("Stopped streaming consumer %s", consumerID)

	if value := h.feed.GetLatest(consumerID); !extract.IsNotFound(value) {
		if err := send(value); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Stream write failed")
			return
		}
	}
	for {
		select {
		case <-ctxt.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case <-session.notify:
			if err := send(h.feed.GetLatest(consumerID)); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Stream write failed")
				return
			}
		}
	}
}

// StreamConsumerHandler Wrapper around StreamConsumer
func (h APIRestFeedHandler) StreamConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamConsumer(w, r)
	}
}

// streamSession one websocket stream waiting for batches touching its consumer
type streamSession struct {
	consumerID string
	notify     chan struct{}
}

// streamRegistry fans the buffer store batch notifications out to the stream sessions
type streamRegistry struct {
	lock     sync.Mutex
	sessions map[string]map[*streamSession]bool
}

func (s *streamRegistry) open(consumerID string) *streamSession {
	session := &streamSession{consumerID: consumerID, notify: make(chan struct{}, 1)}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.sessions[consumerID]; !ok {
		s.sessions[consumerID] = map[*streamSession]bool{}
	}
	s.sessions[consumerID][session] = true
	return session
}

func (s *streamRegistry) close(session *streamSession) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions[session.consumerID], session)
	if len(s.sessions[session.consumerID]) == 0 {
		delete(s.sessions, session.consumerID)
	}
}

func (s *streamRegistry) count(consumerID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions[consumerID])
}

// onBatch wake the sessions of every touched consumer. Pending wakeups are coalesced.
func (s *streamRegistry) onBatch(consumerIDs []string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, consumerID := range consumerIDs {
		for session := range s.sessions[consumerID] {
			select {
			case session.notify <- struct{}{}:
			default:
			}
		}
	}
}

// =======================================================================
// Controls

// APIRestReqControl control start parameters
type APIRestReqControl struct {
	control.Config
	// ConfirmTimeoutSec how long a toggle waits for an echo. 0 uses the default.
	ConfirmTimeoutSec int `json:"confirm_timeout_sec,omitempty" validate:"gte=0"`
	// WriteTimeoutSec max duration of a write. 0 uses the default.
	WriteTimeoutSec int `json:"write_timeout_sec,omitempty" validate:"gte=0"`
}

// APIRestRespControl response for reading one control
type APIRestRespControl struct {
	goutils.RestAPIBaseResponse
	// Control the control's current state
	Control control.Snapshot `json:"control"`
}

// StartControl godoc
// @Summary Start a control
// @Description Start an interactive control synchronized with its backing state
// @tags Control
// @Accept json
// @Produce json
// @Param control body APIRestReqControl true "Control definition"
// @Success 200 {object} APIRestRespControl "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/control [post]
func (h APIRestFeedHandler) StartControl(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqControl
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid control definition"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	config := params.Config
	config.ConfirmTimeout = time.Second * time.Duration(params.ConfirmTimeoutSec)
	config.WriteTimeout = time.Second * time.Duration(params.WriteTimeoutSec)

	ctrl, err := h.feed.StartControl(r.Context(), config)
	if err != nil {
		msg := "Failed to start control"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		// Anything other than an ID clash is a problem with the definition
		respCode = errorStatus(err)
		if respCode == http.StatusInternalServerError {
			respCode = http.StatusBadRequest
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespControl{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Control: ctrl.Snapshot(),
	}
}

// StartControlHandler Wrapper around StartControl
func (h APIRestFeedHandler) StartControlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StartControl(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespAllControls response for listing all controls
type APIRestRespAllControls struct {
	goutils.RestAPIBaseResponse
	// Controls the running controls
	Controls []control.Snapshot `json:"controls"`
}

// ListControls godoc
// @Summary List controls
// @Description List the state of all running controls
// @tags Control
// @Produce json
// @Success 200 {object} APIRestRespAllControls "success"
// @Router /v1/control [get]
func (h APIRestFeedHandler) ListControls(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespAllControls{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Controls: h.feed.Controls(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListControlsHandler Wrapper around ListControls
func (h APIRestFeedHandler) ListControlsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListControls(w, r)
	}
}

// -----------------------------------------------------------------------

// GetControl godoc
// @Summary Read a control
// @Description Read the current state of a control
// @tags Control
// @Produce json
// @Param controlID path string true "Control ID"
// @Success 200 {object} APIRestRespControl "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/control/{controlID} [get]
func (h APIRestFeedHandler) GetControl(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	controlID, ok := h.readPathParam(r, "controlID")
	if !ok {
		msg := "No control ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	ctrl, err := h.feed.Control(controlID)
	if err != nil {
		msg := "Unable to read control"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, controlID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespControl{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Control: ctrl.Snapshot(),
	}
}

// GetControlHandler Wrapper around GetControl
func (h APIRestFeedHandler) GetControlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetControl(w, r)
	}
}

// -----------------------------------------------------------------------

// StopControl godoc
// @Summary Stop a control
// @Description Stop a running control
// @tags Control
// @Produce json
// @Param controlID path string true "Control ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/control/{controlID} [delete]
func (h APIRestFeedHandler) StopControl(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	controlID, ok := h.readPathParam(r, "controlID")
	if !ok {
		msg := "No control ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	if err := h.feed.StopControl(r.Context(), controlID); err != nil {
		msg := "Failed to stop control"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, controlID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// StopControlHandler Wrapper around StopControl
func (h APIRestFeedHandler) StopControlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StopControl(w, r)
	}
}

// -----------------------------------------------------------------------

// ToggleControl godoc
// @Summary Toggle a control
// @Description Write the opposite state of a control. Rejected while a toggle is pending.
// @tags Control
// @Produce json
// @Param controlID path string true "Control ID"
// @Success 200 {object} APIRestRespControl "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/control/{controlID}/toggle [post]
func (h APIRestFeedHandler) ToggleControl(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	controlID, ok := h.readPathParam(r, "controlID")
	if !ok {
		msg := "No control ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	ctrl, err := h.feed.Control(controlID)
	if err != nil {
		msg := "Unable to read control"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, controlID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := ctrl.Toggle(r.Context()); err != nil {
		msg := "Failed to toggle control"
		log.WithError(err).WithFields(localLogTags).Errorf("%s %s", msg, controlID)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespControl{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Control: ctrl.Snapshot(),
	}
}

// ToggleControlHandler Wrapper around ToggleControl
func (h APIRestFeedHandler) ToggleControlHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ToggleControl(w, r)
	}
}

// =======================================================================
// Diagnostics and health

// APIRestRespDiagnostics response for reading the feed diagnostics
type APIRestRespDiagnostics struct {
	goutils.RestAPIBaseResponse
	// Diagnostics capacity and overflow counters
	Diagnostics feed.Diagnostics `json:"diagnostics"`
}

// Diagnostics godoc
// @Summary Feed diagnostics
// @Description Read the feed's capacity and overflow counters
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespDiagnostics "success"
// @Router /v1/diagnostics [get]
func (h APIRestFeedHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespDiagnostics{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Diagnostics: h.feed.Diagnostics(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// DiagnosticsHandler Wrapper around Diagnostics
func (h APIRestFeedHandler) DiagnosticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Diagnostics(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestFeedHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestFeedHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the feed can reach the bus
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestFeedHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusOK
	var respBody interface{} = h.GetStdRESTSuccessMsg(r.Context())
	if h.readiness != nil {
		if err := h.readiness(); err != nil {
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "not ready", err.Error())
		}
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestFeedHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

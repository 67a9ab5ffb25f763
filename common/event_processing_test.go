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
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	type incrementReq struct{ by int }
	type failingReq struct{}

	total := 0
	processed := make(chan struct{}, 8)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(incrementReq{}): func(p interface{}) error {
			total += p.(incrementReq).by
			processed <- struct{}{}
			return nil
		},
		reflect.TypeOf(failingReq{}): func(p interface{}) error {
			processed <- struct{}{}
			return fmt.Errorf("Dummy error")
		},
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	waitProcessed := func() {
		select {
		case <-processed:
		case <-time.After(time.Second):
			assert.Fail("task not processed")
		}
	}

	// Case 0: tasks are processed in submission order
	for itr := 1; itr <= 3; itr++ {
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(useContext, incrementReq{by: itr}))
		useCancel()
	}
	for itr := 0; itr < 3; itr++ {
		waitProcessed()
	}
	assert.Equal(6, total)

	// Case 1: a failing task does not stop the loop
	{
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(useContext, failingReq{}))
		assert.Nil(uut.Submit(useContext, incrementReq{by: 4}))
		useCancel()
		waitProcessed()
		waitProcessed()
		assert.Equal(10, total)
	}

	// Case 2: submitting after the loop stopped
	assert.Nil(uut.StopEventLoop())
	{
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		defer useCancel()
		// Fill the buffer so the stop is observed
		var err error
		for itr := 0; itr < 20 && err == nil; itr++ {
			err = uut.Submit(useContext, incrementReq{by: 1})
		}
		assert.Equal(ErrEventLoopStopped, err)
	}
}

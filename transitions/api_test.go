// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cachetable/conf"
)

type testCallbacksStruct struct {
	name    string
	history *[]string
	failUp  bool
}

func (testCallbacks *testCallbacksStruct) record(callbackName string) {
	*testCallbacks.history = append(*testCallbacks.history, testCallbacks.name+"."+callbackName)
}

func (testCallbacks *testCallbacksStruct) Up(confMap conf.ConfMap) (err error) {
	testCallbacks.record("Up")
	if testCallbacks.failUp {
		err = fmt.Errorf("injected failure")
	}
	return
}

func (testCallbacks *testCallbacksStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	testCallbacks.record("SignaledStart")
	return
}

func (testCallbacks *testCallbacksStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	testCallbacks.record("SignaledFinish")
	return
}

func (testCallbacks *testCallbacksStruct) Down(confMap conf.ConfMap) (err error) {
	testCallbacks.record("Down")
	return
}

func TestTransitions(t *testing.T) {
	assert := assert.New(t)

	history := make([]string, 0)

	testA := &testCallbacksStruct{name: "testA", history: &history}
	testB := &testCallbacksStruct{name: "testB", history: &history}

	Register("testA", testA)
	Register("testB", testB)

	assert.Equal([]string{"logger", "testA", "testB"}, RegisteredPackages())

	confMap, err := conf.MakeConfMapFromStrings([]string{"Logging.LogToConsole=false"})
	require.NoError(t, err)

	err = Up(confMap)
	require.NoError(t, err)
	assert.Equal([]string{"testA.Up", "testB.Up", "testA.SignaledFinish", "testB.SignaledFinish"}, history)

	history = history[:0]
	err = Signaled(confMap)
	require.NoError(t, err)
	assert.Equal([]string{"testB.SignaledStart", "testA.SignaledStart", "testA.SignaledFinish", "testB.SignaledFinish"}, history)

	history = history[:0]
	err = Down(confMap)
	require.NoError(t, err)
	assert.Equal([]string{"testB.SignaledStart", "testA.SignaledStart", "testB.Down", "testA.Down"}, history)

	history = history[:0]
	testB.failUp = true
	err = Up(confMap)
	assert.Error(err)
	assert.Equal([]string{"testA.Up", "testB.Up"}, history)
	testB.failUp = false

	err = Down(confMap)
	assert.NoError(err)
}

// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetAFnName(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("utils.TestGetAFnName", GetAFnName(0))
	assert.Equal("utils.TestGetAFnName", GetFnName())

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("utils", pkg)
	assert.Equal("TestGetAFnName", fn)
	assert.NotZero(gid)
}

func TestNextPowerOfTwo(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint32(1), NextPowerOfTwo(0))
	assert.Equal(uint32(1), NextPowerOfTwo(1))
	assert.Equal(uint32(4), NextPowerOfTwo(3))
	assert.Equal(uint32(4), NextPowerOfTwo(4))
	assert.Equal(uint32(1024), NextPowerOfTwo(1000))
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	assert.True(sw.IsRunning)
	assert.True(sw.StopTime.IsZero())
	assert.Equal(time.Duration(0), sw.ElapsedTime)

	time.Sleep(20 * time.Millisecond)

	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 20*time.Millisecond)
	assert.Equal(elapsed, sw.Elapsed())
	assert.True(sw.ElapsedUs() >= 20000)
	assert.Equal(elapsed.String(), sw.ElapsedString())

	// Stopping again must not change anything
	assert.Equal(elapsed, sw.Stop())

	sw.Restart()
	assert.True(sw.IsRunning)
	assert.True(sw.Elapsed() < elapsed)
}

func TestJSONify(t *testing.T) {
	assert := assert.New(t)

	type testStruct struct {
		SizeLimit     uint64
		WorkerThreads uint32
	}

	packed := JSONify(testStruct{SizeLimit: 1024, WorkerThreads: 4}, false)
	assert.Equal(`{"SizeLimit":1024,"WorkerThreads":4}`, packed)

	indented := JSONify(testStruct{SizeLimit: 1024, WorkerThreads: 4}, true)
	assert.True(strings.Contains(indented, "\n\t\"SizeLimit\": 1024"))

	assert.True(strings.HasPrefix(JSONify(make(chan int), false), "<<<json.Marshall failed"))
}

// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities shared by the cache table packages.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractLastPathElement = regexp.MustCompile(`[^\/]*$`)
	extractPkgName         = regexp.MustCompile(`^[^.]*`)
	extractFnName          = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the goroutine id of the caller.
//
// Logging the goroutine context is useful when trying to debug things like locking.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns a string containing calling function and package
func GetAFnName(level int) string {
	// Adding one level to skip this function
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return extractLastPathElement.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function and package
// along with the goroutine id of the caller.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgName.FindString(funcPkg)
	fn = extractFnName.FindString(funcPkg)
	gid = GetGID()

	return
}

// GetFnName returns a string containing the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// NextPowerOfTwo returns the smallest power of two >= n (and at least 1).
func NextPowerOfTwo(n uint32) (p uint32) {
	p = 1
	for p < n {
		p <<= 1
	}
	return
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	// Stopping a stopped Stopwatch leaves ElapsedTime untouched
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}

	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedUs() uint64 {
	return uint64(sw.Elapsed() / time.Microsecond)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}

func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil == err {
		if indentify {
			err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
			if nil == err {
				output = inputJSON.String()
			} else {
				output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
			}
		} else {
			output = string(inputJSONPacked)
		}
	} else {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
	}

	return
}

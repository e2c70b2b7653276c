// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/NVIDIA/cachetable/conf"
	"github.com/NVIDIA/cachetable/transitions"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

func init() {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}

	transitions.Register("halter", &globals)
}

// armFromConfMap arms each "label:count" entry of Halter.ArmedTriggers
func armFromConfMap(confMap conf.ConfMap) (err error) {
	armedTriggers, err := confMap.FetchOptionValueStringSlice("Halter", "ArmedTriggers")
	if err != nil {
		err = nil // optional
		return
	}

	for _, armedTrigger := range armedTriggers {
		var (
			label string
			count uint32
		)
		colon := strings.LastIndex(armedTrigger, ":")
		if colon < 0 {
			err = fmt.Errorf("halter: ArmedTriggers entry '%s' must be of the form label:count", armedTrigger)
			return
		}
		label = armedTrigger[:colon]
		_, err = fmt.Sscanf(armedTrigger[colon+1:], "%d", &count)
		if err != nil {
			err = fmt.Errorf("halter: ArmedTriggers entry '%s' has a bad count: %v", armedTrigger, err)
			return
		}
		if _, ok := globals.triggerNamesToNumbers[label]; !ok {
			err = fmt.Errorf("halter: ArmedTriggers entry '%s' names an unknown label", armedTrigger)
			return
		}
		Arm(label, count)
	}
	return
}

// Up arms any triggers listed in the supplied confMap
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()

	return armFromConfMap(confMap)
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return armFromConfMap(confMap)
}

// Down disarms every trigger
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()
	return nil
}

// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter provides named crash points. A point is armed with a count
// and the process is halted when Trigger() has been called that many times
// for it. Used to exercise recovery after a crash in the middle of a
// checkpoint.
package halter

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	CachetableBeginCheckpointAfterLogBegin
	CachetableBeginCheckpointAfterMarkPending
	CachetableEndCheckpointAfterDrainPending
	CachetableEndCheckpointBeforeLogEnd
	CachetableEndCheckpointAfterLogEnd
	PagefileWritePageBeforeHeader
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"cachetable.beginCheckpoint_AfterLogBegin",
		"cachetable.beginCheckpoint_AfterMarkPending",
		"cachetable.endCheckpoint_AfterDrainPending",
		"cachetable.endCheckpoint_BeforeLogEnd",
		"cachetable.endCheckpoint_AfterLogEnd",
		"pagefile.writePage_BeforeHeader",
	}
)

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		haltWithErr(fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString))
		return
	}
	if haltAfterCount == 0 {
		haltWithErr(fmt.Errorf("halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString))
		return
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		haltWithErr(fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString))
		return
	}
	delete(globals.armedTriggers, haltLabel)
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
func Trigger(haltLabel uint32) {
	globals.Lock()
	defer globals.Unlock()

	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		return
	}
	numTriggersRemaining--
	if numTriggersRemaining == 0 {
		delete(globals.armedTriggers, haltLabel)
		haltWithErr(fmt.Errorf("halter.Trigger(haltLabelString==%v) triggered HALT", globals.triggerNumbersToNames[haltLabel]))
		return
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()

	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	return
}

// List returns a sorted slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(HaltLabelStrings))
	availableTriggers = append(availableTriggers, HaltLabelStrings...)
	sort.Strings(availableTriggers)
	return
}

// ConfigureTestModeHaltCB replaces process termination with a call to
// testHalt. Passing nil restores termination.
func ConfigureTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}

// Called with globals locked
func haltWithErr(err error) {
	if globals.testModeHaltCB == nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(unix.SIGKILL))
	}
	globals.testModeHaltCB(err)
}

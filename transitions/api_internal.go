// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/cachetable/conf"
	"github.com/NVIDIA/cachetable/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex       //   Protects registration{List|Set} and serializes Up/Signaled/Down
	registrationList *list.List
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
}

var globals globalsStruct

func init() {
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	defer globals.Unlock()

	_, alreadyRegistered := globals.registrationSet[packageName]
	if alreadyRegistered {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}

	registrationItem := &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
}

func registeredPackages() (packageNames []string) {
	globals.Lock()
	defer globals.Unlock()

	packageNames = make([]string, 0, globals.registrationList.Len())
	for e := globals.registrationList.Front(); nil != e; e = e.Next() {
		packageNames = append(packageNames, e.Value.(*registrationItemStruct).packageName)
	}

	return
}

type callbackFunc func(registrationItem *registrationItemStruct, confMap conf.ConfMap) error

func callForward(caller string, callbackName string, confMap conf.ConfMap, callback callbackFunc) (err error) {
	for e := globals.registrationList.Front(); nil != e; e = e.Next() {
		registrationItem := e.Value.(*registrationItemStruct)
		logger.Tracef("transitions.%s() calling %s.%s()", caller, registrationItem.packageName, callbackName)
		err = callback(registrationItem, confMap)
		if nil != err {
			logger.Errorf("transitions.%s() call to %s.%s() failed: %v", caller, registrationItem.packageName, callbackName, err)
			err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, callbackName, err)
			return
		}
	}
	return
}

func callReverse(caller string, callbackName string, confMap conf.ConfMap, callback callbackFunc) (err error) {
	for e := globals.registrationList.Back(); nil != e; e = e.Prev() {
		registrationItem := e.Value.(*registrationItemStruct)
		logger.Tracef("transitions.%s() calling %s.%s()", caller, registrationItem.packageName, callbackName)
		err = callback(registrationItem, confMap)
		if nil != err {
			logger.Errorf("transitions.%s() call to %s.%s() failed: %v", caller, registrationItem.packageName, callbackName, err)
			err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, callbackName, err)
			return
		}
	}
	return
}

func callUp(registrationItem *registrationItemStruct, confMap conf.ConfMap) error {
	return registrationItem.callbacks.Up(confMap)
}

func callSignaledStart(registrationItem *registrationItemStruct, confMap conf.ConfMap) error {
	return registrationItem.callbacks.SignaledStart(confMap)
}

func callSignaledFinish(registrationItem *registrationItemStruct, confMap conf.ConfMap) error {
	return registrationItem.callbacks.SignaledFinish(confMap)
}

func callDown(registrationItem *registrationItemStruct, confMap conf.ConfMap) error {
	return registrationItem.callbacks.Down(confMap)
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	err = callForward("Up", "Up", confMap, callUp)
	if nil != err {
		return
	}

	err = callForward("Up", "SignaledFinish", confMap, callSignaledFinish)

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Signaled() called")

	err = callReverse("Signaled", "SignaledStart", confMap, callSignaledStart)
	if nil != err {
		return
	}

	err = callForward("Signaled", "SignaledFinish", confMap, callSignaledFinish)

	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Down() called")

	err = callReverse("Down", "SignaledStart", confMap, callSignaledStart)
	if nil != err {
		return
	}

	err = callReverse("Down", "Down", confMap, callDown)

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}

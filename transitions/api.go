// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions sequences start-up, reconfiguration, and shutdown of the
// packages that read settings from a conf.ConfMap.
package transitions

import (
	"github.com/NVIDIA/cachetable/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. In specific, the following callbacks will be
// issued in the same order as package init() func calls have registered:
//
//   Up()
//   SignaledFinish()
//
// By contrast, the following callbacks will be issued in the reverse order as package
// init() func calls have registered:
//
//   SignaledStart()
//   Down()
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in the callbacks above. Each callback func should receive a struct implementing the
// Callbacks interface by reference.
//
// As an example, consider the following:
//
//   package foo
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
//   func (transitionsCallbackInterface *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       return
//   }
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. It issues Up() then SignaledFinish()
// to each registered package, starting with package logger.
//
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called when an updated confMap is to be applied (e.g. upon SIGHUP).
// SignaledStart() is issued in reverse registration order then SignaledFinish() in
// registration order.
//
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown. SignaledStart() then Down() are issued in
// reverse registration order, ending with package logger.
//
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// RegisteredPackages returns the names of the registered packages in registration order.
func RegisteredPackages() (packageNames []string) {
	return registeredPackages()
}

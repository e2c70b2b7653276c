// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine to all logs.
//
// Trace logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/cachetable/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported by this package.
//
// We have more detailed logging levels than the logrus log package.
// As a result, when we do our logging we need to map from our levels
// to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel
	// TraceLevel is used for operational logs that trace success path through the application.
	// Whether these are logged is controlled on a per-package basis.
	// When enabled, these are logged at logrus.InfoLevel.
	TraceLevel
)

// Enable/disable for trace level. Defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"cachetable":  false,
	"logger":      false,
	"main":        false,
	"pagefile":    false,
	"rwlock":      false,
	"transitions": false,
	"wal":         false,
	"workqueue":   false,
}

var packageTraceSettingsLock sync.RWMutex

func setTraceLoggingLevel(confStrSlice []string) {
	packageTraceSettingsLock.Lock()

	traceLevelEnabled = false
	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	enabledPackages := make([]string, 0)
	for pkg, isEnabled := range packageTraceSettings {
		if isEnabled {
			enabledPackages = append(enabledPackages, pkg)
		}
	}

	packageTraceSettingsLock.Unlock()

	if 0 < len(enabledPackages) {
		Infof("Package(s) %v trace logging is enabled.", strings.Join(enabledPackages, ","))
	}
}

func traceEnabled(pkg string) (isEnabled bool) {
	packageTraceSettingsLock.RLock()
	isEnabled = packageTraceSettings[pkg]
	packageTraceSettingsLock.RUnlock()
	return
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx saves the fields common between log calls within a function
// so that package and function are only extracted once.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return log.WithFields(fields)
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	return &FuncCtx{funcContext: newLogEntry(level + 1)}
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	return &FuncCtx{funcContext: newLogEntry(level + 1).WithField(key, value)}
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Errorf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(InfoLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(TraceLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

// PanicfWithError logs then panics. It is used for internal consistency failures
// where continuing risks silent corruption.
func PanicfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(PanicLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}

// TraceEnter generates a function entry trace and returns the FuncCtx to pass to TraceExit.
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	if !logEnabled(TraceLevel) {
		return
	}

	ctx.funcContext = newLogEntry(backtraceOneLevel)
	ctx.traceInternal(">> called", argsPrefix, args...)

	return
}

// TraceExit generates a function exit trace. It is assumed to be called deferred.
func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}

	if ctx.funcContext == nil {
		ctx.funcContext = newLogEntry(2)
	}

	ctx.traceInternal("<< returning", argsPrefix, args...)
}

func (ctx *FuncCtx) traceInternal(formatPrefix string, argsPrefix string, args ...interface{}) {
	format := formatPrefix + " %s" + strings.Repeat(" %+v", len(args))
	newArgs := append([]interface{}{argsPrefix}, args...)
	ctx.log(TraceLevel, fmt.Sprintf(format, newArgs...))
}

// log is our equivalent to logrus.entry.go's log function, and is intended to
// be the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, "this function
// is not declared with a pointer value because otherwise race conditions will
// occur when using multiple goroutines"
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel, InfoLevel:
		ctx.funcContext.Info(args...)
	}
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer captures the most recent log entries. Useful for writing test cases.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// LogTarget is an io.Writer feeding a LogBuffer.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init initializes a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++
	if 0 < len(target.LogBuf.LogEntries) {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
		target.LogBuf.LogEntries[0] = strings.TrimRight(string(p), " \t\n")
	}

	n = len(p)
	return
}

// Contains reports whether any captured entry contains substr.
func (target LogTarget) Contains(substr string) (found bool) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	for _, entry := range target.LogBuf.LogEntries {
		if strings.Contains(entry, substr) {
			found = true
			return
		}
	}
	return
}

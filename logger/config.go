// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/cachetable/conf"
)

// multiWriter fans each log entry out to every registered io.Writer
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	return
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

var logFile *os.File = nil

var logTargets multiWriter

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

// Up configures logging from the Logging section of confMap.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logTargets.clear()

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logTargets.addWriter(logFile)
	}

	// Determine whether we should log to console. Default is true unless a LogFilePath is given.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = (logFilePath == "")
	}
	if logToConsole {
		logTargets.addWriter(os.Stderr)
	}

	log.SetOutput(&logTargets)

	// NOTE: We always enable max logging in logrus, and decide in this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

func SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)
	return
}

func Down(confMap conf.ConfMap) (err error) {
	log.SetOutput(os.Stderr)
	logTargets.clear()

	// We open and close our own logfile
	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}
	return
}

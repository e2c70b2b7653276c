// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the INI-style configuration map used to set up a cache table,
// its logging, and the tools built on top of it.
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("Error building confMap from conf strings: %v", err)
	}
	return
}

// RegEx components used below:

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const leftBracket = "(\\[)"
const rightBracket = "(\\])"
const sectionName = "([0-9A-Za-z_\\-/:\\.]+)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"
const token = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"
const whiteSpace = "([ \t]+)"

// A string to load looks like:
//
//   <section_name_0>.<option_name_0> =
//     or
//   <section_name_1>.<option_name_1> : <value_1>
//     or
//   <section_name_2>.<option_name_2> = <value_2>, <value_3>

var stringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionNameOptionNameSeparatorRE = regexp.MustCompile(dot)

// A .conf file to load typically looks like:
//
//   [Cachetable]
//   SizeLimit:        64MiB
//   WorkerThreads =   4        ; A comment at the end of a line starting with ';'
//
//   # A comment on it's own line starting with '#'
//
//   .include <included .conf path>

var sectionHeaderLineRE = regexp.MustCompile("\\A" + leftBracket + token + rightBracket + "\\z")
var sectionNameRE = regexp.MustCompile(sectionName)
var optionLineRE = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)
var includeLineRE = regexp.MustCompile("\\A\\.include" + whiteSpace + token + "\\z")
var includeFilePathSeparatorRE = regexp.MustCompile(whiteSpace)

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues string) {
	optionValuesSplit := optionValueSeparatorRE.Split(optionValues, -1)
	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionNameOptionPayload := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)
	optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(sectionNameOptionPayload[1], 2)

	confMap.setOption(sectionNameOptionPayload[0], optionNameOptionValues[0], optionNameOptionValues[1])

	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from extra command-line arguments)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath ("-" means stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes []byte
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	err = confMap.updateFromReader(confFilePath, bytes.NewReader(confFileBytes))

	return
}

func (confMap ConfMap) updateFromReader(confFilePath string, reader io.Reader) (err error) {
	var (
		currentLineNumber  int
		currentSectionName string
	)

	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		currentLineNumber++

		currentLine := scanner.Text()
		currentLine = strings.SplitN(currentLine, ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case includeLineRE.MatchString(currentLine):
			nestedConfFilePath := includeFilePathSeparatorRE.Split(currentLine, 2)[1]
			if !filepath.IsAbs(nestedConfFilePath) {
				absConfFilePath, absErr := filepath.Abs(confFilePath)
				if nil != absErr {
					err = absErr
					return
				}
				nestedConfFilePath = filepath.Join(filepath.Dir(absConfFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case sectionHeaderLineRE.MatchString(currentLine):
			currentSectionName = sectionNameRE.FindString(currentLine)
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option outside of any Section", confFilePath, currentLineNumber)
				return
			}
			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}
			optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(currentLine, 2)
			confMap.setOption(currentSectionName, optionNameOptionValues[0], optionNameOptionValues[1])
		}
	}

	err = scanner.Err()

	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("Couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
	}

	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err := strconv.ParseUint(optionValueString, 0, 32)
	if nil != err {
		return
	}

	optionValue = uint32(optionValueUint64)

	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 0, 64)

	return
}

// FetchOptionValueByteSize returns [sectionName]optionName's single string value converted
// to a count of bytes. Values may carry a unit suffix (e.g. "64MiB", "1.5GB") or none at all.
func (confMap ConfMap) FetchOptionValueByteSize(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = humanize.ParseBytes(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueFloat64 returns [sectionName]optionName's single string value converted to a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)

	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0.0 > optionValue.Seconds() {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
	}

	return
}

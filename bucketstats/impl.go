// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType      = reflect.TypeOf(Total{})
	averageType    = reflect.TypeOf(Average{})
	bucketLog2Type = reflect.TypeOf(BucketLog2{})
)

func isStatType(fieldAsType reflect.Type) bool {
	return fieldAsType == totalType || fieldAsType == averageType || fieldAsType == bucketLog2Type
}

func verifyStatsStruct(statsGroupName string, statsStruct interface{}) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}
}

// Register a set of statistics, where the statistics are one or more fields in
// the passed structure.
//
func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	verifyStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	// assign each statistic a name if it doesn't have one; verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}

		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore statsGroupName if it doesn't exist
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]map[string]interface{}) (keys []string) {
	keys = make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

// Return the selected group(s) of statistics as a string.
//
func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	var pkgNames []string
	if pkgName == "*" {
		pkgNames = sortedKeys(pkgNameToGroupName)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		var groupNames []string
		if statsGroupName == "*" {
			for group := range pkgNameToGroupName[pkg] {
				groupNames = append(groupNames, group)
			}
			sort.Strings(groupNames)
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf(
					"bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string,
	statsStruct interface{}) (statValues string) {

	verifyStatsStruct(statsGroupName, statsStruct)

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}
	return
}

// Construct and return a statistics name (fully qualified field name) in the specified format.
//
func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + fieldName
	case statsGroupName == "":
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
			statName, this.TotalGet(), this.CountGet(), this.AverageGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *BucketLog2) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, this.TotalGet(), this.CountGet(), this.AverageGet())
		for _, bucketInfo := range this.DistGet() {
			if bucketInfo.Count == 0 {
				continue
			}
			line += fmt.Sprintf(" %d:%d", bucketInfo.RangeLow, bucketInfo.Count)
		}
		return line + "\n"
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// Replace illegal characters in names with underbar (`_`)
//
// Names should include only printable characters that are not whitespace.
// Also disallow splat ('*') (used for wildcard for statistic group names),
// sharp ('#') (used for comments in output) and colon (':') (used as a
// delimiter in "key:value" output).
//
func scrubName(name string) string {
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*':
			return '_'
		case r == ':':
			return '_'
		case r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}

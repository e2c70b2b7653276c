// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics. Statistics start at zero and
// grow as they are added to.
//
// The statistics provided include totaler (with the Totaler interface), average
// (with the Averager interface), and distributions (with the Bucketer
// interface).
//
// Each statistic must have a unique name, "Name". One or more statistics is
// placed in a structure and registered, with a name, via a call to Register()
// before being used. The set of the statistics registered can be queried using
// the registered name or individually.
//
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
//
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler with an average (mean) function added.
//
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo holds information for an individual statistics bucket
//
type BucketInfo struct {
	Count     uint64
	RangeLow  uint64
	RangeHigh uint64
}

// A Bucketer is an Averager which also tracks the distribution of values.
//
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields holding
// statistics. It may also contain other fields that are not bucketstats types.
//
// The combination of pkgName and statsGroupName must be unique. One or the
// other, but not both, can be the empty string.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics.
//
// Once unregistered, the same or a different set of statistics can be
// registered using the same name.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns one or more groups of statistics, one statistic per line.
//
// Use "*" to select all package names with a given group name, all
// groups with a given package name, or all groups.
//
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple totaler. It supports the Totaler interface.
//
// If Name is "" then Register() will assign a name based on the name of the field.
//
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their average size. It supports the
// Averager interface.
//
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() (avg uint64) {
	count := atomic.LoadUint64(&this.count)
	if count > 0 {
		avg = atomic.LoadUint64(&this.total) / count
	}
	return
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2 holds bucketized statistics where value 0 lands in bucket 0 and
// any other value lands in bucket bits.Len64(value), i.e. bucket N holds
// [2^(N-1), 2^N - 1].
//
//  Values  Bucket
//       0       0
//       1       1
//   2 - 3       2
//   4 - 7       3
//  8 - 15       4
//     etc.
//
// It also keeps an exact running total so AverageGet() is not an estimate.
//
type BucketLog2 struct {
	count       uint64 // Ensure 64-bit alignment
	total       uint64
	Name        string
	statBuckets [65]uint64
}

func (this *BucketLog2) Add(value uint64) {
	atomic.AddUint64(&this.statBuckets[bits.Len64(value)], 1)
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *BucketLog2) Increment() {
	this.Add(1)
}

func (this *BucketLog2) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *BucketLog2) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2) AverageGet() (avg uint64) {
	count := atomic.LoadUint64(&this.count)
	if count > 0 {
		avg = atomic.LoadUint64(&this.total) / count
	}
	return
}

// DistGet returns BucketInfo information for all the buckets.
//
func (this *BucketLog2) DistGet() (bucketInfo []BucketInfo) {
	bucketInfo = make([]BucketInfo, len(this.statBuckets))
	for i := range bucketInfo {
		bucketInfo[i].Count = atomic.LoadUint64(&this.statBuckets[i])
		switch i {
		case 0:
			bucketInfo[i].RangeLow, bucketInfo[i].RangeHigh = 0, 0
		case 64:
			bucketInfo[i].RangeLow, bucketInfo[i].RangeHigh = uint64(1)<<63, ^uint64(0)
		default:
			bucketInfo[i].RangeLow = uint64(1) << uint(i-1)
			bucketInfo[i].RangeHigh = (uint64(1) << uint(i)) - 1
		}
	}
	return
}

func (this *BucketLog2) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

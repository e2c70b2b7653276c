// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an errno value to regular Go errors
// while still conforming to the Go error interface. The cache table reports
// each failure category (duplicate insert, missing pair, failed fetch, failed
// checkpoint callback, ...) as a distinct errno so callers can tell them apart
// with Is() instead of string matching.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry records a stack trace at the point an error is created or wrapped,
// which Details() and Stacktrace() expose for logging.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/cachetable/logger"
)

// FsError is an errno-valued error category.
//
// NOTE: unix.Errno is used here because those errno constants already exist in Go-land.
//       We cast to an int to get the errno value.
//
type FsError int

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotPermError        FsError = FsError(int(unix.EPERM))   // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))  // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))     // I/O error
	BadFileError        FsError = FsError(int(unix.EBADF))   // Bad file number
	TryAgainError       FsError = FsError(int(unix.EAGAIN))  // Try again
	OutOfMemoryError    FsError = FsError(int(unix.ENOMEM))  // Out of memory
	DevBusyError        FsError = FsError(int(unix.EBUSY))   // Device or resource busy
	FileExistsError     FsError = FsError(int(unix.EEXIST))  // File exists
	NoDeviceError       FsError = FsError(int(unix.ENODEV))  // No such device
	InvalidArgError     FsError = FsError(int(unix.EINVAL))  // Invalid argument
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))  // Math result not representable
	NotImplementedError FsError = FsError(int(unix.ENOSYS))  // Function not implemented
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP)) // Operation not supported
	NoDataError         FsError = FsError(int(unix.ENODATA)) // No data available
)

// Errors that map to constants already defined above
const (
	PairExistsError       FsError = FileExistsError
	FilenumInUseError     FsError = FileExistsError
	NotActiveError        FsError = NotFoundError
	FetchFailedError      FsError = NoDeviceError
	CheckpointFailedError FsError = IOError
	ChecksumError         FsError = IOError
)

// SuccessError is the zero value; Errno(nil) returns it.
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to the cache table
	UnpackError FsError = 1000 + iota
	PackError
	CorruptRecordError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case NotPermError:
		return "NotPermError"
	case NotFoundError:
		return "NotFoundError"
	case IOError:
		return "IOError"
	case BadFileError:
		return "BadFileError"
	case TryAgainError:
		return "TryAgainError"
	case OutOfMemoryError:
		return "OutOfMemoryError"
	case DevBusyError:
		return "DevBusyError"
	case FileExistsError:
		return "FileExistsError"
	case NoDeviceError:
		return "NoDeviceError"
	case InvalidArgError:
		return "InvalidArgError"
	case OutOfRangeError:
		return "OutOfRangeError"
	case NotImplementedError:
		return "NotImplementedError"
	case NotSupportedError:
		return "NotSupportedError"
	case NoDataError:
		return "NoDataError"
	case UnpackError:
		return "UnpackError"
	case PackError:
		return "PackError"
	case CorruptRecordError:
		return "CorruptRecordError"
	default:
		return fmt.Sprintf("FsError(%d)", int(err))
	}
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: merry replaces an existing errno with the new one. A replacement is logged
//       to help find cases where that was not intended.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error text with its errno appended, if one was set.
func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value
//       (e.g. PairExistsError and FilenumInUseError).
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}

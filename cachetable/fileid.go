// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachetable

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/cachetable/blunder"
)

// fileID identifies the underlying file of a descriptor regardless of the
// name it was opened by.
type fileID struct {
	dev uint64
	ino uint64
}

func getFileID(file *os.File) (id fileID, err error) {
	var stat unix.Stat_t

	err = unix.Fstat(int(file.Fd()), &stat)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	id.dev = uint64(stat.Dev)
	id.ino = uint64(stat.Ino)
	return
}

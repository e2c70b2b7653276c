// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pagefile stores fixed size blocks in a file managed by a
// cachetable. A File is the Codec of its pages and supplies the
// CheckpointHooks of its Cachefile.
//
// Layout:
//
//   block 0        fileHeaderStruct (checkpointed copy)
//   block k+1      pageHeaderStruct followed by the data of page k
//
// A page whose header is all zeroes (or lies beyond EOF) has never been
// written and reads as empty. Page data is written before its header so a
// write torn by a crash is detected by the header's checksum.
package pagefile

import (
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/wal"
)

// Page is the in-memory value of a cached page.
type Page struct {
	Key  cachetable.Key
	Data []byte
}

// Create creates fnameInEnv (which must not exist) in ct's environment
// directory with the given block size. log may be nil.
func Create(ct *cachetable.Cachetable, log *wal.Log, fnameInEnv string, blockSize uint64) (file *File, err error) {
	file, err = create(ct, log, fnameInEnv, blockSize)
	return
}

// Open opens an existing fnameInEnv in ct's environment directory. The block
// size is read from its header. log may be nil.
//
// If the file is already open through ct, its File is returned with one
// more reference.
func Open(ct *cachetable.Cachetable, log *wal.Log, fnameInEnv string) (file *File, err error) {
	file, err = open(ct, log, fnameInEnv)
	return
}

var (
	_ cachetable.Codec           = &File{}
	_ cachetable.CheckpointHooks = fileHooks{}
)

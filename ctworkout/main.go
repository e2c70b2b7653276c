// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program ctworkout drives a cachetable, a wal and a set of pagefiles with a
// concurrent random workload and reports latency percentiles and cache
// statistics.
//
// Usage:
//
//   ctworkout [flags] [Section.Option=value]*
//
// Positional arguments override settings from the --conf file. Options of
// the [Cachetable] section configure the cache; Cachetable.SizeLimit
// defaults to --size-limit.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
)

type flagsStruct struct {
	confFile        string
	dir             string
	files           int
	keys            int64
	blockSize       string
	threads         int
	duration        time.Duration
	sizeLimit       string
	checkpointEvery time.Duration
	localEvery      int
	metricsAddr     string
	seed            int64
}

var flags flagsStruct

var rootCmd = &cobra.Command{
	Use:   "ctworkout [flags] [Section.Option=value]*",
	Short: "cachetable workload driver",
	Long: `ctworkout runs concurrent workers that read, write, prefetch and
probe pages of a set of pagefiles sharing one cachetable, while checkpoints
run periodically and transactions occasionally force local checkpoints.`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkout(flags, args, os.Stdout)
	},
}

func init() {
	rootCmd.Flags().StringVar(
		&flags.confFile, "conf", "", "conf file supplying [Cachetable] and [Logging] settings")
	rootCmd.Flags().StringVar(
		&flags.dir, "dir", "", "environment directory (default: a temporary directory removed afterwards)")
	rootCmd.Flags().IntVar(
		&flags.files, "files", 4, "number of pagefiles")
	rootCmd.Flags().Int64Var(
		&flags.keys, "keys", 1024, "number of pages per file")
	rootCmd.Flags().StringVar(
		&flags.blockSize, "block-size", "4KiB", "pagefile block size")
	rootCmd.Flags().IntVarP(
		&flags.threads, "threads", "t", runtime.NumCPU(), "number of concurrent workers")
	rootCmd.Flags().DurationVarP(
		&flags.duration, "duration", "d", 10*time.Second, "the duration to run")
	rootCmd.Flags().StringVar(
		&flags.sizeLimit, "size-limit", "16MiB", "cachetable size limit unless set by Cachetable.SizeLimit")
	rootCmd.Flags().DurationVar(
		&flags.checkpointEvery, "checkpoint-every", time.Second, "checkpoint period (0 disables)")
	rootCmd.Flags().IntVar(
		&flags.localEvery, "local-every", 100, "one operation in this many commits a transaction with a local checkpoint (0 disables)")
	rootCmd.Flags().StringVar(
		&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	rootCmd.Flags().Int64Var(
		&flags.seed, "seed", time.Now().UnixNano(), "random seed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ctworkout: %v\n", err)
		os.Exit(1)
	}
}

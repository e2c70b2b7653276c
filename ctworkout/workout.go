// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/cachetable/blunder"
	"github.com/NVIDIA/cachetable/bucketstats"
	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/conf"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/pagefile"
	"github.com/NVIDIA/cachetable/transitions"
	"github.com/NVIDIA/cachetable/utils"
	"github.com/NVIDIA/cachetable/wal"
)

const (
	minLatency = time.Microsecond
	maxLatency = 10 * time.Second

	logFileName = "ctworkout.log"
)

type opType int

const (
	opRead opType = iota
	opWrite
	opPrefetch
	opMaybePin
	opCommit
	numOpTypes
)

var opNames = [numOpTypes]string{"read", "write", "prefetch", "maybe-pin", "commit"}

type workerStruct struct {
	id      int
	rand    *rand.Rand
	latency [numOpTypes]*hdrhistogram.Histogram
}

func newWorker(id int, seed int64) (worker *workerStruct) {
	worker = &workerStruct{
		id:   id,
		rand: rand.New(rand.NewSource(seed + int64(id))),
	}
	for op := range worker.latency {
		worker.latency[op] = hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
	}
	return
}

// record clamps d into the histogram's range.
func (worker *workerStruct) record(op opType, d time.Duration) {
	if d < minLatency {
		d = minLatency
	} else if d > maxLatency {
		d = maxLatency
	}
	_ = worker.latency[op].RecordValue(d.Nanoseconds())
}

func newOpLatency() *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ctworkout",
		Name:      "op_duration_seconds",
		Help:      "Latency of workout operations.",
		Buckets:   prometheus.ExponentialBuckets(minLatency.Seconds(), 4, 12),
	}, []string{"op"})
}

type workoutStruct struct {
	flags        flagsStruct
	runID        string
	confMap      conf.ConfMap
	up           bool
	envDir       string
	removeEnvDir bool
	blockSize    uint64
	log          *wal.Log
	ct           *cachetable.Cachetable
	files        []*pagefile.File
	workers      []*workerStruct
	opLatency    *prometheus.HistogramVec
	elapsed      time.Duration
}

func runWorkout(flags flagsStruct, args []string, out io.Writer) (err error) {
	w := &workoutStruct{
		flags:     flags,
		runID:     uuid.New().String(),
		opLatency: newOpLatency(),
	}

	err = w.setup(args)
	if nil == err {
		err = w.run()
		if nil == err {
			w.report(out)
		}
	}

	teardownErr := w.teardown()
	if nil == err {
		err = teardownErr
	}
	return
}

func (w *workoutStruct) setup(args []string) (err error) {
	switch {
	case w.flags.files < 1:
		return fmt.Errorf("--files must be at least 1")
	case w.flags.keys < 1:
		return fmt.Errorf("--keys must be at least 1")
	case w.flags.threads < 1:
		return fmt.Errorf("--threads must be at least 1")
	case w.flags.duration <= 0:
		return fmt.Errorf("--duration must be positive")
	}

	w.blockSize, err = humanize.ParseBytes(w.flags.blockSize)
	if nil != err {
		return fmt.Errorf("--block-size %q: %v", w.flags.blockSize, err)
	}

	if "" == w.flags.confFile {
		w.confMap = conf.MakeConfMap()
	} else {
		w.confMap, err = conf.MakeConfMapFromFile(w.flags.confFile)
		if nil != err {
			return fmt.Errorf("conf.MakeConfMapFromFile(\"%v\") failed: %v", w.flags.confFile, err)
		}
	}
	err = w.confMap.UpdateFromStrings(args)
	if nil != err {
		return fmt.Errorf("confMap.UpdateFromStrings(%#v) failed: %v", args, err)
	}
	if nil == w.confMap.VerifyOptionIsMissing("Cachetable", "SizeLimit") {
		err = w.confMap.UpdateFromString("Cachetable.SizeLimit=" + w.flags.sizeLimit)
		if nil != err {
			return
		}
	}

	err = transitions.Up(w.confMap)
	if nil != err {
		return fmt.Errorf("transitions.Up() failed: %v", err)
	}
	w.up = true

	config, err := cachetable.ParseConfig(w.confMap)
	if nil != err {
		return
	}
	if nil == w.confMap.VerifyOptionIsMissing("Cachetable", "CheckpointPeriod") {
		config.CheckpointPeriod = w.flags.checkpointEvery
	}

	if "" == w.flags.dir {
		w.envDir, err = ioutil.TempDir("", "ctworkout")
		if nil != err {
			return
		}
		w.removeEnvDir = true
	} else {
		w.envDir = w.flags.dir
		err = os.MkdirAll(w.envDir, 0755)
		if nil != err {
			return
		}
	}
	config.EnvDir = w.envDir

	w.log, err = wal.Open(filepath.Join(w.envDir, logFileName))
	if nil != err {
		return
	}
	_, err = w.log.Comment("ctworkout run " + w.runID)
	if nil != err {
		return
	}

	w.ct, err = cachetable.New(config, w.log)
	if nil != err {
		return
	}

	for i := 0; i < w.flags.files; i++ {
		var file *pagefile.File

		fnameInEnv := fmt.Sprintf("pages.%d", i)
		_, statErr := os.Stat(w.ct.FnameInCwd(fnameInEnv))
		if nil == statErr {
			file, err = pagefile.Open(w.ct, w.log, fnameInEnv)
		} else {
			file, err = pagefile.Create(w.ct, w.log, fnameInEnv, w.blockSize)
		}
		if nil != err {
			return
		}
		w.files = append(w.files, file)
	}

	logger.Infof("ctworkout %s: %d files in %s, block size %s, size limit %s, checkpoint period %v",
		w.runID, len(w.files), w.envDir, humanize.IBytes(w.blockSize), humanize.IBytes(config.SizeLimit), config.CheckpointPeriod)
	return
}

func (w *workoutStruct) run() (err error) {
	var metrics *metricsServer

	if "" != w.flags.metricsAddr {
		metrics, err = startMetricsServer(w.flags.metricsAddr, newStatusCollector(w.runID, w.ct, w.log), w.opLatency)
		if nil != err {
			return
		}
		logger.Infof("ctworkout %s: serving metrics on http://%s/metrics", w.runID, metrics.Addr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.flags.duration)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	stopwatch := utils.NewStopwatch()
	for i := 0; i < w.flags.threads; i++ {
		worker := newWorker(i, w.flags.seed)
		w.workers = append(w.workers, worker)
		group.Go(func() error {
			return w.work(ctx, worker)
		})
	}
	err = group.Wait()
	w.elapsed = stopwatch.Elapsed()

	if nil != metrics {
		stopErr := metrics.Stop()
		if nil == err {
			err = stopErr
		}
	}
	return
}

func (w *workoutStruct) work(ctx context.Context, worker *workerStruct) (err error) {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		file := w.files[worker.rand.Intn(len(w.files))]
		key := cachetable.Key(worker.rand.Int63n(w.flags.keys))
		op := w.pickOp(worker)

		start := time.Now()
		err = w.doOp(worker, op, file, key)
		if nil != err {
			return fmt.Errorf("worker %d: %s of page %d of %s failed: %v",
				worker.id, opNames[op], key, file.Cachefile().FnameInEnv(), err)
		}
		elapsed := time.Since(start)
		worker.record(op, elapsed)
		w.opLatency.WithLabelValues(opNames[op]).Observe(elapsed.Seconds())
	}
}

func (w *workoutStruct) pickOp(worker *workerStruct) opType {
	if w.flags.localEvery > 0 && 0 == worker.rand.Intn(w.flags.localEvery) {
		return opCommit
	}
	switch n := worker.rand.Intn(100); {
	case n < 40:
		return opRead
	case n < 70:
		return opWrite
	case n < 80:
		return opPrefetch
	default:
		return opMaybePin
	}
}

func (w *workoutStruct) doOp(worker *workerStruct, op opType, file *pagefile.File, key cachetable.Key) (err error) {
	switch op {
	case opRead:
		_, err = file.ReadPage(key)
	case opWrite:
		err = file.WritePage(key, w.randomData(worker, file))
	case opPrefetch:
		err = file.Prefetch(key)
	case opMaybePin:
		cf := file.Cachefile()
		fullHash := cf.Hash(key)
		_, err = cf.MaybeGetAndPin(key, fullHash)
		if nil == err {
			err = cf.Unpin(key, fullHash, false, 0)
		} else if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
	case opCommit:
		err = w.commit(worker, file, key)
	default:
		err = fmt.Errorf("unknown op %d", op)
	}
	return
}

func (w *workoutStruct) randomData(worker *workerStruct, file *pagefile.File) (data []byte) {
	data = make([]byte, worker.rand.Intn(int(file.MaxDataSize())+1))
	_, _ = worker.rand.Read(data)
	return
}

// commit writes a page inside a transaction and makes it durable with a
// local checkpoint of its file before committing.
func (w *workoutStruct) commit(worker *workerStruct, file *pagefile.File, key cachetable.Key) (err error) {
	txn, err := w.log.Begin(nil)
	if nil != err {
		return
	}
	txn.PinRollbackLog()

	err = file.WritePage(key, w.randomData(worker, file))
	if nil == err {
		err = w.ct.LocalCheckpointForCommit(txn, []*cachetable.Cachefile{file.Cachefile()})
	}
	if nil != err {
		_ = txn.Abort()
		return
	}

	err = txn.Commit()
	return
}

func (w *workoutStruct) report(out io.Writer) {
	seconds := w.elapsed.Seconds()

	fmt.Fprintf(out, "run %s: %d workers, %d files of %d pages, block size %s, %v\n",
		w.runID, len(w.workers), len(w.files), w.flags.keys, humanize.IBytes(w.blockSize), w.elapsed.Round(time.Millisecond))

	fmt.Fprintf(out, "%-10s %12s %10s %10s %10s %10s %10s\n", "op", "ops", "ops/sec", "p50", "p95", "p99", "max")
	var totalOps int64
	for op := opType(0); op < numOpTypes; op++ {
		merged := hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
		for _, worker := range w.workers {
			_ = merged.Merge(worker.latency[op])
		}
		count := merged.TotalCount()
		totalOps += count
		if 0 == count {
			continue
		}
		fmt.Fprintf(out, "%-10s %12s %10.1f %10v %10v %10v %10v\n",
			opNames[op], humanize.Comma(count), float64(count)/seconds,
			time.Duration(merged.ValueAtQuantile(50)),
			time.Duration(merged.ValueAtQuantile(95)),
			time.Duration(merged.ValueAtQuantile(99)),
			time.Duration(merged.Max()))
	}
	fmt.Fprintf(out, "%-10s %12s %10.1f\n", "total", humanize.Comma(totalOps), float64(totalOps)/seconds)

	status := w.ct.Status()
	state := w.ct.GetState()
	hitRate := 0.0
	if lookups := status.Hits + status.Misses; lookups > 0 {
		hitRate = 100.0 * float64(status.Hits) / float64(lookups)
	}
	fmt.Fprintf(out, "hits %s misses %s (%.1f%% hit rate) puts %s prefetches %s\n",
		humanize.Comma(int64(status.Hits)), humanize.Comma(int64(status.Misses)), hitRate,
		humanize.Comma(int64(status.Puts)), humanize.Comma(int64(status.Prefetches)))
	fmt.Fprintf(out, "size %s of %s (%s writing), %d entries in %d buckets\n",
		humanize.IBytes(uint64(status.SizeCurrent)), humanize.IBytes(uint64(status.SizeLimit)),
		humanize.IBytes(uint64(status.SizeWriting)), state.NumEntries, state.HashSize)
	fmt.Fprintf(out, "checkpoints %d (%d failed), local checkpoints %d (%d during a checkpoint), wal at lsn %d\n",
		status.Checkpoints, status.CheckpointFailures, status.LocalCheckpoints,
		status.LocalCheckpointsDuringCheckpoint, w.log.LastLSN())

	fmt.Fprint(out, bucketstats.SprintStats(bucketstats.StatFormatParsable1, "cachetable", w.ct.Name()))
	fmt.Fprint(out, bucketstats.SprintStats(bucketstats.StatFormatParsable1, "wal", w.log.StatsGroupName()))
	for _, file := range w.files {
		fmt.Fprint(out, bucketstats.SprintStats(bucketstats.StatFormatParsable1, "pagefile", file.StatsGroupName()))
	}
}

// teardown releases whatever setup got as far as creating.
func (w *workoutStruct) teardown() (err error) {
	note := func(e error) {
		if nil != e && nil == err {
			err = e
		}
	}

	for _, file := range w.files {
		note(file.Close())
	}
	if nil != w.ct {
		note(w.ct.Close())
	}
	if nil != w.log {
		note(w.log.Close())
	}
	if w.up {
		note(transitions.Down(w.confMap))
	}
	if w.removeEnvDir {
		note(os.RemoveAll(w.envDir))
	}
	return
}

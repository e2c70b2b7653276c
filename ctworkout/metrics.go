// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/NVIDIA/cachetable/cachetable"
	"github.com/NVIDIA/cachetable/logger"
	"github.com/NVIDIA/cachetable/wal"
)

const (
	metricsNamespace      = "cachetable"
	maxMetricsConnections = 8
	metricsShutdownWait   = time.Second
)

type statusMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(status *cachetable.Status, state *cachetable.State) float64
}

// statusCollector exports a Cachetable's Status and State, and the last LSN
// of its log, each time it is scraped.
type statusCollector struct {
	ct      *cachetable.Cachetable
	log     *wal.Log
	metrics []statusMetric
	lastLSN *prometheus.Desc
}

func newStatusCollector(runID string, ct *cachetable.Cachetable, log *wal.Log) (collector *statusCollector) {
	constLabels := prometheus.Labels{"run_id": runID}

	collector = &statusCollector{ct: ct, log: log}

	counter := func(name string, help string, value func(*cachetable.Status, *cachetable.State) float64) {
		collector.metrics = append(collector.metrics, statusMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, constLabels),
			valueType: prometheus.CounterValue,
			value:     value,
		})
	}
	gauge := func(name string, help string, value func(*cachetable.Status, *cachetable.State) float64) {
		collector.metrics = append(collector.metrics, statusMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, constLabels),
			valueType: prometheus.GaugeValue,
			value:     value,
		})
	}

	counter("hits_total", "Lookups that found the pair cached.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.Hits) })
	counter("misses_total", "Lookups that had to fetch the pair.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.Misses) })
	counter("miss_seconds_total", "Time spent fetching missed pairs.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return s.MissTime.Seconds() })
	counter("wait_seconds_total", "Time spent waiting for busy pairs.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return s.WaitTime.Seconds() })
	counter("puts_total", "Pairs inserted by Put.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.Puts) })
	counter("prefetches_total", "Prefetches that started a fetch.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.Prefetches) })
	counter("maybe_get_and_pins_total", "Non-blocking pin attempts.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.MaybeGetAndPins) })
	counter("maybe_get_and_pin_hits_total", "Non-blocking pin attempts that pinned.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.MaybeGetAndPinHits) })
	counter("checkpoints_total", "Completed checkpoints.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.Checkpoints) })
	counter("checkpoint_failures_total", "Checkpoints that failed.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.CheckpointFailures) })
	counter("local_checkpoints_total", "Local checkpoints taken for commits.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.LocalCheckpoints) })
	gauge("size_current_bytes", "Bytes charged to cached pairs.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.SizeCurrent) })
	gauge("size_limit_bytes", "Size limit of the cachetable.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.SizeLimit) })
	gauge("size_writing_bytes", "Bytes of pairs being written.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.SizeWriting) })
	gauge("work_queued", "Asynchronous fetches and writes waiting for a worker.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.WorkQueued) })
	counter("work_enqueued_total", "Asynchronous fetches and writes queued.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.WorkEnqueued) })
	gauge("workers_busy", "Workers executing a fetch or write.",
		func(s *cachetable.Status, _ *cachetable.State) float64 { return float64(s.WorkersBusy) })
	gauge("entries", "Cached pairs.",
		func(_ *cachetable.Status, s *cachetable.State) float64 { return float64(s.NumEntries) })
	gauge("pinned_entries", "Cached pairs with at least one pin.",
		func(_ *cachetable.Status, s *cachetable.State) float64 { return float64(s.NumPinned) })
	gauge("hash_buckets", "Buckets of the pair hash table.",
		func(_ *cachetable.Status, s *cachetable.State) float64 { return float64(s.HashSize) })

	collector.lastLSN = prometheus.NewDesc(prometheus.BuildFQName("wal", "", "last_lsn"),
		"LSN of the last record appended to the log.", nil, constLabels)
	return
}

func (collector *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range collector.metrics {
		ch <- metric.desc
	}
	ch <- collector.lastLSN
}

func (collector *statusCollector) Collect(ch chan<- prometheus.Metric) {
	status := collector.ct.Status()
	state := collector.ct.GetState()

	for _, metric := range collector.metrics {
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.value(&status, &state))
	}
	ch <- prometheus.MustNewConstMetric(collector.lastLSN, prometheus.GaugeValue, float64(collector.log.LastLSN()))
}

type metricsServer struct {
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

func startMetricsServer(addr string, collectors ...prometheus.Collector) (metrics *metricsServer, err error) {
	registry := prometheus.NewRegistry()
	for _, collector := range collectors {
		err = registry.Register(collector)
		if nil != err {
			return
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if nil != err {
		return
	}

	metrics = &metricsServer{
		listener: netutil.LimitListener(listener, maxMetricsConnections),
		server:   &http.Server{Handler: mux},
		done:     make(chan struct{}),
	}

	go func() {
		serveErr := metrics.server.Serve(metrics.listener)
		if http.ErrServerClosed != serveErr {
			logger.ErrorfWithError(serveErr, "metrics server on %s failed", addr)
		}
		close(metrics.done)
	}()
	return
}

func (metrics *metricsServer) Addr() string {
	return metrics.listener.Addr().String()
}

func (metrics *metricsServer) Stop() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
	defer cancel()

	err = metrics.server.Shutdown(ctx)
	<-metrics.done
	return
}

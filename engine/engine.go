// Package engine wires MemoryFabric, DictionaryCache, Scheduler,
// StreamDecoder, and ArchiveSink into the single process-scoped pipeline the
// CLI boundary drives: a controller submits an IO task that acquires a file
// map, then a CPU task that drives the decoder through it, handing decoded
// row batches to the sink and releasing the map and its buffers whatever the
// outcome.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/Abyteon/canp/archivesink"
	"github.com/Abyteon/canp/dictcache"
	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
	"github.com/Abyteon/canp/internal/metrics"
	"github.com/Abyteon/canp/internal/xerr"
	"github.com/Abyteon/canp/memfabric"
	"github.com/Abyteon/canp/scheduler"
	"github.com/Abyteon/canp/streamdecoder"
)

// retrySubmitBaseDelay and retrySubmitMaxDelay bound the backoff between
// re-submission attempts when the scheduler reports a retriable submission
// error (Busy or CapacityExceeded): the task is requeued rather than dropped,
// so a transient saturation never loses a file's rows. maxSubmitRetries
// bounds the number of attempts so a permanently wedged fabric surfaces as a
// file failure instead of retrying forever.
const (
	retrySubmitBaseDelay = 10 * time.Millisecond
	retrySubmitMaxDelay  = 500 * time.Millisecond
	maxSubmitRetries     = 30
)

// dictKey is the synthetic cache key every merged --dictionary source is
// published under, so StreamDecoder's single dictPath argument always
// addresses the full combined dictionary regardless of how many files or
// directories were given on the command line.
const dictKey = "engine:merged-dictionary"

// controllerConcurrency bounds how many capture files a Run call drives
// through the scheduler at once; the scheduler's own admission semaphore and
// worker pools provide the real back-pressure, this just bounds how many
// per-file controller goroutines are outstanding.
const controllerConcurrency = 8

// Summary reports the outcome of one Run call printed run
// summary.
type Summary struct {
	FilesAttempted int64
	FilesCompleted int64
	FramesDecoded  int64
	FramesSkipped  int64
	RowsEmitted    int64
	BytesWritten   int64
}

// Engine owns the process-scoped singletons and exposes the narrow surface
// the CLI boundary needs.
type Engine struct {
	cfg   *config.Config
	fab   *memfabric.Fabric
	dict  *dictcache.Cache
	sched *scheduler.Scheduler
	dec   *streamdecoder.Decoder
	sink  *archivesink.FileSink
	mtx   *metrics.Registry

	mu      sync.Mutex
	sources []string
}

// Metrics returns the engine's Prometheus registry. A caller can expose it
// over HTTP via promhttp.HandlerFor(eng.Metrics().Gatherer(), ...); the CLI
// boundary itself doesn't listen on a port.
func (e *Engine) Metrics() *metrics.Registry { return e.mtx }

// observeMetrics records one counter/gauge snapshot round from the three
// owned singletons.
func (e *Engine) observeMetrics() {
	fs := e.fab.Stats()
	ss := e.sched.Stats()
	ds := e.dict.Stats()
	e.mtx.Observe(
		metrics.FabricSnapshot{Checkouts: fs.Checkouts, MapHits: fs.MapHits, MapMisses: fs.MapMisses, CurrentBytes: fs.CurrentBytes, PeakBytes: fs.PeakBytes},
		metrics.SchedulerSnapshot{Submitted: ss.Submitted, Completed: ss.Completed, Failed: ss.Failed, Cancelled: ss.Cancelled, Restarts: ss.Restarts},
		metrics.DictSnapshot{Hits: ds.Hits, Misses: ds.Misses, DecodedFrames: ds.DecodedFrames, UnknownMessages: ds.UnknownMessages},
	)
}

// Init constructs one Fabric, one DictionaryCache, one Scheduler, and wires
// a StreamDecoder and a FileSink over them process topology.
func Init(cfg *config.Config, codec archivesink.Codec, partitioner archivesink.Partitioner) (*Engine, error) {
	fab := memfabric.NewFabric(cfg.Fabric)
	dict := dictcache.NewCache(cfg.Dict)
	sched := scheduler.New(cfg.Scheduler)
	dec := streamdecoder.New(cfg.Decoder, fab, dict)

	sink, err := archivesink.NewFileSink(cfg.Sink.OutputDir, codec, partitioner)
	if err != nil {
		sched.Shutdown(context.Background())
		fab.Shutdown()
		return nil, err
	}

	return &Engine{cfg: cfg, fab: fab, dict: dict, sched: sched, dec: dec, sink: sink, mtx: metrics.NewRegistry()}, nil
}

// LoadDictionary adds one more dictionary source (a file or a directory of
// them) to the combined dictionary every capture file is decoded against.
// Sources are re-merged in the order given; a later source's message ids win
// over an earlier source's on collision.
func (e *Engine) LoadDictionary(path string) error {
	e.mu.Lock()
	e.sources = append(e.sources, path)
	sources := append([]string(nil), e.sources...)
	e.mu.Unlock()

	return e.dict.Merge(dictKey, sources...)
}

// Run walks inputDir (non-recursive, mirroring DictionaryCache.LoadDirectory's
// convention) and decodes every regular file found there data
// flow: an IO task maps the file, a CPU task drives StreamDecoder through it
// and hands batches to the sink, and the map is released once both tasks
// have settled.
func (e *Engine) Run(inputDir string) (Summary, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return Summary{}, &xerr.IoError{Path: inputDir, Cause: err}
	}

	var files []string
	for _, de := range entries {
		if !de.IsDir() {
			files = append(files, filepath.Join(inputDir, de.Name()))
		}
	}

	var (
		attempted, completed   atomic.Int64
		framesDecoded, skipped atomic.Int64
		rowsEmitted            atomic.Int64
	)

	work := make(chan string, len(files))
	for _, f := range files {
		work <- f
	}
	close(work)

	var wg sync.WaitGroup
	concurrency := controllerConcurrency
	if len(files) < concurrency {
		concurrency = len(files)
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range work {
				attempted.Inc()
				stats, err := e.processFile(path)
				if err != nil {
					logging.Warningf("engine: %s: %v", path, err)
					continue
				}
				completed.Inc()
				framesDecoded.Add(stats.FramesDecoded)
				skipped.Add(stats.FramesMalformed + stats.SignalsSkipped)
				rowsEmitted.Add(stats.RowsEmitted)
			}
		}()
	}
	wg.Wait()
	e.observeMetrics()

	return Summary{
		FilesAttempted: attempted.Load(),
		FilesCompleted: completed.Load(),
		FramesDecoded:  framesDecoded.Load(),
		FramesSkipped:  skipped.Load(),
		RowsEmitted:    rowsEmitted.Load(),
		BytesWritten:   e.sink.BytesWritten(),
	}, nil
}

// isRetriableSubmission reports whether err is a transient admission error
// the controller should requeue against rather than surface as a file
// failure: Busy (admission-semaphore or queue saturation) and
// CapacityExceeded (fabric ceiling) both clear on their own once some other
// task releases its buffers.
func isRetriableSubmission(err error) bool {
	if errors.Is(err, xerr.Busy) {
		return true
	}
	var capErr *xerr.CapacityExceeded
	return errors.As(err, &capErr)
}

// submitRetrying submits via submit and, on a retriable admission error
// (from the submit call itself or surfaced as the task's result error),
// backs off and resubmits rather than failing the file outright: capacity and
// admission pressure are expected to clear as other in-flight tasks finish,
// so a retriable error here must never lose a file's rows. It gives up after
// maxSubmitRetries attempts.
func submitRetrying(submit func() (<-chan scheduler.Result, error)) (scheduler.Result, error) {
	delay := retrySubmitBaseDelay
	for attempt := 0; ; attempt++ {
		resultC, err := submit()
		if err != nil {
			if !isRetriableSubmission(err) || attempt == maxSubmitRetries-1 {
				return scheduler.Result{}, err
			}
		} else if res := <-resultC; res.Err != nil {
			if !isRetriableSubmission(res.Err) || attempt == maxSubmitRetries-1 {
				return res, res.Err
			}
		} else {
			return res, nil
		}

		time.Sleep(delay)
		delay *= 2
		if delay > retrySubmitMaxDelay {
			delay = retrySubmitMaxDelay
		}
	}
}

// processFile drives one capture file through the IO-map / CPU-decode pair
// of scheduler tasks the data-flow calls for, releasing the file map once
// both have settled regardless of outcome. A Busy or CapacityExceeded
// response at either stage is retried with backoff instead of failing the
// file, so no rows are lost to transient saturation.
func (e *Engine) processFile(path string) (streamdecoder.DecodeStats, error) {
	var mf *memfabric.MappedFile

	_, err := submitRetrying(func() (<-chan scheduler.Result, error) {
		return e.sched.SubmitIO(scheduler.PriorityNormal, func(ctx context.Context) error {
			var err error
			mf, err = e.fab.MapFile(path)
			return err
		})
	})
	if err != nil {
		return streamdecoder.DecodeStats{}, fmt.Errorf("map %s: %w", path, err)
	}
	defer mf.Release()

	var stats streamdecoder.DecodeStats
	_, err = submitRetrying(func() (<-chan scheduler.Result, error) {
		return e.sched.SubmitCPU(scheduler.PriorityNormal, func(ctx context.Context) error {
			var err error
			stats, err = e.dec.DecodeFile(path, mf, dictKey, e.sink)
			return err
		})
	})
	if err != nil {
		return stats, fmt.Errorf("decode %s: %w", path, err)
	}
	return stats, nil
}

// Shutdown tears down the scheduler, sink, and fabric in that order: the
// scheduler first so no in-flight task touches the fabric or sink after they
// stop accepting work.
func (e *Engine) Shutdown() {
	_ = e.sched.Shutdown(context.Background())
	_ = e.sink.Close()
	e.fab.Shutdown()
}

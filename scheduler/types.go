// Package scheduler routes submitted work to IO and CPU worker pools plus a
// starvation-proof priority lane, bounds in-flight tasks with a global
// admission semaphore, and guarantees every attached pooled buffer is
// released exactly once regardless of how the task terminates.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/Abyteon/canp/memfabric"
)

// Kind names which pool a task runs on.
type Kind int

const (
	KindIO Kind = iota
	KindCPU
	KindPriority
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCPU:
		return "cpu"
	case KindPriority:
		return "priority"
	default:
		return "unknown"
	}
}

// Priority orders tasks of the same Kind; higher values start first among
// tasks still queued, but never preempt a task already running.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Work is the body a submitted task runs. It receives a context carrying the
// task's deadline and the scheduler's shutdown cancellation, and must check
// ctx.Err() at suspension points (IO) or batch boundaries (CPU) to honor
// cooperative cancellation.
type Work func(ctx context.Context) error

// TaskDescriptor identifies one submitted unit of work and its released-once
// buffer set.
type TaskDescriptor struct {
	ID        uint64
	Kind      Kind
	Priority  Priority
	Submitted time.Time
	Buffers   []*memfabric.PooledBuffer
}

// Result is delivered on a task's result channel exactly once, on success,
// failure, or cancellation.
type Result struct {
	Task TaskDescriptor
	Err  error
	Dur  time.Duration
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	Restarts   int64
	PerKind    map[Kind]KindStats
	MeanExecNs int64
	P99ExecNs  int64
}

// KindStats breaks Stats down per worker-pool kind.
type KindStats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/Abyteon/canp/housekeeper"
	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
	"github.com/Abyteon/canp/internal/xerr"
	"github.com/Abyteon/canp/memfabric"
)

type job struct {
	desc    TaskDescriptor
	work    Work
	ctx     context.Context
	cancel  context.CancelFunc
	resultC chan Result
}

// Scheduler is the process-scoped task router: two disjoint worker pools
// (IO, CPU) plus a priority lane, a global admission semaphore, and
// buffer-release-on-completion guarantees. Within a single kind's pool,
// tasks are further split into three priority-banded queues that workers
// drain high-to-low, so a PriorityHigh task never waits behind a backlog of
// PriorityLow ones of the same kind.
type Scheduler struct {
	cfg config.SchedulerConfig

	admission *semaphore.Weighted

	ioQ  [priorityBands]chan *job
	cpuQ [priorityBands]chan *job

	ioNotify  chan struct{}
	cpuNotify chan struct{}
	ioDone    chan struct{}
	cpuDone   chan struct{}

	priorityQ chan *job

	nextID atomic.Uint64

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	restarts  atomic.Int64

	kindMu sync.Mutex
	kind   map[Kind]*KindStats

	durMu sync.Mutex
	durs  []time.Duration // bounded ring of recent exec durations, for p99

	shuttingDown atomic.Bool
	rootCtx      context.Context
	rootCancel   context.CancelFunc

	wg       sync.WaitGroup
	hkName   string
	maxDurs  int
}

// priorityBands is the number of same-kind priority queues a task can land
// in: one per Priority value (Low, Normal, High).
const priorityBands = 3

// New constructs a Scheduler and starts its worker pools.
func New(cfg config.SchedulerConfig) *Scheduler {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		admission:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		priorityQ:  make(chan *job, cfg.MaxInFlight),
		ioNotify:   make(chan struct{}, 1),
		cpuNotify:  make(chan struct{}, 1),
		ioDone:     make(chan struct{}),
		cpuDone:    make(chan struct{}),
		kind:       map[Kind]*KindStats{KindIO: {}, KindCPU: {}, KindPriority: {}},
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		hkName:     "scheduler",
		maxDurs:    4096,
	}
	for p := 0; p < priorityBands; p++ {
		s.ioQ[p] = make(chan *job, cfg.MaxInFlight)
		s.cpuQ[p] = make(chan *job, cfg.MaxInFlight)
	}

	for i := 0; i < cfg.IOWorkers; i++ {
		s.wg.Add(1)
		go s.runIOWorker(i)
	}
	for i := 0; i < cfg.PriorityWorkers; i++ {
		s.wg.Add(1)
		go s.runPriorityWorker(i)
	}
	for i := 0; i < cfg.CPUWorkers; i++ {
		s.wg.Add(1)
		go s.runCPUWorker(i)
	}

	housekeeper.Reg(s.hkName, s.reportIdle, time.Minute)
	return s
}

// reportIdle is a housekeeper callback logging queue depth at low verbosity;
// it never drives scheduling decisions, only observability.
func (s *Scheduler) reportIdle() time.Duration {
	if logging.FastV(4, logging.SmoduleScheduler) {
		logging.Infof("scheduler: io=%d cpu=%d priority=%d in flight",
			queueDepth(s.ioQ), queueDepth(s.cpuQ), len(s.priorityQ))
	}
	return time.Minute
}

func queueDepth(bands [priorityBands]chan *job) int {
	n := 0
	for _, q := range bands {
		n += len(q)
	}
	return n
}

func (s *Scheduler) newJob(kind Kind, prio Priority, bufs []*memfabric.PooledBuffer, work Work) *job {
	id := s.nextID.Inc()
	ctx, cancel := context.WithTimeout(s.rootCtx, s.cfg.TaskDeadline)
	return &job{
		desc: TaskDescriptor{
			ID: id, Kind: kind, Priority: prio,
			Submitted: time.Now(), Buffers: bufs,
		},
		work:    work,
		ctx:     ctx,
		cancel:  cancel,
		resultC: make(chan Result, 1),
	}
}

// SubmitIO enqueues a task whose body suspends on external IO.
func (s *Scheduler) SubmitIO(priority Priority, work Work) (<-chan Result, error) {
	return s.submit(KindIO, priority, nil, work)
}

// SubmitCPU enqueues a compute task; the body must not block on external IO.
func (s *Scheduler) SubmitCPU(priority Priority, work Work) (<-chan Result, error) {
	return s.submit(KindCPU, priority, nil, work)
}

// SubmitPriority bypasses the normal queues, reserved for recovery/reporting
// work that must never wait behind ordinary traffic.
func (s *Scheduler) SubmitPriority(work Work) (<-chan Result, error) {
	return s.submit(KindPriority, PriorityHigh, nil, work)
}

// SubmitWithBuffers attaches pooled buffers to a task of the given kind; on
// completion (success, error, or cancellation) every attached buffer is
// released exactly once.
func (s *Scheduler) SubmitWithBuffers(kind Kind, priority Priority, buffers []*memfabric.PooledBuffer, work Work) (<-chan Result, error) {
	return s.submit(kind, priority, buffers, work)
}

func (s *Scheduler) submit(kind Kind, priority Priority, buffers []*memfabric.PooledBuffer, work Work) (<-chan Result, error) {
	if s.shuttingDown.Load() {
		releaseAll(buffers)
		return nil, xerr.Cancelled
	}
	if !s.admission.TryAcquire(1) {
		releaseAll(buffers)
		return nil, xerr.Busy
	}

	j := s.newJob(kind, priority, buffers, work)
	s.submitted.Inc()
	s.bumpKind(kind, func(ks *KindStats) { ks.Submitted++ })

	var (
		q      chan *job
		notify chan struct{}
	)
	switch kind {
	case KindIO:
		q, notify = s.ioQ[priority], s.ioNotify
	case KindCPU:
		q, notify = s.cpuQ[priority], s.cpuNotify
	case KindPriority:
		q = s.priorityQ
	}

	select {
	case q <- j:
	default:
		s.admission.Release(1)
		j.cancel()
		releaseAll(buffers)
		return nil, xerr.Busy
	}
	if notify != nil {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	return j.resultC, nil
}

func releaseAll(buffers []*memfabric.PooledBuffer) {
	for _, b := range buffers {
		b.Release()
	}
}

func (s *Scheduler) bumpKind(k Kind, f func(*KindStats)) {
	s.kindMu.Lock()
	f(s.kind[k])
	s.kindMu.Unlock()
}

func (s *Scheduler) recordDur(d time.Duration) {
	s.durMu.Lock()
	s.durs = append(s.durs, d)
	if len(s.durs) > s.maxDurs {
		s.durs = s.durs[len(s.durs)-s.maxDurs:]
	}
	s.durMu.Unlock()
}

// runJob executes j.work, guarantees buffer release, records stats, and
// publishes exactly one Result.
func (s *Scheduler) runJob(j *job) {
	defer s.admission.Release(1)
	defer j.cancel()
	defer releaseAll(j.desc.Buffers)

	start := time.Now()
	err := j.work(j.ctx)
	dur := time.Since(start)
	s.recordDur(dur)

	switch {
	case err == nil:
		s.completed.Inc()
		s.bumpKind(j.desc.Kind, func(ks *KindStats) { ks.Completed++ })
	case j.ctx.Err() != nil:
		s.cancelled.Inc()
		err = xerr.Cancelled
	default:
		s.failed.Inc()
		s.bumpKind(j.desc.Kind, func(ks *KindStats) { ks.Failed++ })
	}

	j.resultC <- Result{Task: j.desc, Err: err, Dur: dur}
	close(j.resultC)
}

// Shutdown stops accepting new tasks, drains in-flight work up to a grace
// period, then cancels whatever remains and waits for workers to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	housekeeper.Unreg(s.hkName)

	grace := s.cfg.ShutdownGrace
	drained := make(chan struct{})
	go func() {
		// best-effort: wait for in-flight admission to empty out, i.e. every
		// acquired semaphore unit has been released by a finished job
		for !s.admission.TryAcquire(int64(s.cfg.MaxInFlight)) {
			time.Sleep(5 * time.Millisecond)
			select {
			case <-ctx.Done():
				close(drained)
				return
			default:
			}
		}
		s.admission.Release(int64(s.cfg.MaxInFlight))
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
	case <-ctx.Done():
	}

	s.rootCancel()
	close(s.ioDone)
	close(s.cpuDone)
	close(s.priorityQ)
	s.wg.Wait()
	return nil
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.kindMu.Lock()
	perKind := make(map[Kind]KindStats, len(s.kind))
	for k, v := range s.kind {
		perKind[k] = *v
	}
	s.kindMu.Unlock()

	mean, p99 := s.execTimeSummary()
	return Stats{
		Submitted:  s.submitted.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Cancelled:  s.cancelled.Load(),
		Restarts:   s.restarts.Load(),
		PerKind:    perKind,
		MeanExecNs: mean,
		P99ExecNs:  p99,
	}
}

func (s *Scheduler) execTimeSummary() (meanNs, p99Ns int64) {
	s.durMu.Lock()
	defer s.durMu.Unlock()
	if len(s.durs) == 0 {
		return 0, 0
	}
	cp := make([]time.Duration, len(s.durs))
	copy(cp, s.durs)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })

	var sum int64
	for _, d := range cp {
		sum += int64(d)
	}
	mean := sum / int64(len(cp))
	idx := (len(cp)*99)/100
	if idx >= len(cp) {
		idx = len(cp) - 1
	}
	return mean, int64(cp[idx])
}

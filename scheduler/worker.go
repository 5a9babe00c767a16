package scheduler

import (
	"fmt"

	"github.com/Abyteon/canp/internal/logging"
)

// runIOWorker services the IO queue cooperatively, preferring the priority
// queue whenever it has work ready, so a priority submission is never stuck
// behind a long IO queue even on an ordinary worker ("strict preemption over
// the IO general queue"). Within the IO queue itself, dequeueBand enforces
// that a PriorityHigh task drains before any PriorityLow task still waiting.
func (s *Scheduler) runIOWorker(idx int) {
	defer s.wg.Done()
	s.runLoop(KindIO, idx, func() (*job, bool) {
		// non-blocking priority peek: only short-circuits to the priority
		// queue when it actually yields a live job, so a closed-and-drained
		// priorityQ (during shutdown) never masks remaining ioQ work.
		select {
		case j, ok := <-s.priorityQ:
			if ok {
				return j, true
			}
		default:
		}
		return dequeueBand(s.ioQ, s.ioNotify, s.ioDone)
	})
}

// runPriorityWorker services only the priority lane: a small, dedicated set
// of workers that never touch the general IO queue.
func (s *Scheduler) runPriorityWorker(idx int) {
	defer s.wg.Done()
	s.runLoop(KindPriority, idx, func() (*job, bool) {
		j, ok := <-s.priorityQ
		return j, ok
	})
}

// runCPUWorker services the CPU queue, a fixed pool of goroutines;
// compute tasks must not block on external IO for long. dequeueBand enforces
// the same within-kind priority ordering as the IO pool.
func (s *Scheduler) runCPUWorker(idx int) {
	defer s.wg.Done()
	s.runLoop(KindCPU, idx, func() (*job, bool) {
		return dequeueBand(s.cpuQ, s.cpuNotify, s.cpuDone)
	})
}

// dequeueBand returns the highest-priority job ready across bands (indexed
// High..Low, see Priority), blocking on notify when nothing is immediately
// ready and re-peeking high-to-low on every wakeup so a PriorityHigh task
// queued while the worker was parked still wins over an older PriorityLow
// one. done closes once the scheduler is shutting down: dequeueBand then
// makes a final non-blocking sweep of the bands before reporting no more
// work.
func dequeueBand(bands [priorityBands]chan *job, notify, done chan struct{}) (*job, bool) {
	for {
		for p := PriorityHigh; p >= PriorityLow; p-- {
			select {
			case j, ok := <-bands[p]:
				if ok {
					return j, true
				}
			default:
			}
		}
		select {
		case <-notify:
			continue
		case <-done:
			for p := PriorityHigh; p >= PriorityLow; p-- {
				select {
				case j, ok := <-bands[p]:
					if ok {
						return j, true
					}
				default:
				}
			}
			return nil, false
		}
	}
}

// runLoop pulls jobs via next until its queue(s) close, recovering from a
// panicking task body up to cfg.MaxRestarts times before letting the worker
// exit bounded worker-crash-restart guarantee.
func (s *Scheduler) runLoop(kind Kind, idx int, next func() (*job, bool)) {
	restarts := 0
	for {
		j, ok := next()
		if !ok {
			return
		}
		if s.runJobRecovered(j) {
			continue
		}
		restarts++
		s.restarts.Inc()
		logging.Errorf("scheduler: %s worker %d recovered from a task panic (restart %d/%d)",
			kind, idx, restarts, s.cfg.MaxRestarts)
		if restarts >= s.cfg.MaxRestarts {
			logging.Errorf("scheduler: %s worker %d exceeded restart budget, stopping", kind, idx)
			return
		}
	}
}

// runJobRecovered runs j.runJob under recover(), reporting whether the task
// body completed without panicking. A panic still publishes a Result and
// releases attached buffers via runJob's own deferred cleanup.
func (s *Scheduler) runJobRecovered(j *job) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			clean = false
			select {
			case j.resultC <- Result{Task: j.desc, Err: fmt.Errorf("task panic: %v", r)}:
				close(j.resultC)
			default:
			}
		}
	}()
	s.runJob(j)
	return true
}

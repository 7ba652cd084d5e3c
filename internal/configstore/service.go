package configstore

import (
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitinics/openr/internal/backoff"
	"github.com/nitinics/openr/internal/logging"
	"github.com/nitinics/openr/internal/storage"
	"github.com/nitinics/openr/pkg/wire"
)

var storelog = logging.For("store")

// schedState tracks the persistence scheduler. With the scheduler disabled
// every mutation saves synchronously; otherwise mutations arm a flush timer
// once (idle -> armed) and further mutations coalesce until it fires.
type schedState int

const (
	schedDisabled schedState = iota
	schedIdle
	schedArmed
)

type request struct {
	req   wire.Request
	reply chan wire.Response
}

// Service is the store. All state below sched is owned by the Run goroutine;
// the atomics exist so observability reads never enter the loop.
type Service struct {
	backend storage.Backend
	retry   *backoff.Backoff

	db    wire.Database
	sched schedState

	requests chan request
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	numWrites atomic.Uint64
	entries   atomic.Int64
}

// New loads the database image from the backend. A failed load is logged
// and the service starts empty; it is never fatal. Passing zero for both
// backoff durations disables the scheduler and makes every mutation save
// synchronously before its response.
func New(backend storage.Backend, initialBackoff, maxBackoff time.Duration) *Service {
	s := &Service{
		backend:  backend,
		retry:    backoff.New(initialBackoff, maxBackoff),
		sched:    schedIdle,
		requests: make(chan request),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if initialBackoff == 0 && maxBackoff == 0 {
		s.sched = schedDisabled
	}

	db, err := backend.Load()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		storelog.Info("no database image yet, starting empty")
	default:
		storelog.Warn("loading database image failed, starting empty", "err", err)
	}
	if db == nil {
		db = wire.Database{}
	}
	s.db = db
	s.entries.Store(int64(len(db)))
	return s
}

// Run processes requests until Stop is called. It owns the database, the
// scheduler state and the flush timer; selecting the timer in the same loop
// means a flush can never interleave with a request. On the way out it
// performs one final synchronous save regardless of scheduler state.
func (s *Service) Run() {
	defer close(s.stopped)

	var flushTimer *time.Timer
	var flushC <-chan time.Time
	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
	}()

	// Arm is only ever called with the timer idle or consumed, so Reset
	// needs no drain.
	arm := func(d time.Duration) {
		if flushTimer == nil {
			flushTimer = time.NewTimer(d)
		} else {
			flushTimer.Reset(d)
		}
		flushC = flushTimer.C
		s.sched = schedArmed
	}

	for {
		select {
		case r := <-s.requests:
			resp, mutated := s.process(r.req)
			if mutated {
				s.entries.Store(int64(len(s.db)))
				switch s.sched {
				case schedDisabled:
					s.save()
				case schedIdle:
					arm(s.retry.Duration())
				case schedArmed:
					// Debounce: a flush is already pending.
				}
			}
			r.reply <- resp

		case <-flushC:
			flushC = nil
			s.sched = schedIdle
			if s.save() {
				s.retry.ReportSuccess()
			} else {
				s.retry.ReportError()
				d := s.retry.Duration()
				storelog.Warn("rescheduling save", "retry_in", d)
				arm(d)
			}

		case <-s.stop:
			s.save()
			storelog.Info("store service stopped",
				"entries", len(s.db), "writes", s.numWrites.Load())
			return
		}
	}
}

// Stop signals the loop and blocks until it has quiesced, final save
// included. Safe to call from any goroutine; subsequent calls just wait.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// Handle posts a request into the loop and waits for the reply. After Stop
// it fails the request without touching the database.
func (s *Service) Handle(req wire.Request) wire.Response {
	r := request{req: req, reply: make(chan wire.Response, 1)}
	select {
	case s.requests <- r:
		return <-r.reply
	case <-s.stopped:
		return wire.Response{Key: req.Key}
	}
}

// process applies one request to the database. The bool reports whether the
// database changed, which is what drives the persistence decision.
func (s *Service) process(req wire.Request) (wire.Response, bool) {
	resp := wire.Response{Key: req.Key}

	switch req.Op {
	case wire.OpStore:
		s.db[req.Key] = req.Value
		resp.Success = true
		return resp, true

	case wire.OpLoad:
		if v, ok := s.db[req.Key]; ok {
			resp.Success = true
			resp.Value = v
		}
		return resp, false

	case wire.OpErase:
		if _, ok := s.db[req.Key]; ok {
			delete(s.db, req.Key)
			resp.Success = true
			return resp, true
		}
		return resp, false

	default:
		storelog.Warn("unknown operation", "op", wire.OpName(req.Op), "key", req.Key)
		return resp, false
	}
}

// save writes the image through the backend and reports whether it worked.
// Failures are logged here; the caller decides about retries.
func (s *Service) save() bool {
	if err := s.backend.Save(s.db); err != nil {
		storelog.Error("saving database image failed", "err", err, "entries", len(s.db))
		return false
	}
	s.numWrites.Add(1)
	return true
}

// NumWrites returns how many saves have succeeded since startup.
func (s *Service) NumWrites() uint64 {
	return s.numWrites.Load()
}

// Len returns the current number of entries.
func (s *Service) Len() int {
	return int(s.entries.Load())
}

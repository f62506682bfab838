package rebuild

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrWorkerCrashed reports a transport-level failure: the background context
// itself died rather than returning a normal rejection. The bridge discards
// the crashed worker and spawns a fresh one on the next call.
var ErrWorkerCrashed = errors.New("rebuild: background worker crashed")

const (
	msgEnsureProjection = "ensure-projection"
	msgProjectionResult = "projection-result"
)

// request and response form the message protocol with the background
// execution context. The channel is shared across calls, so the correlation
// id is mandatory: a response for a discarded request must be ignored.
type request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// pending is the shared outcome of the one in-flight request.
type pending struct {
	done chan struct{}
	err  error
}

// Ensurer is what the bridge delegates to; in production it is the
// Coordinator.
type Ensurer interface {
	EnsureProjection() error
}

// Bridge runs EnsureProjection on a background execution context when one is
// available, and inline otherwise. It is an explicit two-state client: idle,
// or exactly one request in flight. A caller arriving while a request is in
// flight awaits that request's outcome instead of issuing a duplicate.
type Bridge struct {
	coord Ensurer
	log   *zap.Logger

	background bool

	mu       sync.Mutex
	w        *worker
	inflight *pending
}

// NewBridge wires the bridge over the coordinator. With background false
// every call runs inline on the caller's goroutine.
func NewBridge(coord Ensurer, background bool, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{coord: coord, background: background, log: log}
}

// EnsureProjection delegates the freshness check to the background context,
// sharing the pending outcome with every concurrent caller.
func (b *Bridge) EnsureProjection() error {
	b.mu.Lock()
	if p := b.inflight; p != nil {
		b.mu.Unlock()
		<-p.done
		return p.err
	}
	p := &pending{done: make(chan struct{})}
	b.inflight = p
	b.mu.Unlock()

	p.err = b.dispatch()

	b.mu.Lock()
	b.inflight = nil
	b.mu.Unlock()
	close(p.done)
	return p.err
}

func (b *Bridge) dispatch() error {
	if !b.background {
		return b.coord.EnsureProjection()
	}

	b.mu.Lock()
	if b.w == nil {
		b.w = startWorker(b.coord)
		b.log.Debug("rebuild worker started")
	}
	w := b.w
	b.mu.Unlock()

	req := request{Type: msgEnsureProjection, RequestID: uuid.NewString()}
	w.requests <- req

	for resp := range w.responses {
		if resp.RequestID != req.RequestID || resp.Type != msgProjectionResult {
			continue
		}
		if !resp.OK {
			return errors.New(resp.Error)
		}
		return nil
	}

	// Response channel closed without an answer: the worker is gone. Drop it
	// so the next call gets a fresh context instead of a wedged one.
	b.mu.Lock()
	b.w = nil
	b.mu.Unlock()
	b.log.Warn("rebuild worker crashed, will respawn on next call")
	return ErrWorkerCrashed
}

// Close stops the background worker, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w != nil {
		close(b.w.quit)
		b.w = nil
	}
}

// worker is the secondary execution context: a goroutine servicing rebuild
// requests one at a time. The single-in-flight rule upstream guarantees at
// most one request is ever queued, hence the buffer of one.
type worker struct {
	requests  chan request
	responses chan response
	quit      chan struct{}
}

func startWorker(coord Ensurer) *worker {
	w := &worker{
		requests:  make(chan request, 1),
		responses: make(chan response, 1),
		quit:      make(chan struct{}),
	}
	go w.run(coord)
	return w
}

func (w *worker) run(coord Ensurer) {
	// Closing responses is the crash signal the bridge watches for. A panic
	// in the handler kills this worker, not the process.
	defer close(w.responses)
	defer func() {
		recover()
	}()

	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			resp := response{Type: msgProjectionResult, RequestID: req.RequestID, OK: true}
			if req.Type != msgEnsureProjection {
				resp.OK = false
				resp.Error = fmt.Sprintf("unknown request type %q", req.Type)
			} else if err := coord.EnsureProjection(); err != nil {
				resp.OK = false
				resp.Error = err.Error()
			}
			select {
			case w.responses <- resp:
			case <-w.quit:
				return
			}
		}
	}
}

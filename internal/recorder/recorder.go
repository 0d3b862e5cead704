// Package recorder runs persistence writes off the collaborative path.
//
// Hub handlers enqueue jobs and return immediately. A worker applies them in
// order against the store; failures come back as Results that are logged and
// counted, never shown to collaborators. Reads of a room's code go through
// the same queue, so they observe every write enqueued before them.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/metrics"
)

// Store is the persistence gateway.
type Store interface {
	LoadCode(ctx context.Context, roomID string) (string, bool, error)
	RecordChange(ctx context.Context, roomID, userID, changeType, code string) error
	RecordEvent(ctx context.Context, roomID, userID, event string) error
	SaveChatMessage(ctx context.Context, m db.ChatMessage) error
}

// Op names a kind of write.
type Op string

const (
	OpChange Op = "change"
	OpJoin   Op = "join"
	OpLeave  Op = "leave"
	OpChat   Op = "chat"
	OpLoad   Op = "load"
)

var ErrClosed = errors.New("recorder closed")

// Result reports how a single job went.
type Result struct {
	Op     Op
	RoomID string
	UserID string
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

type job struct {
	op  Op
	run func(ctx context.Context) error

	roomID string
	userID string
}

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

type Recorder struct {
	store    Store
	jobs     chan job
	onResult func(Result)

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// New creates a recorder. onResult, if non-nil, sees every Result after it
// has been logged.
func New(store Store, queueSize int, onResult func(Result)) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		store:    store,
		jobs:     make(chan job, queueSize),
		onResult: onResult,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run applies jobs until ctx is cancelled or Close is called, then drains
// what is already queued.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case j, ok := <-r.jobs:
			if !ok {
				return nil
			}
			r.apply(j)
		case <-ctx.Done():
			r.Close()
			for j := range r.jobs {
				r.apply(j)
			}
			return nil
		}
	}
}

// Close stops accepting jobs. Run returns once the queue is drained.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		r.mu.Lock()
		r.closed = true
		close(r.jobs)
		r.mu.Unlock()
	})
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) apply(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res := Result{Op: j.op, RoomID: j.roomID, UserID: j.userID, Err: j.run(ctx)}
	if !res.OK() {
		slog.Warn("persistence job failed",
			"op", res.Op, "room_id", res.RoomID, "user_id", res.UserID, "error", res.Err)
		metrics.PersistenceFailures.WithLabelValues(string(res.Op)).Inc()
	}
	if r.onResult != nil {
		r.onResult(res)
	}
}

func (r *Recorder) enqueue(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- j:
	default:
		slog.Warn("persistence queue full, dropping write", "op", j.op, "room_id", j.roomID)
		metrics.PersistenceFailures.WithLabelValues(string(j.op)).Inc()
	}
}

func (r *Recorder) RecordChange(roomID, userID, changeType, code string) {
	r.enqueue(job{op: OpChange, roomID: roomID, userID: userID, run: func(ctx context.Context) error {
		return r.store.RecordChange(ctx, roomID, userID, changeType, code)
	}})
}

func (r *Recorder) RecordJoin(roomID, userID string) {
	r.enqueue(job{op: OpJoin, roomID: roomID, userID: userID, run: func(ctx context.Context) error {
		return r.store.RecordEvent(ctx, roomID, userID, db.EventJoin)
	}})
}

func (r *Recorder) RecordLeave(roomID, userID string) {
	r.enqueue(job{op: OpLeave, roomID: roomID, userID: userID, run: func(ctx context.Context) error {
		return r.store.RecordEvent(ctx, roomID, userID, db.EventLeave)
	}})
}

func (r *Recorder) RecordChat(m db.ChatMessage) {
	r.enqueue(job{op: OpChat, roomID: m.RoomID, userID: m.UserID, run: func(ctx context.Context) error {
		return r.store.SaveChatMessage(ctx, m)
	}})
}

// LoadCode reads a room's canonical code after every write already queued
// has been applied. Unlike writes it waits for queue space. Once the
// recorder is closed it reads the store directly.
func (r *Recorder) LoadCode(ctx context.Context, roomID string) (string, bool, error) {
	type loaded struct {
		code string
		ok   bool
		err  error
	}
	out := make(chan loaded, 1)

	err := r.submit(ctx, job{op: OpLoad, roomID: roomID, run: func(ctx context.Context) error {
		code, ok, err := r.store.LoadCode(ctx, roomID)
		out <- loaded{code, ok, err}
		return err
	}})
	if errors.Is(err, ErrClosed) {
		return r.store.LoadCode(ctx, roomID)
	}
	if err != nil {
		return "", false, err
	}

	select {
	case l := <-out:
		return l.code, l.ok, l.err
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// submit blocks until j is queued, the recorder closes or ctx ends.
func (r *Recorder) submit(ctx context.Context, j job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.jobs <- j:
		return nil
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

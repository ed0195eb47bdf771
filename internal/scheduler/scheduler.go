package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
	"github.com/tidewave/strand/pkg/id"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// Handler executes a fired task. The task record is already deleted when the
// handler runs, so a crash mid-handler drops the task rather than replaying
// it; callers that need stronger guarantees re-derive work from their own
// state on the next trigger.
type Handler func(ctx context.Context, payload []byte)

const defaultPollInterval = 250 * time.Millisecond

// Scheduler persists delayed one-shot tasks and fires them when due. Tasks
// survive restarts: the record and its due-index entry live in the store, and
// the poll loop picks up anything that came due while the process was down.
type Scheduler struct {
	db     *pebblestore.DB
	gen    *id.Generator
	logger logpkg.Logger
	poll   time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Options configures a Scheduler.
type Options struct {
	Logger       logpkg.Logger
	PollInterval time.Duration
}

// taskRecord is the persisted form of a scheduled task.
type taskRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReadyAtMs int64           `json:"readyAtMs"`
}

// New returns a Scheduler over the store.
func New(db *pebblestore.DB, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		db:       db,
		gen:      id.NewGenerator(),
		logger:   logger.With(logpkg.Component("scheduler")),
		poll:     poll,
		now:      time.Now,
		handlers: map[string]Handler{},
	}
}

// Register installs the handler for a task kind. Tasks of an unregistered
// kind are dropped with a warning when they fire.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[kind]
}

// Schedule persists a task to fire after delay and returns a handle for it.
func (s *Scheduler) Schedule(ctx context.Context, kind string, payload []byte, delay time.Duration) (*Handle, error) {
	rec := taskRecord{
		ID:        s.gen.Next().String(),
		Kind:      kind,
		Payload:   payload,
		ReadyAtMs: s.now().Add(delay).UnixMilli(),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode task: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(taskKey(rec.ID), buf, nil); err != nil {
		return nil, err
	}
	if err := b.Set(dueKey(rec.ReadyAtMs, rec.ID), nil, nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("scheduler: persist task: %w", err)
	}
	return &Handle{s: s, taskID: rec.ID}, nil
}

// HandleFor rebuilds a handle from a stored task id, e.g. one recovered from
// an aggregate row after a restart. The id need not refer to a live task.
func (s *Scheduler) HandleFor(taskID string) *Handle {
	return &Handle{s: s, taskID: taskID}
}

// Handle refers to a scheduled task.
type Handle struct {
	s      *Scheduler
	taskID string
}

// TaskID returns the task's stable identifier.
func (h *Handle) TaskID() string { return h.taskID }

// IsActive reports whether the task is still pending (not fired, not
// cancelled).
func (h *Handle) IsActive() (bool, error) {
	_, err := h.s.db.Get(taskKey(h.taskID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel removes the task if it has not fired yet. Cancelling a fired or
// already-cancelled task is a no-op, which lets callers cancel stored handles
// without first checking liveness.
func (h *Handle) Cancel(ctx context.Context) error {
	buf, err := h.s.db.Get(taskKey(h.taskID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec taskRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return fmt.Errorf("scheduler: decode task %s: %w", h.taskID, err)
	}
	return h.s.remove(ctx, rec)
}

// remove deletes a task record and its due-index entry atomically.
func (s *Scheduler) remove(ctx context.Context, rec taskRecord) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(taskKey(rec.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(dueKey(rec.ReadyAtMs, rec.ID), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Run polls the due index until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info("scheduler started", logpkg.Str("poll", s.poll.String()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.FireDue(ctx); err != nil {
				s.logger.Error("fire due tasks", logpkg.Err(err))
			}
		}
	}
}

// FireDue runs every task whose ready time has passed. Each task is removed
// before its handler executes, so firing happens at most once even with
// concurrent pollers racing on the same store.
func (s *Scheduler) FireDue(ctx context.Context) error {
	due, err := s.collectDue()
	if err != nil {
		return err
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.remove(ctx, rec); err != nil {
			return err
		}
		h := s.handler(rec.Kind)
		if h == nil {
			s.logger.Warn("no handler for task kind",
				logpkg.Str("kind", rec.Kind), logpkg.Str("task", rec.ID))
			continue
		}
		h(ctx, rec.Payload)
	}
	return nil
}

func (s *Scheduler) collectDue() ([]taskRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixDue),
		UpperBound: duePrefixUpperBound(s.now().UnixMilli()),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		// sched/d/{be8}/{id}
		rest := key[len(prefixDue):]
		if len(rest) < 9 {
			continue
		}
		ids = append(ids, string(rest[9:]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]taskRecord, 0, len(ids))
	for _, taskID := range ids {
		buf, err := s.db.Get(taskKey(taskID))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec taskRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			s.logger.Warn("dropping undecodable task", logpkg.Str("task", taskID), logpkg.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

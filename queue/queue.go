package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPoolSize bounds concurrently running jobs.
	DefaultPoolSize = 4
	// DefaultGuardTimeout bounds one job execution. The guard stands in for
	// the wake-lock the original platform holds across a dispatch.
	DefaultGuardTimeout = 60 * time.Second

	pollInterval = 500 * time.Millisecond
)

// ErrNotSerializable indicates a persistent job that cannot be stored.
var ErrNotSerializable = errors.New("persistent job does not implement Serializable")

type entry struct {
	id      string
	job     Job
	params  Parameters
	retries int
}

type group struct {
	entries []*entry
	running bool
}

// Queue dispatches jobs on a bounded worker pool with strict per-group
// ordering. At most one job per group runs at a time; a group's next job is
// only considered once its predecessor reached a terminal state.
type Queue struct {
	mu        sync.Mutex
	groups    map[string]*group
	running   int
	poolSize  int
	guard     time.Duration
	store     *JobStore
	factories map[string]Factory

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a queue. The store may be nil when no job survives restarts.
func New(poolSize int, store *JobStore) *Queue {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		groups:     make(map[string]*group),
		poolSize:   poolSize,
		guard:      DefaultGuardTimeout,
		store:      store,
		factories:  make(map[string]Factory),
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// SetGuardTimeout overrides the per-execution time bound.
func (q *Queue) SetGuardTimeout(d time.Duration) {
	q.mu.Lock()
	q.guard = d
	q.mu.Unlock()
}

// Register installs the factory used to reconstruct persisted jobs with the
// given type tag. Must be called before Restore.
func (q *Queue) Register(typeTag string, factory Factory) {
	q.mu.Lock()
	q.factories[typeTag] = factory
	q.mu.Unlock()
}

// Restore replays persisted jobs in their original submission order.
// Call after Register and before Start.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	stored, err := q.store.Load(ctx)
	if err != nil {
		return err
	}

	for _, sj := range stored {
		q.mu.Lock()
		factory, ok := q.factories[sj.TypeTag]
		q.mu.Unlock()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Restore",
				"typeTag":  sj.TypeTag,
				"jobID":    sj.ID,
			}).Error("No factory for persisted job, dropping")
			if err := q.store.Delete(ctx, sj.ID); err != nil {
				return err
			}
			continue
		}

		job, err := factory(sj.Params)
		if err != nil {
			return fmt.Errorf("restore job %s: %w", sj.ID, err)
		}

		q.enqueue(&entry{id: sj.ID, job: job, params: job.Parameters(), retries: sj.Retries})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Restore",
		"jobs":     len(stored),
	}).Info("Replayed persisted jobs")
	return nil
}

// Add submits a job and returns its id. Persistent jobs are recorded before
// they become dispatchable, so a crash between Add and execution loses
// nothing.
func (q *Queue) Add(ctx context.Context, job Job) (string, error) {
	params := job.Parameters()
	e := &entry{id: uuid.NewString(), job: job, params: params}

	if params.Persistent {
		if q.store == nil {
			return "", ErrNotSerializable
		}
		serializable, ok := job.(Serializable)
		if !ok {
			return "", ErrNotSerializable
		}
		data, err := serializable.Serialize()
		if err != nil {
			return "", fmt.Errorf("serialize job: %w", err)
		}
		stored := StoredJob{
			ID:      e.id,
			GroupID: params.GroupID,
			TypeTag: serializable.TypeTag(),
			Params:  data,
		}
		if err := q.store.Insert(ctx, stored); err != nil {
			return "", err
		}
	}

	q.enqueue(e)
	q.Wake()
	return e.id, nil
}

func (q *Queue) enqueue(e *entry) {
	key := e.params.GroupID
	if key == "" {
		key = e.id
	}

	q.mu.Lock()
	g, ok := q.groups[key]
	if !ok {
		g = &group{}
		q.groups[key] = g
	}
	g.entries = append(g.entries, e)
	q.mu.Unlock()
}

// Cancel removes a job that has not been dispatched yet. It reports whether
// the job was removed; a running job cannot be canceled.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	q.mu.Lock()
	for key, g := range q.groups {
		for i, e := range g.entries {
			if e.id != id {
				continue
			}
			if i == 0 && g.running {
				q.mu.Unlock()
				return false
			}
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			if len(g.entries) == 0 && !g.running {
				delete(q.groups, key)
			}
			persistent := e.params.Persistent
			q.mu.Unlock()

			if persistent && q.store != nil {
				if err := q.store.Delete(ctx, id); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Cancel",
						"jobID":    id,
						"error":    err.Error(),
					}).Error("Failed to remove canceled job from durable queue")
				}
			}
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// Start launches the dispatcher.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop halts dispatch, cancels running jobs and waits for them to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
		q.baseCancel()
	})
	q.wg.Wait()
}

// Wake prompts an immediate dispatch pass. Environment changes and job
// completions call it; a poll ticker backstops missed wakes.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued (not yet terminal) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, g := range q.groups {
		total += len(g.entries)
	}
	return total
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		q.dispatchReady()

		select {
		case <-q.stopChan:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchReady launches every group head whose requirements are satisfied,
// up to the worker pool bound. Requirements are re-evaluated on every pass;
// an unmet job simply stays queued.
func (q *Queue) dispatchReady() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, g := range q.groups {
		if g.running || len(g.entries) == 0 || q.running >= q.poolSize {
			continue
		}

		head := g.entries[0]
		if !requirementsMet(head) {
			continue
		}

		g.running = true
		q.running++
		q.wg.Add(1)
		go q.execute(key, head)
	}
}

func requirementsMet(e *entry) bool {
	for _, req := range e.params.Requirements {
		if !req.IsPresent() {
			logrus.WithFields(logrus.Fields{
				"function":    "requirementsMet",
				"jobID":       e.id,
				"requirement": req.Name(),
			}).Debug("Job parked on unmet requirement")
			return false
		}
	}
	return true
}

// execute runs one job under the execution guard and settles its outcome.
// The guard context is canceled on every exit path.
func (q *Queue) execute(key string, e *entry) {
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(q.baseCtx, q.guard)
	err := runJob(ctx, e.job)
	cancel()

	// A job interrupted by Stop stays queued and persisted; it replays on
	// the next start instead of being settled.
	interrupted := err != nil && q.baseCtx.Err() != nil && errors.Is(err, context.Canceled)

	q.mu.Lock()
	g := q.groups[key]
	g.running = false
	q.running--
	if interrupted {
		q.mu.Unlock()
		return
	}

	retry := err != nil && IsRetryable(err) && e.retries < e.params.MaxRetries
	if retry {
		e.retries++
	} else {
		g.entries = g.entries[1:]
		if len(g.entries) == 0 {
			delete(q.groups, key)
		}
	}
	persistent := e.params.Persistent && q.store != nil
	retries := e.retries
	q.mu.Unlock()

	if persistent {
		if retry {
			if perr := q.store.UpdateRetries(context.Background(), e.id, retries); perr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "execute",
					"jobID":    e.id,
					"error":    perr.Error(),
				}).Error("Failed to persist retry count")
			}
		} else {
			if perr := q.store.Delete(context.Background(), e.id); perr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "execute",
					"jobID":    e.id,
					"error":    perr.Error(),
				}).Error("Failed to remove settled job")
			}
		}
	}

	switch {
	case err == nil:
	case retry:
		logrus.WithFields(logrus.Fields{
			"function": "execute",
			"jobID":    e.id,
			"group":    e.params.GroupID,
			"retries":  retries,
			"error":    err.Error(),
		}).Warn("Job failed, re-enqueued")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "execute",
			"jobID":    e.id,
			"group":    e.params.GroupID,
			"retries":  retries,
			"error":    err.Error(),
		}).Error("Job reached terminal failure")
		e.job.OnCanceled(context.Background())
	}

	q.Wake()
}

// runJob confines panics to the job boundary.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

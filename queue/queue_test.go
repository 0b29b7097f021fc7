package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/smsecure/crypto"
)

// testJob is a configurable in-memory job.
type testJob struct {
	params     Parameters
	run        func(ctx context.Context) error
	onCanceled func()
}

func (j *testJob) Parameters() Parameters { return j.params }

func (j *testJob) Run(ctx context.Context) error {
	if j.run == nil {
		return nil
	}
	return j.run(ctx)
}

func (j *testJob) OnCanceled(ctx context.Context) {
	if j.onCanceled != nil {
		j.onCanceled()
	}
}

func startedQueue(t *testing.T, store *JobStore) *Queue {
	t.Helper()

	q := New(DefaultPoolSize, store)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func TestGroupOrderingMatchesSubmission(t *testing.T) {
	q := startedQueue(t, nil)

	const n = 8
	var mu sync.Mutex
	var completed []int

	for i := 0; i < n; i++ {
		i := i
		_, err := q.Add(context.Background(), &testJob{
			params: Parameters{GroupID: "conversation-1"},
			run: func(ctx context.Context) error {
				// Earlier jobs run longer; only strict serialization keeps
				// the completion order equal to submission order.
				time.Sleep(time.Duration(n-i) * 2 * time.Millisecond)
				mu.Lock()
				completed = append(completed, i)
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == n
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, completed[i])
	}
}

func TestDifferentGroupsRunConcurrently(t *testing.T) {
	q := startedQueue(t, nil)

	firstStarted := make(chan struct{})
	release := make(chan struct{})

	_, err := q.Add(context.Background(), &testJob{
		params: Parameters{GroupID: "a"},
		run: func(ctx context.Context) error {
			close(firstStarted)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = q.Add(context.Background(), &testJob{
		params: Parameters{GroupID: "b"},
		run: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	<-firstStarted
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job in group b blocked behind group a")
	}
	close(release)
}

func TestMasterSecretGating(t *testing.T) {
	secrets, err := crypto.NewMasterSecretCache(t.TempDir())
	require.NoError(t, err)
	env := NewEnv(secrets)

	q := startedQueue(t, nil)
	env.Subscribe(q.Wake)

	var runs atomic.Int32
	_, err = q.Add(context.Background(), &testJob{
		params: Parameters{Requirements: []Requirement{MasterSecretRequirement{Env: env}}},
		run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	// Locked: the job is parked, not failed, not lost.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, 1, q.Len())

	require.NoError(t, secrets.Unlock([]byte("pw")))
	env.SecretsChanged()

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestRetryBound(t *testing.T) {
	q := startedQueue(t, nil)

	var runs, canceled atomic.Int32
	_, err := q.Add(context.Background(), &testJob{
		params: Parameters{MaxRetries: 3},
		run: func(ctx context.Context) error {
			runs.Add(1)
			return Retryable(errors.New("radio off"))
		},
		onCanceled: func() { canceled.Add(1) },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return canceled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// One initial attempt plus exactly MaxRetries re-enqueues.
	assert.Equal(t, int32(4), runs.Load())
	assert.Equal(t, 0, q.Len())

	// No further attempts happen after the terminal transition.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(4), runs.Load())
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	q := startedQueue(t, nil)

	var runs, canceled atomic.Int32
	_, err := q.Add(context.Background(), &testJob{
		params: Parameters{MaxRetries: 5},
		run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("undeliverable")
		},
		onCanceled: func() { canceled.Add(1) },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return canceled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPanicConfinedToJobBoundary(t *testing.T) {
	q := startedQueue(t, nil)

	var canceled atomic.Int32
	_, err := q.Add(context.Background(), &testJob{
		run:        func(ctx context.Context) error { panic("boom") },
		onCanceled: func() { canceled.Add(1) },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return canceled.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The queue survives and keeps dispatching.
	done := make(chan struct{})
	_, err = q.Add(context.Background(), &testJob{
		run: func(ctx context.Context) error { close(done); return nil },
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stopped dispatching after a panic")
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	q := New(1, nil)

	var runs atomic.Int32
	id, err := q.Add(context.Background(), &testJob{
		params: Parameters{GroupID: "g"},
		run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	assert.True(t, q.Cancel(context.Background(), id))
	assert.Equal(t, 0, q.Len())

	q.Start()
	defer q.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestCancelRunningJobFails(t *testing.T) {
	q := startedQueue(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	id, err := q.Add(context.Background(), &testJob{
		run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	<-started
	assert.False(t, q.Cancel(context.Background(), id))
	close(release)
}

// persistJob is a serializable job used by the restart tests. Completed
// labels are collected through a package-level recorder the factory binds.
type persistJob struct {
	Label string `json:"label"`
	Group string `json:"group"`

	record func(label string)
}

func (j *persistJob) Parameters() Parameters {
	return Parameters{GroupID: j.Group, Persistent: true}
}

func (j *persistJob) Run(ctx context.Context) error {
	j.record(j.Label)
	return nil
}

func (j *persistJob) OnCanceled(ctx context.Context) {}

func (j *persistJob) TypeTag() string { return "persist-test" }

func (j *persistJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func TestPersistentJobsReplayInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	// First process: submit persistent jobs but never start the queue.
	{
		js, err := OpenJobStore(ctx, path)
		require.NoError(t, err)

		q := New(DefaultPoolSize, js)
		for i := 0; i < 4; i++ {
			_, err := q.Add(ctx, &persistJob{
				Label: fmt.Sprintf("sms-%d", i),
				Group: "sms-operation",
			})
			require.NoError(t, err)
		}
		require.NoError(t, js.Close())
	}

	// Second process: restore and run.
	{
		js, err := OpenJobStore(ctx, path)
		require.NoError(t, err)
		defer js.Close()

		var mu sync.Mutex
		var completed []string

		q := New(DefaultPoolSize, js)
		q.Register("persist-test", func(data []byte) (Job, error) {
			job := &persistJob{record: func(label string) {
				mu.Lock()
				completed = append(completed, label)
				mu.Unlock()
			}}
			if err := json.Unmarshal(data, job); err != nil {
				return nil, err
			}
			return job, nil
		})

		require.NoError(t, q.Restore(ctx))
		assert.Equal(t, 4, q.Len())

		q.Start()
		defer q.Stop()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(completed) == 4
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"sms-0", "sms-1", "sms-2", "sms-3"}, completed)

		// Settled jobs leave the durable queue.
		stored, err := js.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, stored)
	}
}

func TestPersistentJobRequiresSerializable(t *testing.T) {
	js, err := OpenJobStore(context.Background(), "")
	require.NoError(t, err)
	defer js.Close()

	q := New(1, js)
	_, err = q.Add(context.Background(), &testJob{
		params: Parameters{Persistent: true},
	})
	assert.ErrorIs(t, err, ErrNotSerializable)
}

package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/pair"
)

type memStore struct {
	mu        sync.Mutex
	pairs     map[pair.ID]pair.Config
	next      pair.ID
	listErr   error
	deleteErr error
}

func newMemStore(cfgs ...pair.Config) *memStore {
	s := &memStore{pairs: make(map[pair.ID]pair.Config)}
	for _, cfg := range cfgs {
		s.next++
		s.pairs[s.next] = cfg
	}
	return s
}

func (s *memStore) ListPairs(context.Context) (map[pair.ID]pair.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make(map[pair.ID]pair.Config, len(s.pairs))
	for id, cfg := range s.pairs {
		out[id] = cfg.Clone()
	}
	return out, nil
}

func (s *memStore) InsertPair(_ context.Context, cfg pair.Config) (pair.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.pairs[s.next] = cfg.Clone()
	return s.next, nil
}

func (s *memStore) UpdatePair(_ context.Context, id pair.ID, cfg pair.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[id]; !ok {
		return pair.ErrNotFound
	}
	s.pairs[id] = cfg.Clone()
	return nil
}

func (s *memStore) DeletePair(_ context.Context, id pair.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.pairs[id]; !ok {
		return pair.ErrNotFound
	}
	delete(s.pairs, id)
	return nil
}

// blockingRunner runs until its context is cancelled.
type blockingRunner struct {
	id      pair.ID
	started chan struct{}
	stopped chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) {
	close(r.started)
	<-ctx.Done()
	close(r.stopped)
}

type recorder struct {
	mu      sync.Mutex
	runners map[pair.ID]*blockingRunner
	calls   int
}

func newRecorder() *recorder {
	return &recorder{runners: make(map[pair.ID]*blockingRunner)}
}

func (r *recorder) factory(id pair.ID, _ pair.Config) Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	runner := &blockingRunner{id: id, started: make(chan struct{}), stopped: make(chan struct{})}
	r.runners[id] = runner
	return runner
}

func (r *recorder) runner(id pair.ID) *blockingRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runners[id]
}

func testConfig(handle string) pair.Config {
	return pair.Config{SourceHandle: handle, DestinationID: -100500, PollInterval: time.Minute}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStartSpawnsOnePollerPerPair(t *testing.T) {
	store := newMemStore(testConfig("apiclub"), testConfig("durov"))
	rec := newRecorder()
	m := New(store, rec.factory, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	assert.Equal(t, 2, m.Running())
	waitClosed(t, rec.runner(1).started, "poller 1")
	waitClosed(t, rec.runner(2).started, "poller 2")

	cancel()
	m.Wait()
	waitClosed(t, rec.runner(1).stopped, "poller 1 stop")
	waitClosed(t, rec.runner(2).stopped, "poller 2 stop")
}

func TestStartTwiceFails(t *testing.T) {
	m := New(newMemStore(), newRecorder().factory, nil)
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartPropagatesStoreError(t *testing.T) {
	store := newMemStore()
	store.listErr = pair.ErrPersistence
	m := New(store, newRecorder().factory, nil)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, pair.ErrPersistence)
}

func TestCreatePersistsAndSpawns(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	m := New(store, rec.factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.Wait()
	}()
	require.NoError(t, m.Start(ctx))

	id, err := m.Create(context.Background(), testConfig("apiclub"))
	require.NoError(t, err)
	assert.Equal(t, pair.ID(1), id)

	waitClosed(t, rec.runner(id).started, "created poller")
	assert.Equal(t, 1, m.Running())

	pairs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Contains(t, pairs, id)
	assert.Equal(t, "apiclub", pairs[id].SourceHandle)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	m := New(store, rec.factory, nil)

	_, err := m.Create(context.Background(), pair.Config{SourceHandle: "apiclub", DestinationID: 1})
	assert.ErrorIs(t, err, pair.ErrInvalidConfig)
	assert.Equal(t, 0, rec.calls)
	assert.Empty(t, store.pairs)
}

func TestDeleteCancelsPollerAndRemovesRecord(t *testing.T) {
	store := newMemStore(testConfig("apiclub"), testConfig("durov"))
	rec := newRecorder()
	m := New(store, rec.factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.Wait()
	}()
	require.NoError(t, m.Start(ctx))
	waitClosed(t, rec.runner(1).started, "poller 1")

	deleted, err := m.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, deleted)

	waitClosed(t, rec.runner(1).stopped, "deleted poller")
	assert.Equal(t, 1, m.Running())

	select {
	case <-rec.runner(2).stopped:
		t.Fatal("other poller must keep running")
	default:
	}

	pairs, err := m.List(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, pairs, pair.ID(1))
	assert.Contains(t, pairs, pair.ID(2))
}

func TestDeleteUnknownPair(t *testing.T) {
	m := New(newMemStore(), newRecorder().factory, nil)
	require.NoError(t, m.Start(context.Background()))

	deleted, err := m.Delete(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteTwice(t *testing.T) {
	store := newMemStore(testConfig("apiclub"))
	m := New(store, newRecorder().factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.Wait()
	}()
	require.NoError(t, m.Start(ctx))

	deleted, err := m.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteStoreFailureCanBeRetried(t *testing.T) {
	store := newMemStore(testConfig("apiclub"))
	store.deleteErr = errors.New("disk full")
	rec := newRecorder()
	m := New(store, rec.factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.Wait()
	}()
	require.NoError(t, m.Start(ctx))

	deleted, err := m.Delete(context.Background(), 1)
	assert.True(t, deleted)
	assert.Error(t, err)
	waitClosed(t, rec.runner(1).stopped, "cancelled poller")
	assert.Equal(t, 0, m.Running())

	store.mu.Lock()
	store.deleteErr = nil
	store.mu.Unlock()

	deleted, err = m.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, deleted, "retry must reach the stored record")

	pairs, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	deleted, err = m.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 1, rec.calls, "a failed delete must not respawn the poller")
}

func TestConcurrentCreateAndDelete(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	m := New(store, rec.factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	const n = 20
	ids := make(chan pair.ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Create(context.Background(), testConfig("apiclub"))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	deletes := 0
	for id := range ids {
		wg.Add(1)
		go func(id pair.ID) {
			defer wg.Done()
			deleted, err := m.Delete(context.Background(), id)
			assert.NoError(t, err)
			assert.True(t, deleted)
		}(id)
		deletes++
	}
	wg.Wait()

	assert.Equal(t, n, deletes)
	assert.Equal(t, 0, m.Running())

	cancel()
	m.Wait()
}

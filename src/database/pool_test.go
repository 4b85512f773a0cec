package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/taxfolio/ledger/src/apperrors"
)

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	db, factory, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	p := NewPool(factory, opts)
	t.Cleanup(func() {
		p.Shutdown()
		db.Close()
	})
	return p
}

func TestPool_AcquireReleaseReusesHandle(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h1)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(h2)

	assert.Equal(t, h1.ID(), h2.ID(), "idle handle should be reused before opening a new one")
	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, uint64(1), stats.Created)
}

func TestPool_HandlesAreConfigured(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	err := p.WithConn(ctx, func(conn *sql.Conn) error {
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			return err
		}
		assert.Equal(t, "wal", mode)

		var fk int
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			return err
		}
		assert.Equal(t, 1, fk)

		var syncMode int
		if err := conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&syncMode); err != nil {
			return err
		}
		assert.Equal(t, 1, syncMode, "synchronous should be NORMAL")
		return nil
	})
	require.NoError(t, err)
}

func TestPool_AcquireTimeout(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, apperrors.ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Waiting, "timed out waiter must leave the queue")
	assert.Equal(t, uint64(1), stats.Timeouts)
}

func TestPool_ContextCancelWhileWaiting(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: 5 * time.Second})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestPool_FairnessOldestWaiterServedFirst(t *testing.T) {
	const maxSize = 3
	p := newTestPool(t, PoolOptions{MaxSize: maxSize, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	held := make([]*Handle, 0, maxSize)
	for i := 0; i < maxSize; i++ {
		h, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, h)
	}

	type result struct {
		h   *Handle
		err error
	}
	first := make(chan result, 1)
	go func() {
		h, err := p.Acquire(ctx)
		first <- result{h, err}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Waiting, "N+1 acquirers leave exactly one waiter")

	second := make(chan result, 1)
	go func() {
		h, err := p.Acquire(ctx)
		second <- result{h, err}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 2 }, time.Second, 5*time.Millisecond)

	p.Release(held[0])
	select {
	case r := <-first:
		require.NoError(t, r.err)
		assert.Equal(t, held[0].ID(), r.h.ID(), "released handle goes to the oldest waiter")
		defer p.Release(r.h)
	case <-time.After(time.Second):
		t.Fatal("oldest waiter was not served")
	}
	select {
	case <-second:
		t.Fatal("younger waiter served before a second release")
	default:
	}
	assert.Equal(t, 1, p.Stats().Waiting)

	p.Release(held[1])
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, held[1].ID(), r.h.ID())
	p.Release(r.h)
	p.Release(held[2])

	stats := p.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, maxSize, stats.Open)
	assert.Equal(t, 1, stats.InUse)
}

func TestPool_ShutdownFailsWaiters(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	p.Shutdown()
	assert.ErrorIs(t, <-errCh, apperrors.ErrPoolShuttingDown)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, apperrors.ErrPoolShuttingDown)

	p.Release(h)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Open, "handles released after shutdown are closed")
	assert.Equal(t, 0, stats.InUse)
}

func TestPool_ReapIdle(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 3, AcquireTimeout: time.Second, IdleTimeout: time.Minute})
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h1)

	p.now = func() time.Time { return base.Add(45 * time.Second) }
	p.Release(h2)

	assert.Equal(t, 1, p.reapIdle(base.Add(70*time.Second)), "only the handle idle past the threshold is closed")
	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, uint64(1), stats.Closed)

	h3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h2.ID(), h3.ID())
	p.Release(h3)
}

func TestPool_BrokenHandleIsReplacedForWaiter(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(ctx)
		if err == nil {
			got <- h2
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	h.MarkBroken()
	p.Release(h)

	select {
	case h2 := <-got:
		assert.NotEqual(t, h.ID(), h2.ID())
		p.Release(h2)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not served after broken handle was discarded")
	}
	assert.Equal(t, 1, p.Stats().Open)
}

func TestPool_FailedOpenPassesSlotToNextWaiter(t *testing.T) {
	db, factory, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	require.NoError(t, err)
	var failNext atomic.Bool
	flaky := func(ctx context.Context) (*sql.Conn, error) {
		if failNext.CompareAndSwap(true, false) {
			return nil, errors.New("transient open failure")
		}
		return factory(ctx)
	}
	p := NewPool(flaky, PoolOptions{MaxSize: 1, AcquireTimeout: 2 * time.Second})
	t.Cleanup(func() {
		p.Shutdown()
		db.Close()
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	type result struct {
		h   *Handle
		err error
	}
	acquire := func() chan result {
		ch := make(chan result, 1)
		go func() {
			h, err := p.Acquire(ctx)
			ch <- result{h, err}
		}()
		return ch
	}
	first := acquire()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	second := acquire()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 2 }, time.Second, 5*time.Millisecond)

	failNext.Store(true)
	held.MarkBroken()
	p.Release(held)

	select {
	case r := <-first:
		assert.ErrorContains(t, r.err, "transient open failure")
	case <-time.After(time.Second):
		t.Fatal("oldest waiter got no answer")
	}

	var served *Handle
	select {
	case r := <-second:
		require.NoError(t, r.err)
		served = r.h
	case <-time.After(time.Second):
		t.Fatal("next waiter not served after a failed open")
	}

	late := acquire()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	p.Release(served)
	r := <-late
	require.NoError(t, r.err)
	assert.Equal(t, served.ID(), r.h.ID())
	p.Release(r.h)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Waiting)
}

func TestPool_NewCallerQueuesBehindWaiters(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 2, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	waiting := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			waiting <- h
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	// Simulate a freed slot that has not been handed on yet.
	p.mu.Lock()
	p.open--
	p.inUse--
	p.mu.Unlock()
	p.closeHandle(h2)

	late := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			late <- h
		}
	}()

	var first *Handle
	select {
	case first = <-waiting:
	case <-time.After(time.Second):
		t.Fatal("queued caller starved by a newcomer")
	}
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-late:
		t.Fatal("newcomer served before the queued caller released")
	default:
	}

	p.Release(first)
	select {
	case h := <-late:
		assert.Equal(t, first.ID(), h.ID())
		p.Release(h)
	case <-time.After(time.Second):
		t.Fatal("newcomer not served after release")
	}
	p.Release(h1)
}

func TestPool_Ping(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: time.Second})
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestCheckIntegrity(t *testing.T) {
	p := newTestPool(t, PoolOptions{MaxSize: 1, AcquireTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, p))
	err := CheckIntegrity(ctx, p)
	assert.False(t, errors.Is(err, apperrors.ErrStorageIntegrity))
	assert.NoError(t, err)
}

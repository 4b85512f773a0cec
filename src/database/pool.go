package database

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/logger"
)

// Handle is one pooled storage connection. It is owned by exactly one caller
// between Acquire and Release.
type Handle struct {
	id         uint64
	conn       *sql.Conn
	lastUsed   time.Time
	broken     bool
	checkedOut bool
}

func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Conn() *sql.Conn { return h.conn }

// MarkBroken makes the pool close the connection on Release instead of reusing it.
func (h *Handle) MarkBroken() { h.broken = true }

// ConnFactory opens a fresh, fully configured connection.
type ConnFactory func(ctx context.Context) (*sql.Conn, error)

type PoolOptions struct {
	MaxSize        int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxSize:        5,
		AcquireTimeout: 10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		ReapInterval:   time.Minute,
	}
}

type PoolStats struct {
	MaxSize  int    `json:"max_size"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Waiting  int    `json:"waiting"`
	Created  uint64 `json:"created"`
	Closed   uint64 `json:"closed"`
	Timeouts uint64 `json:"timeouts"`
}

type acquireResult struct {
	handle *Handle
	err    error
}

type waiter struct {
	ch     chan acquireResult
	queued bool
}

// Pool bounds the number of open storage handles. Requests beyond MaxSize wait
// in arrival order; a released handle goes straight to the oldest waiter.
type Pool struct {
	factory ConnFactory
	opts    PoolOptions
	now     func() time.Time

	mu       sync.Mutex
	idle     []*Handle
	waiters  *list.List
	open     int
	inUse    int
	closed   bool
	seq      uint64
	created  uint64
	closedN  uint64
	timeouts uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(factory ConnFactory, opts PoolOptions) *Pool {
	def := DefaultPoolOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	p := &Pool{
		factory: factory,
		opts:    opts,
		now:     time.Now,
		waiters: list.New(),
		stop:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 && opts.ReapInterval > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	logger.L.Info("Storage pool created", "maxSize", opts.MaxSize, "acquireTimeout", opts.AcquireTimeout, "idleTimeout", opts.IdleTimeout)
	return p
}

// Acquire returns an idle handle, opens a new one while below MaxSize and
// nobody is queued, or waits in line behind earlier callers. Waiting ends with
// ErrAcquireTimeout after AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.ErrPoolShuttingDown
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		h.checkedOut = true
		p.inUse++
		p.mu.Unlock()
		return h, nil
	}
	if p.open < p.opts.MaxSize && p.waiters.Len() == 0 {
		p.open++
		p.inUse++
		p.mu.Unlock()
		h, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.inUse--
			p.mu.Unlock()
			p.growForWaiter()
			return nil, err
		}
		return h, nil
	}

	w := &waiter{ch: make(chan acquireResult, 1), queued: true}
	elem := p.waiters.PushBack(w)
	spare := p.open < p.opts.MaxSize
	p.mu.Unlock()
	logger.L.Debug("Waiting for storage handle", "waiting", p.Stats().Waiting)
	if spare {
		p.growForWaiter()
	}

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.handle, res.err
	case <-timer.C:
		return p.abandon(elem, w, apperrors.ErrAcquireTimeout)
	case <-ctx.Done():
		return p.abandon(elem, w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. If it was served in the meantime the
// handle is passed on rather than leaked.
func (p *Pool) abandon(elem *list.Element, w *waiter, cause error) (*Handle, error) {
	p.mu.Lock()
	if w.queued {
		p.waiters.Remove(elem)
		w.queued = false
		if cause == apperrors.ErrAcquireTimeout {
			p.timeouts++
		}
		p.mu.Unlock()
		logger.L.Warn("Gave up waiting for storage handle", "error", cause)
		return nil, cause
	}
	p.mu.Unlock()

	res := <-w.ch
	if res.handle != nil {
		p.Release(res.handle)
	}
	return nil, cause
}

// Release returns h to the pool. It is safe to call once per Acquire.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if !h.checkedOut {
		p.mu.Unlock()
		logger.L.Warn("Ignoring release of handle not checked out", "handleID", h.id)
		return
	}
	h.checkedOut = false
	p.inUse--

	if h.broken || p.closed {
		p.open--
		p.closedN++
		closed := p.closed
		p.mu.Unlock()
		p.closeHandle(h)
		if !closed {
			p.growForWaiter()
		}
		return
	}

	h.lastUsed = p.now()
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.queued = false
		h.checkedOut = true
		p.inUse++
		p.mu.Unlock()
		w.ch <- acquireResult{handle: h}
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// WithConn runs fn on a borrowed handle; used by read paths that do not need a
// transaction context.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.conn)
}

// Ping issues a trivial round trip through a borrowed handle.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(conn *sql.Conn) error {
		var one int
		if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("health check query: %w", err)
		}
		return nil
	})
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxSize:  p.opts.MaxSize,
		Open:     p.open,
		Idle:     len(p.idle),
		InUse:    p.inUse,
		Waiting:  p.waiters.Len(),
		Created:  p.created,
		Closed:   p.closedN,
		Timeouts: p.timeouts,
	}
}

// Shutdown fails every waiter with ErrPoolShuttingDown and closes idle
// handles. Handles still checked out are closed when released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for front := p.waiters.Front(); front != nil; front = p.waiters.Front() {
		w := p.waiters.Remove(front).(*waiter)
		w.queued = false
		w.ch <- acquireResult{err: apperrors.ErrPoolShuttingDown}
	}
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.closedN += uint64(len(idle))
	inUse := p.inUse
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, h := range idle {
		p.closeHandle(h)
	}
	logger.L.Info("Storage pool shut down", "closedIdle", len(idle), "stillInUse", inUse)
}

func (p *Pool) create(ctx context.Context) (*Handle, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening storage handle: %w", err)
	}
	p.mu.Lock()
	p.seq++
	p.created++
	h := &Handle{id: p.seq, conn: conn, lastUsed: p.now(), checkedOut: true}
	p.mu.Unlock()
	logger.L.Debug("Opened storage handle", "handleID", h.id)
	return h, nil
}

// growForWaiter opens a handle for the oldest waiter when a slot was freed
// without a handle to pass on.
func (p *Pool) growForWaiter() {
	p.mu.Lock()
	front := p.waiters.Front()
	if p.closed || front == nil || p.open >= p.opts.MaxSize {
		p.mu.Unlock()
		return
	}
	w := p.waiters.Remove(front).(*waiter)
	w.queued = false
	p.open++
	p.inUse++
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
		defer cancel()
		h, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.inUse--
			p.mu.Unlock()
			logger.L.Warn("Opening handle for waiter failed, passing the slot on", "error", err)
		}
		w.ch <- acquireResult{handle: h, err: err}
		if err != nil {
			p.growForWaiter()
		}
	}()
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.reapIdle(p.now()); n > 0 {
				logger.L.Debug("Reaped idle storage handles", "count", n)
			}
		}
	}
}

// reapIdle closes idle handles unused for at least IdleTimeout.
func (p *Pool) reapIdle(now time.Time) int {
	p.mu.Lock()
	var stale []*Handle
	keep := p.idle[:0]
	for _, h := range p.idle {
		if now.Sub(h.lastUsed) >= p.opts.IdleTimeout {
			stale = append(stale, h)
		} else {
			keep = append(keep, h)
		}
	}
	p.idle = keep
	p.open -= len(stale)
	p.closedN += uint64(len(stale))
	p.mu.Unlock()

	for _, h := range stale {
		p.closeHandle(h)
	}
	return len(stale)
}

func (p *Pool) closeHandle(h *Handle) {
	if err := h.conn.Close(); err != nil {
		logger.L.Warn("Error closing storage handle", "handleID", h.id, "error", err)
	}
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/taxfolio/ledger/src/apperrors"
	"github.com/username/taxfolio/ledger/src/logger"
)

type TxStatus string

const (
	TxActive     TxStatus = "ACTIVE"
	TxCommitted  TxStatus = "COMMITTED"
	TxRolledBack TxStatus = "ROLLED_BACK"
	TxError      TxStatus = "ERROR"
)

// Operation is one statement executed inside a context.
type Operation struct {
	Query string    `json:"query"`
	At    time.Time `json:"at"`
	Err   string    `json:"error,omitempty"`
}

// ContextInfo is a read-only snapshot of a context for diagnostics.
type ContextInfo struct {
	ID         uint64      `json:"id"`
	Status     TxStatus    `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time,omitempty"`
	EndReason  string      `json:"end_reason,omitempty"`
	Operations []Operation `json:"operations"`
}

// TxContext is a unit of work holding one pool handle inside an immediate
// write transaction. Operations run in call order.
type TxContext struct {
	id  uint64
	mgr *TxManager

	mu        sync.Mutex
	handle    *Handle
	startTime time.Time
	endTime   time.Time
	endReason string
	status    TxStatus
	ops       []Operation
	rows      []*sql.Rows
}

func (c *TxContext) ID() uint64 { return c.id }

func (c *TxContext) Status() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *TxContext) Info() ContextInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *TxContext) infoLocked() ContextInfo {
	ops := make([]Operation, len(c.ops))
	copy(ops, c.ops)
	return ContextInfo{
		ID:         c.id,
		Status:     c.status,
		StartTime:  c.startTime,
		EndTime:    c.endTime,
		EndReason:  c.endReason,
		Operations: ops,
	}
}

func (c *TxContext) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.activeLocked(); err != nil {
		return nil, err
	}
	res, err := c.handle.conn.ExecContext(ctx, query, args...)
	c.recordLocked(query, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *TxContext) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.activeLocked(); err != nil {
		return nil, err
	}
	rows, err := c.handle.conn.QueryContext(ctx, query, args...)
	c.recordLocked(query, err)
	if err != nil {
		return nil, err
	}
	c.rows = append(c.rows, rows)
	return rows, nil
}

// openRowsLocked drops closed result sets from the context and counts the rest.
// Columns fails once a result set is closed or drained.
func (c *TxContext) openRowsLocked() int {
	open := c.rows[:0]
	for _, r := range c.rows {
		if _, err := r.Columns(); err == nil {
			open = append(open, r)
		}
	}
	clear(c.rows[len(open):])
	c.rows = open
	return len(open)
}

func (c *TxContext) activeLocked() error {
	if c.status != TxActive {
		return fmt.Errorf("%w: context %d is %s", apperrors.ErrInvalidContext, c.id, c.status)
	}
	return nil
}

func (c *TxContext) recordLocked(query string, err error) {
	op := Operation{Query: query, At: c.mgr.now()}
	if err != nil {
		op.Err = err.Error()
		c.status = TxError
		logger.L.Debug("Operation failed, context marked ERROR", "contextID", c.id, "error", err)
	}
	c.ops = append(c.ops, op)
}

// Commit makes the work durable. A context that saw a failed operation is
// rolled back instead and ErrContextFailed is returned.
func (c *TxContext) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case TxActive:
	case TxError:
		rbErr := c.rollbackLocked(ctx, "commit requested after failed operation")
		if rbErr != nil {
			return errors.Join(fmt.Errorf("%w: context %d", apperrors.ErrContextFailed, c.id), rbErr)
		}
		return fmt.Errorf("%w: context %d", apperrors.ErrContextFailed, c.id)
	default:
		return fmt.Errorf("%w: context %d is %s", apperrors.ErrInvalidContext, c.id, c.status)
	}

	if _, err := c.handle.conn.ExecContext(context.WithoutCancel(ctx), "COMMIT"); err != nil {
		c.status = TxError
		rbErr := c.rollbackLocked(ctx, "commit failed")
		return fmt.Errorf("committing context %d: %w", c.id, errors.Join(err, rbErr))
	}
	c.finishLocked(TxCommitted, "committed", nil)
	return nil
}

// Rollback discards the work. Calling it on a finished context is a no-op.
func (c *TxContext) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == TxCommitted || c.status == TxRolledBack {
		return nil
	}
	return c.rollbackLocked(ctx, "rollback requested")
}

func (c *TxContext) rollbackLocked(ctx context.Context, reason string) error {
	_, err := c.handle.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
	c.finishLocked(TxRolledBack, reason, err)
	if err != nil {
		return fmt.Errorf("rolling back context %d: %w", c.id, err)
	}
	return nil
}

// finishLocked releases the handle whatever the outcome. A handle whose
// COMMIT/ROLLBACK failed is in an unknown state and is discarded by the pool.
func (c *TxContext) finishLocked(status TxStatus, reason string, opErr error) {
	c.status = status
	c.rows = nil
	c.endTime = c.mgr.now()
	c.endReason = reason
	h := c.handle
	c.handle = nil
	if opErr != nil {
		h.MarkBroken()
		logger.L.Error("Transaction end statement failed, discarding handle", "contextID", c.id, "reason", reason, "error", opErr)
	}
	c.mgr.pool.Release(h)
	c.mgr.retire(c)
}

type TxManagerOptions struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	CompletedTTL  time.Duration
}

func DefaultTxManagerOptions() TxManagerOptions {
	return TxManagerOptions{
		StaleAfter:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
		CompletedTTL:  time.Minute,
	}
}

// TxManager opens transaction contexts on pool handles and keeps an arena of
// the active ones, indexed by a monotonic id, for the staleness sweep.
type TxManager struct {
	pool *Pool
	opts TxManagerOptions
	now  func() time.Time

	mu        sync.Mutex
	seq       uint64
	active    map[uint64]*TxContext
	completed *cache.Cache
	closed    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTxManager(pool *Pool, opts TxManagerOptions) *TxManager {
	def := DefaultTxManagerOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = def.CompletedTTL
	}
	return &TxManager{
		pool:      pool,
		opts:      opts,
		now:       time.Now,
		active:    make(map[uint64]*TxContext),
		completed: cache.New(opts.CompletedTTL, 2*opts.CompletedTTL),
		stop:      make(chan struct{}),
	}
}

// Begin acquires a handle and opens an immediate transaction, taking the
// write lock up front.
func (m *TxManager) Begin(ctx context.Context) (*TxContext, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, apperrors.ErrPoolShuttingDown
	}

	h, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		m.pool.Release(h)
		if isBusy(err) {
			return nil, fmt.Errorf("%w: beginning immediate transaction: %v", apperrors.ErrStorageBusy, err)
		}
		return nil, fmt.Errorf("beginning immediate transaction: %w", err)
	}

	m.mu.Lock()
	m.seq++
	c := &TxContext{
		id:        m.seq,
		mgr:       m,
		handle:    h,
		startTime: m.now(),
		status:    TxActive,
	}
	m.active[c.id] = c
	m.mu.Unlock()

	logger.L.Debug("Transaction context started", "contextID", c.id, "handleID", h.id)
	return c, nil
}

// RunInTx runs fn inside a fresh context. The context is committed when fn
// returns nil and rolled back on error or panic; the handle is always released.
func (m *TxManager) RunInTx(ctx context.Context, fn func(tx *TxContext) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.L.Error("Rollback after panic failed", "contextID", tx.id, "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.L.Error("Rollback failed", "contextID", tx.id, "error", rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (m *TxManager) retire(c *TxContext) {
	m.mu.Lock()
	delete(m.active, c.id)
	m.mu.Unlock()
	m.completed.SetDefault(strconv.FormatUint(c.id, 10), c.infoLocked())
}

// Lookup returns an active context or one finished within CompletedTTL.
func (m *TxManager) Lookup(id uint64) (ContextInfo, bool) {
	m.mu.Lock()
	c, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return c.Info(), true
	}
	if v, found := m.completed.Get(strconv.FormatUint(id, 10)); found {
		return v.(ContextInfo), true
	}
	return ContextInfo{}, false
}

func (m *TxManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep rolls back every context that has been active for longer than
// StaleAfter. Contexts busy executing a statement or still holding an open
// result set are left for the next pass.
func (m *TxManager) Sweep(now time.Time) int {
	m.mu.Lock()
	candidates := make([]*TxContext, 0, len(m.active))
	for _, c := range m.active {
		candidates = append(candidates, c)
	}
	m.mu.Unlock()

	swept := 0
	for _, c := range candidates {
		if !c.mu.TryLock() {
			continue
		}
		if n := c.openRowsLocked(); n > 0 {
			logger.L.Debug("Skipping context with open result sets", "contextID", c.id, "openRows", n)
			c.mu.Unlock()
			continue
		}
		if (c.status == TxActive || c.status == TxError) && now.Sub(c.startTime) > m.opts.StaleAfter {
			age := now.Sub(c.startTime)
			if err := c.rollbackLocked(context.Background(), "stale context swept"); err != nil {
				logger.L.Error("Failed to roll back stale context", "contextID", c.id, "error", err)
			}
			logger.L.Warn("Rolled back stale transaction context", "contextID", c.id, "age", age)
			swept++
		}
		c.mu.Unlock()
	}
	return swept
}

// Start runs the staleness sweep every SweepInterval until Shutdown.
func (m *TxManager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
	logger.L.Info("Transaction sweep started", "interval", m.opts.SweepInterval, "staleAfter", m.opts.StaleAfter)
}

// Shutdown stops the sweep and rolls back whatever is still open.
func (m *TxManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	remaining := make([]*TxContext, 0, len(m.active))
	for _, c := range m.active {
		remaining = append(remaining, c)
	}
	m.mu.Unlock()
	for _, c := range remaining {
		if err := c.Rollback(context.Background()); err != nil {
			logger.L.Error("Rollback during shutdown failed", "contextID", c.id, "error", err)
		}
	}
	logger.L.Info("Transaction manager shut down", "rolledBack", len(remaining))
}

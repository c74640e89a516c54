package rdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// PoolConfig bounds the pool and controls dial retries.
type PoolConfig struct {
	Size         int
	DialRetries  int
	BackoffMs    int
	BackoffMaxMs int
}

// Pool hands out at most Size sessions at a time. Acquire blocks while the
// pool is exhausted, which is what throttles every caller.
type Pool struct {
	dial   Dialer
	cfg    PoolConfig
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// NewPool creates a pool. Connections are dialed lazily.
func NewPool(dial Dialer, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dial:   dial,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Size)),
		logger: logger.With("component", "pool"),
	}
}

// Size returns the capacity of the pool.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Acquire checks out a session, waiting for a free slot if necessary.
// Every returned session must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %w", ErrConnectionUnavailable, ErrPoolClosed)
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Session{Conn: conn, pool: p}, nil
	}
	p.mu.Unlock()

	conn, err := p.dialWithRetry(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}
	return &Session{Conn: conn, pool: p}, nil
}

func (p *Pool) dialWithRetry(ctx context.Context) (Conn, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(p.cfg.BackoffMs) * time.Duration(1<<uint(attempt-1)) * time.Millisecond
			if backoff > time.Duration(p.cfg.BackoffMaxMs)*time.Millisecond {
				backoff = time.Duration(p.cfg.BackoffMaxMs) * time.Millisecond
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		conn, err := p.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Warn("dial failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *Pool) put(conn Conn, broken bool) {
	p.mu.Lock()
	if p.closed || broken {
		p.mu.Unlock()
		if err := conn.Close(); err != nil {
			p.logger.Debug("close connection", "error", err)
		}
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// Idle returns the number of idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle connections. Sessions still checked out are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing pool: %v", errs)
	}
	return nil
}

// Session is a connection checked out of a Pool.
type Session struct {
	Conn
	pool     *Pool
	broken   bool
	released bool
}

// MarkBroken makes Release close the connection instead of returning it to the pool.
func (s *Session) MarkBroken() {
	s.broken = true
}

// Release returns the session to its pool. Calling it again is a no-op.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.pool.put(s.Conn, s.broken)
}

package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
)

var (
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("db pool closed")
	// ErrConnect wraps a failed dial; distinct from an acquire timeout,
	// which is not an error at all.
	ErrConnect = errors.New("tenant database unavailable")
)

// Rows is the subset of *sql.Rows the pool surfaces.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Conn is one pooled tenant-database connection.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	Close() error
}

// DialFunc opens a new connection. The pool dials lazily, up to its
// size.
type DialFunc func(ctx context.Context) (Conn, error)

// Pool is a bounded connection pool for the tenant database. At most
// size connections are checked out concurrently; every acquire is
// matched by exactly one release, including on query errors and
// timeouts.
type Pool struct {
	dial           DialFunc
	idle           chan Conn
	slots          chan struct{}
	size           int
	acquireTimeout time.Duration
	queryTimeout   time.Duration
	done           chan struct{}
	lg             zerolog.Logger
}

func New(size int, acquireTimeout, queryTimeout time.Duration, dial DialFunc, lg zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		dial:           dial,
		idle:           make(chan Conn, size),
		slots:          make(chan struct{}, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		queryTimeout:   queryTimeout,
		done:           make(chan struct{}),
		lg:             lg.With().Str("component", "function-db-pool").Logger(),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Open builds a pool over a postgres DSN via database/sql.
func Open(dsn string, size int, acquireTimeout, queryTimeout time.Duration, lg zerolog.Logger) (*Pool, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}
	db.SetMaxOpenConns(size)
	dial := func(ctx context.Context) (Conn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return sqlConn{c}, nil
	}
	return New(size, acquireTimeout, queryTimeout, dial, lg), nil
}

// Acquire blocks until a connection frees or the timeout elapses.
// ok=false signals a timeout, which callers must treat as retryable,
// not fatal; err is set only for dial failures or a closed pool.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (conn Conn, ok bool, err error) {
	if timeout <= 0 {
		timeout = p.acquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		return c, true, nil
	case <-p.slots:
		c, err := p.dial(ctx)
		if err != nil {
			p.slots <- struct{}{}
			return nil, false, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		return c, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-p.done:
		return nil, false, ErrPoolClosed
	}
}

// Release returns a healthy connection to the free list.
func (p *Pool) Release(c Conn) {
	if c == nil {
		return
	}
	select {
	case p.idle <- c:
	case <-p.done:
		_ = c.Close()
	}
}

// discard drops a broken connection and frees its slot.
func (p *Pool) discard(c Conn) {
	_ = c.Close()
	select {
	case p.slots <- struct{}{}:
	case <-p.done:
	}
}

// ExecuteQuery acquires a connection, runs the query under an
// independent query-level timeout and releases the connection on every
// path. Rows come back as column-name maps.
func (p *Pool) ExecuteQuery(ctx context.Context, query string, params []any, timeout time.Duration) ([]map[string]any, error) {
	c, ok, err := p.Acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no connection available", ErrConnect)
	}

	if timeout <= 0 {
		timeout = p.queryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := c.QueryContext(qctx, query, params...)
	if err != nil {
		p.discard(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("query timed out after %s: %w", timeout, err)
		}
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer p.Release(c)
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, isBytes := values[i].([]byte); isBytes {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Size returns the configured bound.
func (p *Pool) Size() int { return p.size }

// Close drains and closes idle connections. In-flight connections are
// closed as they are released.
func (p *Pool) Close() {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	for {
		select {
		case c := <-p.idle:
			_ = c.Close()
		default:
			return
		}
	}
}

// sqlConn adapts *sql.Conn to the pool's Conn interface.
type sqlConn struct {
	c *sql.Conn
}

func (s sqlConn) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return s.c.QueryContext(ctx, query, args...)
}

func (s sqlConn) Close() error { return s.c.Close() }

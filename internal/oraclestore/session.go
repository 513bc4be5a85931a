package oraclestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one value destined for either XSCADA_DATATAG_LOG or
// XSCADA_OPERATION. Which columns apply depends on Table.
type Row struct {
	Table    Table
	OTime    time.Time // sample timestamp (datatag-log) or operation time
	Name     string    // {plc}.{kind-label}.{machine_code}.{address}
	Kind     string    // DATATAG_TYPE: A/B/H/S/WH (datatag-log only)
	ValueStr string
	ValueNum float64
	ValueRaw uint16 // datatag-log only
}

// Table names the two remote destination tables.
type Table int

const (
	TableDatatagLog Table = iota
	TableOperation
)

func (t Table) String() string {
	if t == TableOperation {
		return "XSCADA_OPERATION"
	}
	return "XSCADA_DATATAG_LOG"
}

// RowError reports that a single row within a batch failed to insert.
type RowError struct {
	Index int
	Err   error
}

// Session is one remote-store connection, acquired from a Pool and either
// Released back or Discarded. A session that saw a failed commit is
// Discarded, never re-pooled.
type Session interface {
	InsertBatch(ctx context.Context, table Table, rows []Row) ([]RowError, error)
	Release()
	Discard()
}

// Pool is the remote session pool: min 2, max 5 sessions, 1h connection
// lifetime, 5s acquire timeout.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Close()
}

// pgxPool adapts *pgxpool.Pool to Pool, translating the session-per-PLC
// pool shape plcpool.Pool already uses for MC3E connections into a pgx
// connection pool for the remote store.
type pgxPool struct {
	pool *pgxpool.Pool
}

// OpenPool builds a Pool from a DSN. Sessions are dialed lazily: an
// unreachable store surfaces per-Acquire, so the writer's retry-and-spill
// path handles outages instead of the process refusing to boot.
func OpenPool(ctx context.Context, dsn string, minConns, maxConns int32, maxLifetime, acquireTimeout time.Duration) (Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("oraclestore: parse dsn: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns
	cfg.MaxConnLifetime = maxLifetime
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = acquireTimeout

	pgxp, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("oraclestore: new pool: %w", err)
	}
	return &pgxPool{pool: pgxp}, nil
}

func (p *pgxPool) Acquire(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxSession{conn: conn}, nil
}

func (p *pgxPool) Close() { p.pool.Close() }

type pgxSession struct {
	conn *pgxpool.Conn
}

const insertDatatagLogSQL = `
INSERT INTO XSCADA_DATATAG_LOG
  (CTIME, OTIME, DATATAG_NAME, DATATAG_TYPE, VALUE_STR, VALUE_NUM, VALUE_RAW)
VALUES (now(), $1, $2, $3, $4, $5, $6)`

const insertOperationSQL = `
INSERT INTO XSCADA_OPERATION (TIME, NAME, VALUE) VALUES ($1, $2, $3)`

// InsertBatch issues one statement per row via a pgx.Batch so that a
// failure in one row does not abort the rest and each failed row is
// reported individually.
func (s *pgxSession) InsertBatch(ctx context.Context, table Table, rows []Row) ([]RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		if table == TableOperation {
			batch.Queue(insertOperationSQL, r.OTime, r.Name, r.ValueNum)
		} else {
			batch.Queue(insertDatatagLogSQL, r.OTime, r.Name, r.Kind, r.ValueStr, r.ValueNum, r.ValueRaw)
		}
	}

	br := s.conn.SendBatch(ctx, batch)
	defer br.Close()

	var rowErrs []RowError
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			rowErrs = append(rowErrs, RowError{Index: i, Err: err})
		}
	}
	if err := br.Close(); err != nil {
		return rowErrs, err
	}
	if len(rowErrs) == len(rows) {
		return rowErrs, fmt.Errorf("oraclestore: all %d rows of batch into %s failed", len(rows), table)
	}
	return rowErrs, nil
}

func (s *pgxSession) Release() { s.conn.Release() }

// Discard closes the underlying connection before releasing it so the pool
// replaces it rather than handing it out again.
func (s *pgxSession) Discard() {
	s.conn.Conn().Close(context.Background())
	s.conn.Release()
}

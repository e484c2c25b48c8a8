package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side. The project
// and message stores share one Pool: the orchestrator appends transcript
// events through Writer while hub clients replay history through Reader.
//
// Under SQLite the writer is a single connection (one connection avoids
// SQLITE_BUSY churn under write contention) and the reader is a small
// read-only pool whose SELECTs run against WAL snapshots. Under PostgreSQL
// both sides are the same pgx-backed pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool pairs a writer with a reader. Passing the same handle for both is
// allowed and Close will only close it once.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating a shared handle.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

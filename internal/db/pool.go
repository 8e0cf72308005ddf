// Package db opens and pools the relational connections used by the index
// and tenant stores. The document store keeps its own SQLite handles.
package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// With SQLite in WAL mode this allows concurrent reads while all writes go
// through a single connection, which avoids SQLITE_BUSY under contention.
// With PostgreSQL the writer and reader are the same *sqlx.DB because pgx
// pools connections itself.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool used for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the SQL driver behind the pool ("pgx" or "sqlite3").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

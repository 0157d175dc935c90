package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/go-sql-driver/mysql"
)

// DB wraps a MySQL connection pool with a name-keyed prepared statement
// cache, mirroring the bootstrap/ping-retry shape used across the example
// pack's MySQL clients.
type DB struct {
	db         *sql.DB
	mu         sync.Mutex
	statements map[string]*sql.Stmt
}

// Open dials MySQL using dsn, retrying the initial ping a few times to ride
// out a database that is still starting up, then tunes the pool.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr = sqlDB.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(2 * time.Second)
		}
	}
	if pingErr != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(pingErr, "ping mysql")
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{db: sqlDB, statements: make(map[string]*sql.Stmt)}, nil
}

// Close releases every cached prepared statement and the underlying pool.
func (d *DB) Close() error {
	d.mu.Lock()
	for name, stmt := range d.statements {
		_ = stmt.Close()
		delete(d.statements, name)
	}
	d.mu.Unlock()
	return d.db.Close()
}

// prepared returns the cached *sql.Stmt for name, preparing and caching it
// on first use.
func (d *DB) prepared(ctx context.Context, name, query string) (*sql.Stmt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if stmt, ok := d.statements[name]; ok {
		return stmt, nil
	}
	stmt, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "prepare statement [%s]", name)
	}
	d.statements[name] = stmt
	return stmt, nil
}

// beginTx starts a transaction; it is used by the cycle rollover
// (RolloverCycle in attempts.go).
func (d *DB) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	return tx, nil
}

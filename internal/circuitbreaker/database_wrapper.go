package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards message-store queries with a breaker. It exposes the
// sqlx surface the store layer actually uses; anything else goes through DB().
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a message-store wrapper with its own breaker.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("postgresql", DatabaseBreakerConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", "message-store", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// PingContext wraps connectivity checks.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.PingContext(ctx)
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", dw.cb.State(), success)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// GetContext scans a single row into dest. sql.ErrNoRows passes through to
// the caller and never counts as a breaker failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})

	success := cbErr == nil && (err == nil || err == sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", dw.cb.State(), success)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.SelectContext(ctx, dest, query, args...)
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", dw.cb.State(), success)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// ExecContext wraps statements that return no rows.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", dw.cb.State(), success)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// TxWrapper carries a transaction opened through the breaker. Statement
// errors inside the transaction are accounted against the same breaker.
type TxWrapper struct {
	tx     *sqlx.Tx
	cb     *CircuitBreaker
	logger *zap.Logger
}

// BeginTxx starts a transaction through the breaker.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", dw.cb.State(), success)

	if cbErr != nil {
		return nil, cbErr
	}
	if err != nil {
		return nil, err
	}

	return &TxWrapper{tx: tx, cb: dw.cb, logger: dw.logger}, nil
}

// GetContext scans a single row inside the transaction.
func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		err = tw.tx.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})

	success := cbErr == nil && (err == nil || err == sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", tw.cb.State(), success)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// ExecContext runs a statement inside the transaction.
func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		result, err = tw.tx.ExecContext(ctx, query, args...)
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", tw.cb.State(), success)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// Commit commits through the breaker so a dead store is noticed here too.
func (tw *TxWrapper) Commit() error {
	var err error

	cbErr := tw.cb.Execute(context.Background(), func() error {
		err = tw.tx.Commit()
		return err
	})

	success := cbErr == nil && err == nil
	GlobalMetricsCollector.RecordRequest("postgresql", "message-store", tw.cb.State(), success)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// Rollback always runs; skipping it because a breaker is open would leak the
// transaction.
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}

// Stats returns pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the pool.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// DB exposes the raw sqlx handle for migrations and tests.
func (dw *DatabaseWrapper) DB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen reports whether the breaker is open.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

// Package sqlite stores retry records in an embedded SQLite database through
// database/sql and the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	_ "modernc.org/sqlite"
)

const DRIVER_NAME = "sqlite"

var _ persistence.RetryRepo = new(sqliteRetryRepo)

type sqliteRetryRepo struct {
	db *sql.DB
}

// Open opens dsn with a single connection so writers are serialized.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DRIVER_NAME, dsn)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open sqlite %s", dsn)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewSqliteRetryRepo(db *sql.DB) (*sqliteRetryRepo, error) {
	r := &sqliteRetryRepo{db: db}
	if err := r.initSchema(); err != nil {
		return nil, pkgerrors.WithMessage(err, "init flow_retry schema")
	}
	return r, nil
}

func (r *sqliteRetryRepo) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_retry (
			entity_id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			next_retry_time INTEGER NOT NULL,
			last_error TEXT,
			version INTEGER NOT NULL
		);`,
	)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_flow_retry_next ON flow_retry (next_retry_time);`)
	return err
}

func storageError(err error) error {
	return persistence.StorageLayerError{Message: err.Error()}
}

func (r *sqliteRetryRepo) Save(ctx context.Context, retries []model.FlowRetry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err)
	}
	defer tx.Rollback()
	for _, retry := range retries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flow_retry (entity_id, stream_id, node_id, retry_count, next_retry_time, last_error, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(entity_id) DO UPDATE SET
				stream_id = excluded.stream_id,
				node_id = excluded.node_id,
				retry_count = excluded.retry_count,
				next_retry_time = excluded.next_retry_time,
				last_error = excluded.last_error,
				version = 1`,
			retry.EntityId,
			retry.StreamId,
			retry.NodeId,
			retry.RetryCount,
			retry.NextRetryTime.UnixMilli(),
			retry.LastError,
		)
		if err != nil {
			return storageError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError(err)
	}
	return nil
}

func (r *sqliteRetryRepo) UpdateRetryRecord(ctx context.Context, retries []model.FlowRetry) (int, error) {
	updated := 0
	for _, retry := range retries {
		res, err := r.db.ExecContext(ctx, `
			UPDATE flow_retry
			SET stream_id = ?, node_id = ?, retry_count = ?, next_retry_time = ?, last_error = ?, version = version + 1
			WHERE entity_id = ? AND version = ?`,
			retry.StreamId,
			retry.NodeId,
			retry.RetryCount,
			retry.NextRetryTime.UnixMilli(),
			retry.LastError,
			retry.EntityId,
			retry.Version,
		)
		if err != nil {
			return updated, storageError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return updated, storageError(err)
		}
		updated += int(n)
	}
	return updated, nil
}

func placeholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func (r *sqliteRetryRepo) UpdateNextRetryTime(ctx context.Context, entityIds []string, nextRetryTime time.Time) error {
	if len(entityIds) == 0 {
		return nil
	}
	in, args := placeholders(entityIds)
	args = append([]any{nextRetryTime.UnixMilli()}, args...)
	_, err := r.db.ExecContext(ctx,
		`UPDATE flow_retry SET next_retry_time = ?, version = version + 1 WHERE entity_id IN (`+in+`)`,
		args...,
	)
	if err != nil {
		return storageError(err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRetry(row scanner) (*model.FlowRetry, error) {
	var retry model.FlowRetry
	var next int64
	var lastError sql.NullString
	if err := row.Scan(&retry.EntityId, &retry.StreamId, &retry.NodeId, &retry.RetryCount, &next, &lastError, &retry.Version); err != nil {
		return nil, err
	}
	retry.NextRetryTime = time.UnixMilli(next)
	retry.LastError = lastError.String
	return &retry, nil
}

const selectRetry = `SELECT entity_id, stream_id, node_id, retry_count, next_retry_time, last_error, version FROM flow_retry`

func (r *sqliteRetryRepo) GetById(ctx context.Context, entityId string) (*model.FlowRetry, error) {
	retry, err := scanRetry(r.db.QueryRowContext(ctx, selectRetry+` WHERE entity_id = ?`, entityId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return retry, nil
}

func (r *sqliteRetryRepo) FilterByNextRetryTime(ctx context.Context, nextRetryTime time.Time) ([]model.FlowRetry, error) {
	rows, err := r.db.QueryContext(ctx, selectRetry+` WHERE next_retry_time <= ? ORDER BY next_retry_time`, nextRetryTime.UnixMilli())
	if err != nil {
		return nil, storageError(err)
	}
	defer rows.Close()
	due := make([]model.FlowRetry, 0)
	for rows.Next() {
		retry, err := scanRetry(rows)
		if err != nil {
			return nil, storageError(err)
		}
		due = append(due, *retry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err)
	}
	return due, nil
}

func (r *sqliteRetryRepo) Delete(ctx context.Context, entityIds []string) error {
	if len(entityIds) == 0 {
		return nil
	}
	in, args := placeholders(entityIds)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM flow_retry WHERE entity_id IN (`+in+`)`, args...); err != nil {
		return storageError(err)
	}
	return nil
}

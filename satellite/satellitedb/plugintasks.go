package satellitedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"
)

// TaskStatus is the lifecycle state of a metadata plugin task.
type TaskStatus int

const (
	// TaskOK means the plugin returned metadata and it was applied.
	TaskOK TaskStatus = 0
	// TaskNotFound means the plugin found no metadata for the source yet.
	// Not-found tasks are retried on an exponential schedule.
	TaskNotFound TaskStatus = 1
	// TaskPending means the task has not run yet.
	TaskPending TaskStatus = 2
	// TaskDoNotScan excludes the archive from plugin runs.
	TaskDoNotScan TaskStatus = 3
	// TaskError means no usable source could be derived for the archive.
	TaskError TaskStatus = 4
)

// PluginTask tracks one archive's metadata fetch for a plugin namespace.
type PluginTask struct {
	ArcID       string
	Source      string
	Namespace   string
	Status      TaskStatus
	LastUpdated int64
	NumFailures int
}

// GetPluginTask returns the task for the archive, or nil when absent.
func (db *DB) GetPluginTask(ctx context.Context, arcid string) (_ *PluginTask, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT arcid, source, namespace, status, last_updated, num_failures
		FROM metadata_plugin_task WHERE arcid = ?
	`, arcid)

	var task PluginTask
	err = row.Scan(&task.ArcID, &task.Source, &task.Namespace, &task.Status, &task.LastUpdated, &task.NumFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &task, nil
}

// UpsertPluginTasks inserts or updates plugin tasks in one transaction.
func (db *DB) UpsertPluginTasks(ctx context.Context, tasks []PluginTask) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(tasks) == 0 {
		return nil
	}
	return db.execRetryTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metadata_plugin_task (arcid, source, namespace, status, last_updated, num_failures)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(arcid) DO UPDATE SET
				source = excluded.source,
				namespace = excluded.namespace,
				status = excluded.status,
				last_updated = excluded.last_updated,
				num_failures = excluded.num_failures
		`)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, stmt.Close()) }()

		for _, task := range tasks {
			_, err := stmt.ExecContext(ctx, task.ArcID, task.Source, task.Namespace,
				task.Status, task.LastUpdated, task.NumFailures)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPluginTasks returns up to limit tasks in the namespace with the given
// status.
func (db *DB) ListPluginTasks(ctx context.Context, namespace string, status TaskStatus, limit int) (_ []PluginTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT arcid, source, namespace, status, last_updated, num_failures
		FROM metadata_plugin_task
		WHERE namespace = ? AND status = ?
		LIMIT ?
	`, namespace, status, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanPluginTasks(rows)
}

// ListExpiredPluginTasks returns not-found tasks whose retry window has
// elapsed: a task becomes due one day after its last attempt, doubling with
// every recorded failure.
func (db *DB) ListExpiredPluginTasks(ctx context.Context, namespace string, now int64, limit int) (_ []PluginTask, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT arcid, source, namespace, status, last_updated, num_failures
		FROM metadata_plugin_task
		WHERE namespace = ? AND status = ? AND last_updated + 86400 * (1 << num_failures) < ?
		LIMIT ?
	`, namespace, TaskNotFound, now, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanPluginTasks(rows)
}

func scanPluginTasks(rows *sql.Rows) (tasks []PluginTask, err error) {
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var task PluginTask
		err := rows.Scan(&task.ArcID, &task.Source, &task.Namespace,
			&task.Status, &task.LastUpdated, &task.NumFailures)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, Error.Wrap(rows.Err())
}

// MarkPluginTask records the outcome of a plugin run.
func (db *DB) MarkPluginTask(ctx context.Context, arcid string, status TaskStatus, lastUpdated int64, numFailures int) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.execRetry(ctx, `
		UPDATE metadata_plugin_task
		SET status = ?, last_updated = ?, num_failures = ?
		WHERE arcid = ?
	`, status, lastUpdated, numFailures, arcid)
}

// DeletePluginTask removes the task for the archive.
func (db *DB) DeletePluginTask(ctx context.Context, arcid string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.execRetry(ctx, `DELETE FROM metadata_plugin_task WHERE arcid = ?`, arcid)
}

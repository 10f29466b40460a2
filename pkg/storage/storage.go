// Package storage caches built reports in SQLite so the dashboard can
// answer from disk between refresh cycles and survive restarts without
// hammering the upstream systems.
package storage

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tagwatch/tagwatch/pkg/pipeline"
)

// FreshFor is how long a cached report answers without a rebuild.
const FreshFor = 20 * time.Minute

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS daily_rows (
  id              INTEGER PRIMARY KEY,
  report_date     TEXT NOT NULL,
  channel_name    TEXT NOT NULL,
  logger_end_time TEXT NOT NULL,
  qc_end_time     TEXT NOT NULL,
  status_class    TEXT NOT NULL,
  status          TEXT NOT NULL,
  rank            INTEGER NOT NULL DEFAULT 0,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_daily_date ON daily_rows(report_date);
CREATE TABLE IF NOT EXISTS cluster_rows (
  id           INTEGER PRIMARY KEY,
  report_date  TEXT NOT NULL,
  cluster_name TEXT NOT NULL,
  channel_id   TEXT NOT NULL,
  channel_name TEXT NOT NULL,
  source       TEXT NOT NULL,
  start_time   TEXT NOT NULL,
  end_time     TEXT NOT NULL,
  created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cluster_date ON cluster_rows(report_date, cluster_name);
CREATE TABLE IF NOT EXISTS low_duration (
  id           INTEGER PRIMARY KEY,
  report_date  TEXT NOT NULL,
  cluster_name TEXT NOT NULL,
  channel_id   TEXT NOT NULL,
  created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_lowdur_date ON low_duration(report_date, cluster_name);
CREATE TABLE IF NOT EXISTS cluster_progress (
  id           INTEGER PRIMARY KEY,
  report_date  TEXT NOT NULL,
  cluster_name TEXT NOT NULL,
  total        INTEGER NOT NULL,
  qced         INTEGER NOT NULL,
  percentage   REAL NOT NULL,
  created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_progress_date ON cluster_progress(report_date, cluster_name);
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// ReplaceDaily swaps the cached daily rows for a date in one transaction.
// Insertion order preserves the builder's status ordering; reads come
// back by id.
func (d *DB) ReplaceDaily(ctx context.Context, date string, rows []pipeline.DailyRow) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM daily_rows WHERE report_date = ?`, date); err != nil {
		return err
	}
	for _, r := range rows {
		_, err = tx.ExecContext(ctx, `INSERT INTO daily_rows(report_date, channel_name, logger_end_time, qc_end_time, status_class, status, rank) VALUES(?,?,?,?,?,?,?)`,
			date, r.ChannelName, r.LoggerEndTime, r.QCEndTime, r.StatusClass, r.Status, r.Rank)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DailyRows returns the cached rows for a date in builder order. An empty
// slice with no error means nothing is cached.
func (d *DB) DailyRows(ctx context.Context, date string) ([]pipeline.DailyRow, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT channel_name, logger_end_time, qc_end_time, status_class, status, rank FROM daily_rows WHERE report_date = ? ORDER BY id`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.DailyRow
	for rows.Next() {
		var r pipeline.DailyRow
		if err := rows.Scan(&r.ChannelName, &r.LoggerEndTime, &r.QCEndTime, &r.StatusClass, &r.Status, &r.Rank); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DailyFresh reports whether the daily cache for a date is younger than
// maxAge.
func (d *DB) DailyFresh(ctx context.Context, date string, maxAge time.Duration) (bool, error) {
	return d.fresh(ctx, `SELECT MAX(created_at) FROM daily_rows WHERE report_date = ?`, maxAge, date)
}

// ReplaceCluster swaps the cached cluster report for a date in one
// transaction across its three tables.
func (d *DB) ReplaceCluster(ctx context.Context, date, cluster string, report *pipeline.ClusterReport) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM cluster_rows WHERE report_date = ? AND cluster_name = ?`,
		`DELETE FROM low_duration WHERE report_date = ? AND cluster_name = ?`,
		`DELETE FROM cluster_progress WHERE report_date = ? AND cluster_name = ?`,
	} {
		if _, err = tx.ExecContext(ctx, q, date, cluster); err != nil {
			return err
		}
	}

	for _, ch := range report.Channels {
		for _, l := range ch.Logs {
			_, err = tx.ExecContext(ctx, `INSERT INTO cluster_rows(report_date, cluster_name, channel_id, channel_name, source, start_time, end_time) VALUES(?,?,?,?,?,?,?)`,
				date, cluster, ch.ChannelID, ch.Name, l.Source, l.Start, l.End)
			if err != nil {
				return err
			}
		}
	}
	for _, id := range report.LowDuration {
		if _, err = tx.ExecContext(ctx, `INSERT INTO low_duration(report_date, cluster_name, channel_id) VALUES(?,?,?)`, date, cluster, id); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cluster_progress(report_date, cluster_name, total, qced, percentage) VALUES(?,?,?,?,?)`,
		date, cluster, report.Progress.Total, report.Progress.QCed, report.Progress.Percentage)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ClusterReport rebuilds a cached cluster report. ok is false when no
// progress row exists for the date, meaning the cluster was never built.
func (d *DB) ClusterReport(ctx context.Context, date, cluster string) (report *pipeline.ClusterReport, ok bool, err error) {
	report = &pipeline.ClusterReport{}

	row := d.sql.QueryRowContext(ctx, `SELECT total, qced, percentage FROM cluster_progress WHERE report_date = ? AND cluster_name = ? ORDER BY id DESC LIMIT 1`, date, cluster)
	err = row.Scan(&report.Progress.Total, &report.Progress.QCed, &report.Progress.Percentage)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	rows, err := d.sql.QueryContext(ctx, `SELECT channel_id, channel_name, source, start_time, end_time FROM cluster_rows WHERE report_date = ? AND cluster_name = ? ORDER BY id`, date, cluster)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var current *pipeline.ClusterChannel
	for rows.Next() {
		var id, name string
		var l pipeline.SourceLog
		if err = rows.Scan(&id, &name, &l.Source, &l.Start, &l.End); err != nil {
			return nil, false, err
		}
		// Rows were written channel by channel, so a changed id starts a
		// new channel.
		if current == nil || current.ChannelID != id {
			report.Channels = append(report.Channels, pipeline.ClusterChannel{ChannelID: id, Name: name})
			current = &report.Channels[len(report.Channels)-1]
		}
		current.Logs = append(current.Logs, l)
	}
	if err = rows.Err(); err != nil {
		return nil, false, err
	}

	low, err := d.sql.QueryContext(ctx, `SELECT channel_id FROM low_duration WHERE report_date = ? AND cluster_name = ? ORDER BY channel_id`, date, cluster)
	if err != nil {
		return nil, false, err
	}
	defer low.Close()
	for low.Next() {
		var id string
		if err = low.Scan(&id); err != nil {
			return nil, false, err
		}
		report.LowDuration = append(report.LowDuration, id)
	}
	if err = low.Err(); err != nil {
		return nil, false, err
	}
	return report, true, nil
}

// ClusterFresh reports whether the cluster cache for a date is younger
// than maxAge.
func (d *DB) ClusterFresh(ctx context.Context, date, cluster string, maxAge time.Duration) (bool, error) {
	return d.fresh(ctx, `SELECT MAX(created_at) FROM cluster_progress WHERE report_date = ? AND cluster_name = ?`, maxAge, date, cluster)
}

func (d *DB) fresh(ctx context.Context, query string, maxAge time.Duration, args ...interface{}) (bool, error) {
	var newest sql.NullString
	if err := d.sql.QueryRowContext(ctx, query, args...).Scan(&newest); err != nil {
		return false, err
	}
	if !newest.Valid {
		return false, nil
	}
	// SQLite's CURRENT_TIMESTAMP is UTC in "YYYY-MM-DD HH:MM:SS".
	t, err := time.ParseInLocation("2006-01-02 15:04:05", newest.String, time.UTC)
	if err != nil {
		return false, nil
	}
	return time.Since(t) < maxAge, nil
}

// RetentionCutoff returns the first report date worth keeping: the start
// of the previous reporting week, anchored on Sundays.
func RetentionCutoff(now time.Time) string {
	lastSunday := now.AddDate(0, 0, -int(now.Weekday()))
	return lastSunday.AddDate(0, 0, -7).Format("2006-01-02")
}

// Cleanup drops every cached row dated before cutoff (YYYY-MM-DD) and
// returns how many rows went.
func (d *DB) Cleanup(ctx context.Context, cutoff string) (int64, error) {
	var total int64
	for _, table := range []string{"daily_rows", "cluster_rows", "low_duration", "cluster_progress"} {
		res, err := d.sql.ExecContext(ctx, `DELETE FROM `+table+` WHERE report_date < ?`, cutoff)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// TableStats is one table's cache summary for the db stats command.
type TableStats struct {
	Table  string
	Dates  int
	Rows   int
	Newest string
}

func (d *DB) GetStats(ctx context.Context) ([]TableStats, error) {
	var stats []TableStats
	for _, table := range []string{"daily_rows", "cluster_rows", "low_duration", "cluster_progress"} {
		s := TableStats{Table: table}
		var newest sql.NullString
		row := d.sql.QueryRowContext(ctx, `SELECT COUNT(DISTINCT report_date), COUNT(*), MAX(report_date) FROM `+table)
		if err := row.Scan(&s.Dates, &s.Rows, &newest); err != nil {
			return nil, err
		}
		s.Newest = newest.String
		stats = append(stats, s)
	}
	return stats, nil
}

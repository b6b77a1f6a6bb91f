package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"lpvalidation/services/analytics/internal/model"
)

// SQLite keeps reports and imported metrics in a single local file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveReport(ctx context.Context, report model.MetricsReport) (string, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO metrics_reports
		(id, report_type, generated_at, payload)
		VALUES (?, ?, ?, ?)`,
		report.ID, string(report.Type), report.GeneratedAt.UnixNano(), string(payload),
	)
	if err != nil {
		return "", err
	}
	return report.ID, nil
}

func (s *SQLite) GetReport(ctx context.Context, id string) (model.MetricsReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM metrics_reports WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MetricsReport{}, fmt.Errorf("report %s: %w", id, model.ErrReportNotFound)
		}
		return model.MetricsReport{}, err
	}
	return decodeReport([]byte(payload))
}

func (s *SQLite) ReportHistory(ctx context.Context, limit int) ([]model.MetricsReport, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM metrics_reports ORDER BY generated_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	reports := make([]model.MetricsReport, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		report, err := decodeReport([]byte(payload))
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// UpsertDailyMetrics records one day of counters per session.
func (s *SQLite) UpsertDailyMetrics(ctx context.Context, rows []model.Counters) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	recordedAt := s.now().UnixNano()
	for _, row := range rows {
		_, err = tx.ExecContext(ctx, `INSERT INTO lp_sessions (id, name) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET name = CASE WHEN excluded.name = '' THEN name ELSE excluded.name END`,
			row.SessionID, row.SessionName)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO lp_session_metrics
			(session_id, metric_date, sessions, conversions, revenue, cost, clicks, impressions, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.SessionID, row.Date, row.Sessions, row.Conversions, row.Revenue, row.Cost,
			row.Clicks, row.Impressions, recordedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetSessionStatus moves a session between lifecycle states.
func (s *SQLite) SetSessionStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE lp_sessions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *SQLite) SessionsByStatus(ctx context.Context, status string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.name, s.status,
		COALESCE(SUM(m.sessions), 0), COALESCE(SUM(m.conversions), 0),
		COALESCE(SUM(m.revenue), 0), COALESCE(SUM(m.cost), 0),
		COALESCE(SUM(m.clicks), 0), COALESCE(SUM(m.impressions), 0)
		FROM lp_sessions s
		LEFT JOIN lp_session_metrics m ON m.session_id = s.id
		WHERE s.status = ?
		GROUP BY s.id, s.name, s.status
		ORDER BY s.id`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]model.Session, 0)
	for rows.Next() {
		var session model.Session
		if err := rows.Scan(&session.ID, &session.Name, &session.Status,
			&session.Sessions, &session.Conversions, &session.Revenue, &session.Cost,
			&session.Clicks, &session.Impressions); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLite) MetricsByDateRange(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	filter, args := sessionFilter(sessionIDs)
	args = append([]any{start.UTC().Format(dateLayout), end.UTC().Format(dateLayout)}, args...)

	rows, err := s.db.QueryContext(ctx, `SELECT m.session_id, s.name, m.metric_date,
		m.sessions, m.conversions, m.revenue, m.cost, m.clicks, m.impressions
		FROM lp_session_metrics m
		JOIN lp_sessions s ON s.id = m.session_id
		WHERE m.metric_date BETWEEN ? AND ?`+filter+`
		ORDER BY m.metric_date ASC, m.session_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snapshots := make([]model.MetricSnapshot, 0)
	for rows.Next() {
		var counters model.Counters
		if err := rows.Scan(&counters.SessionID, &counters.SessionName, &counters.Date,
			&counters.Sessions, &counters.Conversions, &counters.Revenue, &counters.Cost,
			&counters.Clicks, &counters.Impressions); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, counters.Snapshot())
	}
	return snapshots, rows.Err()
}

func (s *SQLite) MonthlyAggregates(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	filter, args := sessionFilter(sessionIDs)
	args = append([]any{start.UTC().Format(dateLayout), end.UTC().Format(dateLayout)}, args...)

	rows, err := s.db.QueryContext(ctx, `SELECT m.session_id, s.name,
		SUM(m.sessions), SUM(m.conversions), SUM(m.revenue), SUM(m.cost),
		SUM(m.clicks), SUM(m.impressions)
		FROM lp_session_metrics m
		JOIN lp_sessions s ON s.id = m.session_id
		WHERE m.metric_date BETWEEN ? AND ?`+filter+`
		GROUP BY m.session_id, s.name
		ORDER BY m.session_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snapshots := make([]model.MetricSnapshot, 0)
	for rows.Next() {
		var counters model.Counters
		if err := rows.Scan(&counters.SessionID, &counters.SessionName,
			&counters.Sessions, &counters.Conversions, &counters.Revenue, &counters.Cost,
			&counters.Clicks, &counters.Impressions); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, counters.Snapshot())
	}
	return snapshots, rows.Err()
}

func (s *SQLite) RealTimeMetrics(ctx context.Context) (model.RealTimeMetrics, error) {
	var active int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lp_sessions WHERE status = 'active'").Scan(&active); err != nil {
		return model.RealTimeMetrics{}, err
	}

	since := s.now().Add(-24 * time.Hour).UnixNano()
	rows, err := s.db.QueryContext(ctx, `SELECT m.session_id, s.name,
		SUM(m.sessions), SUM(m.conversions), SUM(m.revenue), SUM(m.cost),
		SUM(m.clicks), SUM(m.impressions)
		FROM lp_session_metrics m
		JOIN lp_sessions s ON s.id = m.session_id
		WHERE s.status = 'active' AND m.recorded_at >= ?
		GROUP BY m.session_id, s.name`, since)
	if err != nil {
		return model.RealTimeMetrics{}, err
	}
	defer func() { _ = rows.Close() }()

	counters := make([]model.Counters, 0)
	for rows.Next() {
		var row model.Counters
		if err := rows.Scan(&row.SessionID, &row.SessionName,
			&row.Sessions, &row.Conversions, &row.Revenue, &row.Cost,
			&row.Clicks, &row.Impressions); err != nil {
			return model.RealTimeMetrics{}, err
		}
		counters = append(counters, row)
	}
	if err := rows.Err(); err != nil {
		return model.RealTimeMetrics{}, err
	}

	return model.SummarizeRealTime(counters, active), nil
}

func sessionFilter(ids []string) (string, []any) {
	if len(ids) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return " AND m.session_id IN (" + strings.Join(placeholders, ", ") + ")", args
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// SQLiteReportRepository persists reports in a SQLite database.
type SQLiteReportRepository struct {
	db *sql.DB
}

// NewSQLiteReportRepository opens (and creates if needed) the database at path.
func NewSQLiteReportRepository(path string) (*SQLiteReportRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			total_bytes INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reports_content_id ON reports(content_id);
		CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteReportRepository{db: db}, nil
}

// Save records a report.
func (r *SQLiteReportRepository) Save(ctx context.Context, report *domain.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	created := report.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reports (content_id, platform, status, total_bytes, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(report.ContentID), string(report.Platform), string(report.Status), report.TotalBytes, string(payload), created.UnixNano())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// List returns up to limit reports, newest first. A limit <= 0 returns all.
func (r *SQLiteReportRepository) List(ctx context.Context, limit int) ([]*domain.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	return scanReports(rows)
}

// ListByContentID returns the reports of one content, newest first.
func (r *SQLiteReportRepository) ListByContentID(ctx context.Context, id domain.ContentID) ([]*domain.Report, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM reports WHERE content_id = ? ORDER BY created_at DESC, id DESC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	out, err := scanReports(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.ErrReportNotFound
	}
	return out, nil
}

// Close closes the database.
func (r *SQLiteReportRepository) Close() error {
	return r.db.Close()
}

func scanReports(rows *sql.Rows) ([]*domain.Report, error) {
	defer rows.Close()

	var out []*domain.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var rep domain.Report
		if err := json.Unmarshal([]byte(payload), &rep); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"carchat/models"
)

// SetBlocked records or lifts a block from blockerID against blockedID.
func (s *Store) SetBlocked(ctx context.Context, blockerID, blockedID string, blocked bool) error {
	if blockerID == "" || blockedID == "" {
		return errors.New("blocker_id and blocked_id are required")
	}

	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
			blockerID, blockedID, nowUnixMilli(),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`,
			blockerID, blockedID,
		)
	}
	if err != nil {
		return fmt.Errorf("set block %q -> %q: %w", blockerID, blockedID, err)
	}
	return nil
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?)`,
		blockerID, blockedID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check block %q -> %q: %w", blockerID, blockedID, err)
	}
	return exists == 1, nil
}

// ListBlocked returns the users blocked by blockerID.
func (s *Store) ListBlocked(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blocked_id FROM blocks WHERE blocker_id = ? ORDER BY created_at ASC, blocked_id ASC`,
		blockerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list blocks for %q: %w", blockerID, err)
	}
	defer rows.Close()

	blocked := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		blocked = append(blocked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block rows: %w", err)
	}
	return blocked, nil
}

// SaveReport inserts a new report.
func (s *Store) SaveReport(ctx context.Context, report models.Report) error {
	if report.ID == "" {
		return errors.New("report_id is required")
	}
	if report.ReporterID == "" || report.ReportedID == "" {
		return errors.New("reporter_id and reported_id are required")
	}
	if report.Reason == "" {
		return errors.New("reason is required")
	}
	if report.Status == "" {
		report.Status = models.ReportOpen
	}
	if !report.Status.Valid() {
		return fmt.Errorf("invalid report status %q", report.Status)
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = nowUnixMilli()
	}

	snapshot := report.Snapshot
	if snapshot == nil {
		snapshot = []models.Message{}
	}
	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode report snapshot: %w", err)
	}

	var convKey *string
	if report.Key != nil {
		k := report.Key.String()
		convKey = &k
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (
			report_id,
			reporter_id,
			reported_id,
			conv_key,
			reason,
			snapshot,
			status,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		report.ReporterID,
		report.ReportedID,
		nullString(convKey),
		report.Reason,
		string(rawSnapshot),
		string(report.Status),
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report %q: %w", report.ID, err)
	}
	return nil
}

// GetReport fetches one report by ID.
func (s *Store) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT report_id, reporter_id, reported_id, conv_key, reason, snapshot, status, created_at, resolved_by, resolved_at
		FROM reports WHERE report_id = ?`,
		reportID,
	)
	report, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get report %q: %w", reportID, err)
	}
	return report, nil
}

// ListReports returns reports, newest first, optionally filtered by status.
func (s *Store) ListReports(ctx context.Context, status models.ReportStatus) ([]models.Report, error) {
	query := `SELECT report_id, reporter_id, reported_id, conv_key, reason, snapshot, status, created_at, resolved_by, resolved_at
	FROM reports`
	args := make([]any, 0, 1)
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid report status %q", status)
		}
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, report_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]models.Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		reports = append(reports, *report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}
	return reports, nil
}

// ResolveReport closes an open report.
func (s *Store) ResolveReport(ctx context.Context, reportID, resolvedBy string, status models.ReportStatus) error {
	if status != models.ReportResolved && status != models.ReportDismissed {
		return fmt.Errorf("invalid review status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE reports
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE report_id = ? AND status = 'open'`,
		string(status),
		resolvedBy,
		nowUnixMilli(),
		reportID,
	)
	if err != nil {
		return fmt.Errorf("resolve report %q: %w", reportID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for resolve report %q: %w", reportID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanReport(row scanner) (*models.Report, error) {
	var (
		report     models.Report
		convKey    sql.NullString
		snapshot   string
		status     string
		resolvedBy sql.NullString
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(
		&report.ID,
		&report.ReporterID,
		&report.ReportedID,
		&convKey,
		&report.Reason,
		&snapshot,
		&status,
		&report.CreatedAt,
		&resolvedBy,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	report.Status = models.ReportStatus(status)
	if convKey.Valid {
		key, err := models.ParseConversationKey(convKey.String)
		if err != nil {
			return nil, err
		}
		report.Key = &key
	}
	if err := json.Unmarshal([]byte(snapshot), &report.Snapshot); err != nil {
		return nil, fmt.Errorf("decode report snapshot: %w", err)
	}
	if len(report.Snapshot) == 0 {
		report.Snapshot = nil
	}
	report.ResolvedBy = resolvedBy.String
	report.ResolvedAt = resolvedAt.Int64
	return &report, nil
}

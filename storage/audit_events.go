package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultAuditEventPage = 100
	maxAuditEventPage     = 1000
)

// SetAuditEventRetention configures automatic audit-event pruning horizon.
func (s *Store) SetAuditEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAuditEventRetention
	}
	s.auditEventRetention = retention
}

// LogAuditEvent inserts a moderation audit event and applies retention pruning.
func (s *Store) LogAuditEvent(ctx context.Context, event AuditEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}
	if err := validateAuditSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	if strings.TrimSpace(event.ActorID) == "" {
		return errors.New("actor_id is required")
	}

	var subjectID *string
	if event.SubjectID != nil {
		trimmed := strings.TrimSpace(*event.SubjectID)
		if trimmed != "" {
			subjectID = &trimmed
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (
			event_type,
			actor_id,
			subject_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		event.ActorID,
		nullString(subjectID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %q: %w", event.EventType, err)
	}

	if s.auditEventRetention > 0 {
		cutoff := time.Now().Add(-s.auditEventRetention).UnixMilli()
		if _, err := s.PruneAuditEvents(ctx, cutoff); err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
	}

	return nil
}

// GetAuditEvents returns recent audit events with optional filtering.
func (s *Store) GetAuditEvents(ctx context.Context, filter AuditEventFilter) ([]AuditEvent, error) {
	if filter.Severity != "" {
		if err := validateAuditSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := min(filter.Limit, maxAuditEventPage)
	if limit <= 0 {
		limit = defaultAuditEventPage
	}
	offset := max(filter.Offset, 0)

	var (
		clauses []string
		args    []any
	)
	match := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if filter.EventType != "" {
		match("event_type = ?", filter.EventType)
	}
	if filter.ActorID != "" {
		match("actor_id = ?", filter.ActorID)
	}
	if filter.SubjectID != "" {
		match("subject_id = ?", filter.SubjectID)
	}
	if filter.Severity != "" {
		match("severity = ?", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		match("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		match("timestamp <= ?", *filter.ToTimestamp)
	}

	query := `SELECT id, event_type, actor_id, subject_id, details, severity, timestamp FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}

// PruneAuditEvents removes audit events older than cutoffTimestamp.
func (s *Store) PruneAuditEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for audit event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanAuditEvent(row scanner) (*AuditEvent, error) {
	var (
		event     AuditEvent
		subjectID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.ActorID,
		&subjectID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.SubjectID = stringPtr(subjectID)
	return &event, nil
}

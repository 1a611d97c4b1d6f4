package storage

import (
	"database/sql"
	"fmt"
	"time"

	"carchat/models"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = models.ErrNotFound

const (
	// AuditSeverityInfo marks routine moderation activity.
	AuditSeverityInfo = "info"
	// AuditSeverityWarning marks activity an admin should look at.
	AuditSeverityWarning = "warning"
)

const (
	// AuditEventBlock is logged when a user blocks another user.
	AuditEventBlock = "block"
	// AuditEventUnblock is logged when a block is lifted.
	AuditEventUnblock = "unblock"
	// AuditEventReport is logged when a report is filed.
	AuditEventReport = "report"
	// AuditEventReportReviewed is logged when an admin resolves or dismisses a report.
	AuditEventReportReviewed = "report_reviewed"
)

// AuditEvent stores one moderation action.
type AuditEvent struct {
	ID        int64
	EventType string
	ActorID   string
	SubjectID *string
	Details   string
	Severity  string
	Timestamp int64
}

// AuditEventFilter narrows GetAuditEvents query results.
type AuditEventFilter struct {
	EventType     string
	ActorID       string
	SubjectID     string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// Session binds a bearer token to an account until it expires.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt int64
}

func validateAuditSeverity(severity string) error {
	switch severity {
	case AuditSeverityInfo, AuditSeverityWarning:
		return nil
	default:
		return fmt.Errorf("invalid audit event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

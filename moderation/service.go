// Package moderation lets users block each other and report abuse, and lets
// admins review reports.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carchat/models"
	"carchat/storage"
)

// DefaultSnapshotSize is how many recent messages a report may carry.
const DefaultSnapshotSize = 20

var (
	ErrSelfAction     = errors.New("users cannot block or report themselves")
	ErrReasonRequired = errors.New("report reason is required")
	ErrNotParticipant = errors.New("reporter is not a participant of the conversation")
)

// Store persists blocks and reports.
type Store interface {
	SetBlocked(ctx context.Context, blockerID, blockedID string, blocked bool) error
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	ListBlocked(ctx context.Context, blockerID string) ([]string, error)
	SaveReport(ctx context.Context, report models.Report) error
	GetReport(ctx context.Context, reportID string) (*models.Report, error)
	ListReports(ctx context.Context, status models.ReportStatus) ([]models.Report, error)
	ResolveReport(ctx context.Context, reportID, resolvedBy string, status models.ReportStatus) error
}

// MessageSource supplies conversation history for report snapshots.
type MessageSource interface {
	ListMessages(ctx context.Context, key models.ConversationKey, limit int) ([]models.Message, error)
}

// AuditLog records moderation actions.
type AuditLog interface {
	LogAuditEvent(ctx context.Context, event storage.AuditEvent) error
}

// ReportInput is a user's complaint about another user.
type ReportInput struct {
	ReporterID      string
	ReportedID      string
	Key             *models.ConversationKey
	Reason          string
	IncludeMessages bool
	BlockToo        bool
}

// Service implements blocking and reporting.
type Service struct {
	store        Store
	messages     MessageSource
	audit        AuditLog
	log          zerolog.Logger
	snapshotSize int

	now   func() time.Time
	newID func() string
}

// NewService wires a Service. audit may be nil.
func NewService(store Store, messages MessageSource, audit AuditLog, log zerolog.Logger) *Service {
	return &Service{
		store:        store,
		messages:     messages,
		audit:        audit,
		log:          log,
		snapshotSize: DefaultSnapshotSize,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Block stops blocked from exchanging messages with blocker.
func (s *Service) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return ErrSelfAction
	}
	if err := s.store.SetBlocked(ctx, blockerID, blockedID, true); err != nil {
		return err
	}
	s.record(ctx, storage.AuditEventBlock, blockerID, blockedID, storage.AuditSeverityInfo, nil)
	return nil
}

// Unblock lifts a block placed by blocker.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return ErrSelfAction
	}
	if err := s.store.SetBlocked(ctx, blockerID, blockedID, false); err != nil {
		return err
	}
	s.record(ctx, storage.AuditEventUnblock, blockerID, blockedID, storage.AuditSeverityInfo, nil)
	return nil
}

// IsBlocked reports whether either user has blocked the other.
func (s *Service) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	blocked, err := s.store.IsBlocked(ctx, a, b)
	if err != nil || blocked {
		return blocked, err
	}
	return s.store.IsBlocked(ctx, b, a)
}

// Blocked lists the users blockerID has blocked.
func (s *Service) Blocked(ctx context.Context, blockerID string) ([]string, error) {
	return s.store.ListBlocked(ctx, blockerID)
}

// Report files a complaint, optionally attaching recent messages and blocking.
func (s *Service) Report(ctx context.Context, in ReportInput) (*models.Report, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if in.ReporterID == "" || in.ReportedID == "" {
		return nil, errors.New("reporter and reported user are required")
	}
	if in.ReporterID == in.ReportedID {
		return nil, ErrSelfAction
	}
	if in.Reason == "" {
		return nil, ErrReasonRequired
	}

	report := models.Report{
		ID:         s.newID(),
		ReporterID: in.ReporterID,
		ReportedID: in.ReportedID,
		Reason:     in.Reason,
		Status:     models.ReportOpen,
		CreatedAt:  s.now().UnixMilli(),
	}

	if in.Key != nil {
		if err := in.Key.Validate(); err != nil {
			return nil, err
		}
		if !in.Key.IsParticipant(in.ReporterID) || in.Key.Peer(in.ReporterID) != in.ReportedID {
			return nil, ErrNotParticipant
		}
		key := *in.Key
		report.Key = &key

		if in.IncludeMessages {
			snapshot, err := s.snapshot(ctx, key, in.ReporterID)
			if err != nil {
				return nil, err
			}
			report.Snapshot = snapshot
		}
	}

	if err := s.store.SaveReport(ctx, report); err != nil {
		return nil, err
	}
	s.record(ctx, storage.AuditEventReport, in.ReporterID, in.ReportedID, storage.AuditSeverityWarning, map[string]any{
		"report_id": report.ID,
		"messages":  len(report.Snapshot),
	})

	if in.BlockToo {
		if err := s.Block(ctx, in.ReporterID, in.ReportedID); err != nil {
			return &report, fmt.Errorf("block after report: %w", err)
		}
	}

	s.log.Info().Str("report_id", report.ID).Str("reporter", in.ReporterID).Str("reported", in.ReportedID).Msg("report filed")
	return &report, nil
}

// Reports lists reports for admin review, newest first.
func (s *Service) Reports(ctx context.Context, status models.ReportStatus) ([]models.Report, error) {
	return s.store.ListReports(ctx, status)
}

// Resolve closes an open report as resolved or dismissed.
func (s *Service) Resolve(ctx context.Context, reportID, adminID string, status models.ReportStatus) (*models.Report, error) {
	if err := s.store.ResolveReport(ctx, reportID, adminID, status); err != nil {
		return nil, err
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, storage.AuditEventReportReviewed, adminID, report.ReportedID, storage.AuditSeverityInfo, map[string]any{
		"report_id": reportID,
		"status":    status,
	})
	return report, nil
}

func (s *Service) snapshot(ctx context.Context, key models.ConversationKey, viewerID string) ([]models.Message, error) {
	if s.messages == nil {
		return nil, nil
	}
	// Widen the window until enough messages survive the reporter's own
	// deletes or the history runs out.
	for limit := s.snapshotSize * 4; ; limit *= 2 {
		messages, err := s.messages.ListMessages(ctx, key, limit)
		if err != nil {
			return nil, fmt.Errorf("load report snapshot: %w", err)
		}

		visible := make([]models.Message, 0, len(messages))
		for _, message := range messages {
			if message.VisibleTo(viewerID) {
				visible = append(visible, message.ForViewer(viewerID))
			}
		}
		if len(visible) >= s.snapshotSize || len(messages) < limit {
			if len(visible) > s.snapshotSize {
				visible = visible[len(visible)-s.snapshotSize:]
			}
			return visible, nil
		}
	}
}

func (s *Service) record(ctx context.Context, eventType, actorID, subjectID, severity string, details map[string]any) {
	if s.audit == nil {
		return
	}

	raw := []byte("{}")
	if details != nil {
		encoded, err := json.Marshal(details)
		if err == nil {
			raw = encoded
		}
	}

	subject := subjectID
	if err := s.audit.LogAuditEvent(ctx, storage.AuditEvent{
		EventType: eventType,
		ActorID:   actorID,
		SubjectID: &subject,
		Details:   string(raw),
		Severity:  severity,
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("write audit event")
	}
}

package models

// ReportStatus tracks admin review of a report.
type ReportStatus string

const (
	ReportOpen      ReportStatus = "open"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportOpen, ReportResolved, ReportDismissed:
		return true
	default:
		return false
	}
}

// Report is a user complaint about another user, optionally with recent messages attached.
type Report struct {
	ID         string           `json:"id"`
	ReporterID string           `json:"reporter_id"`
	ReportedID string           `json:"reported_id"`
	Key        *ConversationKey `json:"key,omitempty"`
	Reason     string           `json:"reason"`
	Snapshot   []Message        `json:"snapshot,omitempty"`
	Status     ReportStatus     `json:"status"`
	CreatedAt  int64            `json:"created_at"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	ResolvedAt int64            `json:"resolved_at,omitempty"`
}

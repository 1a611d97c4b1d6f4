package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carchat/models"
)

func (s *Store) blocksKey(blockerID string) string {
	return s.prefix + ":blocks:" + blockerID
}

func (s *Store) reportsKey() string {
	return s.prefix + ":reports"
}

func (s *Store) reportIndexKey() string {
	return s.prefix + ":reports:index"
}

// SetBlocked records or lifts a block from blockerID against blockedID.
func (s *Store) SetBlocked(ctx context.Context, blockerID, blockedID string, blocked bool) error {
	if blockerID == "" || blockedID == "" {
		return errors.New("blocker_id and blocked_id are required")
	}

	var err error
	if blocked {
		err = s.client.ZAddNX(ctx, s.blocksKey(blockerID), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: blockedID,
		}).Err()
	} else {
		err = s.client.ZRem(ctx, s.blocksKey(blockerID), blockedID).Err()
	}
	if err != nil {
		return fmt.Errorf("set block %q -> %q: %w", blockerID, blockedID, err)
	}
	return nil
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	err := s.client.ZScore(ctx, s.blocksKey(blockerID), blockedID).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, fmt.Errorf("check block %q -> %q: %w", blockerID, blockedID, err)
}

// ListBlocked returns the users blocked by blockerID, oldest block first.
func (s *Store) ListBlocked(ctx context.Context, blockerID string) ([]string, error) {
	blocked, err := s.client.ZRange(ctx, s.blocksKey(blockerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list blocks for %q: %w", blockerID, err)
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
		report.CreatedAt = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report %q: %w", report.ID, err)
	}
	created, err := s.client.HSetNX(ctx, s.reportsKey(), report.ID, raw).Result()
	if err != nil {
		return fmt.Errorf("insert report %q: %w", report.ID, err)
	}
	if !created {
		return fmt.Errorf("insert report %q: %w", report.ID, models.ErrDuplicate)
	}
	if err := s.client.ZAdd(ctx, s.reportIndexKey(), redis.Z{Score: float64(report.CreatedAt), Member: report.ID}).Err(); err != nil {
		return fmt.Errorf("index report %q: %w", report.ID, err)
	}
	return nil
}

// GetReport fetches one report by ID.
func (s *Store) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	return s.getReport(ctx, s.client, reportID)
}

// ListReports returns reports, newest first, optionally filtered by status.
func (s *Store) ListReports(ctx context.Context, status models.ReportStatus) ([]models.Report, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("invalid report status %q", status)
	}

	ids, err := s.client.ZRevRange(ctx, s.reportIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	reports := make([]models.Report, 0, len(ids))
	if len(ids) == 0 {
		return reports, nil
	}

	values, err := s.client.HMGet(ctx, s.reportsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		report, err := decodeReport(raw)
		if err != nil {
			return nil, err
		}
		if status != "" && report.Status != status {
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// ResolveReport closes an open report.
func (s *Store) ResolveReport(ctx context.Context, reportID, resolvedBy string, status models.ReportStatus) error {
	if status != models.ReportResolved && status != models.ReportDismissed {
		return fmt.Errorf("invalid review status %q", status)
	}

	txf := func(tx *redis.Tx) error {
		report, err := s.getReport(ctx, tx, reportID)
		if err != nil {
			return err
		}
		if report.Status != models.ReportOpen {
			return models.ErrNotFound
		}
		report.Status = status
		report.ResolvedBy = resolvedBy
		report.ResolvedAt = time.Now().UnixMilli()

		raw, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report %q: %w", reportID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.reportsKey(), reportID, raw)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, s.reportsKey())
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("resolve report %q: too much contention", reportID)
}

func (s *Store) getReport(ctx context.Context, c hashGetter, reportID string) (*models.Report, error) {
	raw, err := c.HGet(ctx, s.reportsKey(), reportID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get report %q: %w", reportID, err)
	}
	return decodeReport(raw)
}

func decodeReport(raw string) (*models.Report, error) {
	var report models.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"payout-engine/pkg/db/option"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Report aggregates ledger activity over [From, To).
type Report struct {
	ID                string             `json:"id"`
	From              time.Time          `json:"from"`
	To                time.Time          `json:"to"`
	GeneratedAt       time.Time          `json:"generated_at"`
	TotalEntries      int64              `json:"total_entries"`
	BySeverity        map[Severity]int64 `json:"by_severity"`
	ByResource        map[Resource]int64 `json:"by_resource"`
	ByAction          map[Action]int64   `json:"by_action"`
	TopUsers          []Count            `json:"top_users"`
	FailedByErrorCode map[string]int64   `json:"failed_by_error_code"`
	VolumeByCurrency  map[string]int64   `json:"volume_by_currency"`
	Archive           string             `json:"archive,omitempty"`
}

type groupRow struct {
	Name  string
	Total int64
}

func (s *Service) group(ctx context.Context, expr, column string, from, to time.Time, scopes ...func(*gorm.DB) *gorm.DB) ([]groupRow, error) {
	var rows []groupRow
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Scopes(option.WithTimeRange("event_time", from, to)).
		Scopes(scopes...).
		Select(fmt.Sprintf("%s AS name, %s AS total", column, expr)).
		Group(column).
		Order("total DESC").
		Scan(&rows).Error
	return rows, err
}

// Report computes counts by severity, resource and action, the busiest
// users, failed jobs by error code and completed volume per currency.
func (s *Service) Report(ctx context.Context, from, to time.Time, topN int) (*Report, error) {
	if topN <= 0 {
		topN = 10
	}

	r := &Report{
		ID:                s.node.Generate().String(),
		From:              from,
		To:                to,
		GeneratedAt:       s.now().UTC(),
		BySeverity:        map[Severity]int64{},
		ByResource:        map[Resource]int64{},
		ByAction:          map[Action]int64{},
		FailedByErrorCode: map[string]int64{},
		VolumeByCurrency:  map[string]int64{},
	}

	fail := func(what string, err error) (*Report, error) {
		zap.L().Error("failed to build ledger report", zap.String("section", what), zap.Error(err))
		return nil, err
	}

	rows, err := s.group(ctx, "COUNT(*)", "severity", from, to)
	if err != nil {
		return fail("severity", err)
	}
	for _, row := range rows {
		r.BySeverity[Severity(row.Name)] = row.Total
		r.TotalEntries += row.Total
	}

	if rows, err = s.group(ctx, "COUNT(*)", "resource", from, to); err != nil {
		return fail("resource", err)
	}
	for _, row := range rows {
		r.ByResource[Resource(row.Name)] = row.Total
	}

	if rows, err = s.group(ctx, "COUNT(*)", "action", from, to); err != nil {
		return fail("action", err)
	}
	for _, row := range rows {
		r.ByAction[Action(row.Name)] = row.Total
	}

	if rows, err = s.group(ctx, "COUNT(*)", "user_id", from, to, option.WithLimit(topN)); err != nil {
		return fail("users", err)
	}
	r.TopUsers = make([]Count, 0, len(rows))
	for _, row := range rows {
		r.TopUsers = append(r.TopUsers, Count{Key: row.Name, Count: row.Total})
	}

	if rows, err = s.group(ctx, "COUNT(*)", "error_code", from, to,
		option.Where("action = ? AND error_code <> ''", ActionJobFailed),
	); err != nil {
		return fail("failures", err)
	}
	for _, row := range rows {
		r.FailedByErrorCode[row.Name] = row.Total
	}

	if rows, err = s.group(ctx, "SUM(amount)", "currency", from, to,
		option.Where("action = ?", ActionJobCompleted),
	); err != nil {
		return fail("volume", err)
	}
	for _, row := range rows {
		r.VolumeByCurrency[row.Name] = row.Total
	}

	return r, nil
}

// ExportReport archives r as JSON under reports/<date>/<id>.json and returns
// the object key. It is a no-op without an object store.
func (s *Service) ExportReport(ctx context.Context, r *Report) (string, error) {
	if s.archive == nil {
		return "", nil
	}

	key := fmt.Sprintf("reports/%s/%s.json", r.GeneratedAt.UTC().Format("2006-01-02"), r.ID)
	stored, err := s.archive.PutJSON(ctx, key, r)
	if err != nil {
		zap.L().Error("failed to archive ledger report", zap.String("key", key), zap.Error(err))
		return "", err
	}
	r.Archive = stored
	return stored, nil
}

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"payout-engine/pkg/redis"
	"payout-engine/pkg/rediskey"
	"payout-engine/services/payout"

	"go.uber.org/zap"
)

const statsWindow = 24 * time.Hour

// Stats counts jobs and payouts created in the trailing window by status.
// It is a monitoring view and may be up to STATS_TTL old.
type Stats struct {
	Window      time.Duration              `json:"window"`
	Jobs        map[payout.JobStatus]int64 `json:"jobs"`
	Payouts     map[payout.Status]int64    `json:"payouts"`
	TotalJobs   int64                      `json:"total_jobs"`
	CollectedAt time.Time                  `json:"collected_at"`
}

// Health is a point-in-time snapshot of the worker pool.
type Health struct {
	Running           bool                       `json:"running"`
	ActiveWorkers     int                        `json:"active_workers"`
	ConfiguredWorkers int                        `json:"configured_workers"`
	QueueDepth        map[payout.JobStatus]int64 `json:"queue_depth"`
	LastStats         *Stats                     `json:"last_stats,omitempty"`
	CollectedAt       time.Time                  `json:"collected_at"`
}

// Stats serves the cached statistics while they are fresh, first from this
// process and then from the snapshot another process published. Concurrent
// misses share one database pass.
func (p *Processor) Stats(ctx context.Context) (*Stats, error) {
	if s := p.cachedStats(); s != nil {
		statsCacheHits.Inc()
		return s, nil
	}
	statsCacheMiss.Inc()

	v, err, _ := p.statsGroup.Do("stats", func() (any, error) {
		if s := p.cachedStats(); s != nil {
			return s, nil
		}
		if s := p.sharedStats(ctx); s != nil {
			p.statsMu.Lock()
			p.stats = s
			p.statsMu.Unlock()
			return s, nil
		}
		return p.RefreshStats(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stats), nil
}

// RefreshStats recomputes statistics now and publishes them to the shared
// cache for other processes.
func (p *Processor) RefreshStats(ctx context.Context) (*Stats, error) {
	s, err := p.collectStats(ctx)
	if err != nil {
		return nil, err
	}
	p.statsMu.Lock()
	p.stats = s
	p.statsMu.Unlock()

	if p.cache != nil {
		if raw, err := json.Marshal(s); err == nil {
			if err := p.cache.Set(ctx, rediskey.JobStatsKey, raw, p.cfg.StatsTTL); err != nil {
				zap.L().Warn("failed to publish job stats", zap.Error(err))
			}
		}
	}
	return s, nil
}

func (p *Processor) cachedStats() *Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	if !p.fresh(p.stats) {
		return nil
	}
	return p.stats
}

func (p *Processor) sharedStats(ctx context.Context) *Stats {
	if p.cache == nil {
		return nil
	}
	raw, err := p.cache.Get(ctx, rediskey.JobStatsKey)
	if err != nil {
		if !errors.Is(err, redis.ErrMiss) {
			zap.L().Warn("failed to read shared job stats", zap.Error(err))
		}
		return nil
	}
	var s Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		zap.L().Warn("discarding unreadable job stats", zap.Error(err))
		return nil
	}
	if !p.fresh(&s) {
		return nil
	}
	return &s
}

func (p *Processor) fresh(s *Stats) bool {
	return s != nil && p.now().Sub(s.CollectedAt) < p.cfg.StatsTTL
}

func (p *Processor) collectStats(ctx context.Context) (*Stats, error) {
	now := p.now()
	since := now.Add(-statsWindow)

	var jobRows []struct {
		Status payout.JobStatus
		Total  int64
	}
	if err := p.db.WithContext(ctx).Model(&payout.Job{}).
		Select("status, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&jobRows).Error; err != nil {
		zap.L().Error("failed to collect job stats", zap.Error(err))
		return nil, err
	}

	var payoutRows []struct {
		Status payout.Status
		Total  int64
	}
	if err := p.db.WithContext(ctx).Model(&payout.Payout{}).
		Select("status, COUNT(*) AS total").
		Where("requested_at >= ?", since).
		Group("status").
		Scan(&payoutRows).Error; err != nil {
		zap.L().Error("failed to collect payout stats", zap.Error(err))
		return nil, err
	}

	s := &Stats{
		Window:      statsWindow,
		Jobs:        make(map[payout.JobStatus]int64, len(jobRows)),
		Payouts:     make(map[payout.Status]int64, len(payoutRows)),
		CollectedAt: now,
	}
	for _, r := range jobRows {
		s.Jobs[r.Status] = r.Total
		s.TotalJobs += r.Total
	}
	for _, r := range payoutRows {
		s.Payouts[r.Status] = r.Total
	}
	return s, nil
}

// Health reports the pool state and current queue depths. Queue depths are
// read live; stats come from the cache.
func (p *Processor) Health(ctx context.Context) (*Health, error) {
	var rows []struct {
		Status payout.JobStatus
		Total  int64
	}
	if err := p.db.WithContext(ctx).Model(&payout.Job{}).
		Select("status, COUNT(*) AS total").
		Where("status IN ?", []payout.JobStatus{payout.JobQueued, payout.JobRetrying, payout.JobProcessing}).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	h := &Health{
		Running:           p.Running(),
		ActiveWorkers:     int(p.active.Load()),
		ConfiguredWorkers: p.cfg.Workers,
		QueueDepth: map[payout.JobStatus]int64{
			payout.JobQueued:     0,
			payout.JobRetrying:   0,
			payout.JobProcessing: 0,
		},
		CollectedAt: p.now(),
	}
	for _, r := range rows {
		h.QueueDepth[r.Status] = r.Total
	}

	p.statsMu.RLock()
	h.LastStats = p.stats
	p.statsMu.RUnlock()
	return h, nil
}

package processor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db/option"
	"payout-engine/pkg/redis"
	"payout-engine/pkg/repository"
	"payout-engine/pkg/sequence"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/rail"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// errLostClaim means a guarded job write matched no row: the claim expired
// and was reclaimed, or another worker holds the job.
var errLostClaim = errors.New("processor: job claim lost")

// Processor drives payout jobs through their rails. Correctness rests on the
// conditional job updates; the in-process inflight set only saves a round
// trip when two local workers see the same row.
type Processor struct {
	conf     *config.Config
	cfg      config.Processor
	db       *gorm.DB
	payouts  *payout.Store
	jobs     repository.Repository[payout.Job]
	registry *rail.Registry
	ledger   *ledger.Service
	balance  *balance.Service
	batches  sequence.Generator
	cache    redis.Cache
	node     *snowflake.Node
	metrics  *metrics

	now    func() time.Time
	jitter func() float64

	inflight sync.Map
	running  atomic.Bool
	active   atomic.Int32
	stopMu   sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup

	statsGroup singleflight.Group
	statsMu    sync.RWMutex
	stats      *Stats
}

type Params struct {
	fx.In
	Config        *config.Config
	DB            *gorm.DB
	Node          *snowflake.Node
	Payouts       *payout.Store
	Registry      *rail.Registry
	Ledger        *ledger.Service
	Balance       *balance.Service
	Batches       sequence.Generator   `optional:"true"`
	Cache         redis.Cache          `optional:"true"`
	MeterProvider metric.MeterProvider `optional:"true"`
}

func New(p Params) (*Processor, error) {
	m, err := newMetrics(p.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Processor{
		conf:     p.Config,
		cfg:      p.Config.Processor,
		db:       p.DB,
		payouts:  p.Payouts,
		jobs:     repository.ProvideStore[payout.Job](p.DB),
		registry: p.Registry,
		ledger:   p.Ledger,
		balance:  p.Balance,
		batches:  p.Batches,
		cache:    p.Cache,
		node:     p.Node,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   rand.Float64,
	}, nil
}

// Start launches the worker pool. Calling it on a running processor is a
// no-op.
func (p *Processor) Start(context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	stop := make(chan struct{})
	p.stopMu.Lock()
	p.stop = stop
	p.stopMu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i, stop)
	}

	zap.L().Info("payout processor started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)
	return nil
}

// Stop asks workers to exit after their current job and waits for them, or
// for ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	p.stopMu.Lock()
	close(p.stop)
	p.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("payout processor stopped")
		return nil
	case <-ctx.Done():
		zap.L().Warn("payout processor stop timed out with jobs in flight", zap.Int32("active", p.active.Load()))
		return ctx.Err()
	}
}

func (p *Processor) Running() bool { return p.running.Load() }

func (p *Processor) worker(id int, stop <-chan struct{}) {
	defer p.wg.Done()
	log := zap.L().With(zap.Int("worker", id))

	// In-flight provider calls finish even after Stop; the loop checks the
	// stop channel between jobs.
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := p.runBatch(ctx, stop)
		var wait time.Duration
		switch {
		case err != nil:
			log.Error("worker batch failed", zap.Error(err))
			wait = p.cfg.ErrorBackoff
		case n == 0:
			wait = p.cfg.PollInterval
		default:
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce fetches one batch of ready jobs and processes every job this
// caller manages to claim. It returns how many jobs it processed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	return p.runBatch(ctx, nil)
}

func (p *Processor) runBatch(ctx context.Context, stop <-chan struct{}) (int, error) {
	ready, err := p.fetchReady(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range ready {
		if stop != nil {
			select {
			case <-stop:
				return processed, nil
			default:
			}
		}

		if _, busy := p.inflight.LoadOrStore(job.ID, struct{}{}); busy {
			continue
		}
		claimed, err := p.Claim(ctx, job)
		if err != nil || claimed == nil {
			p.inflight.Delete(job.ID)
			if err != nil {
				return processed, err
			}
			continue
		}

		p.active.Add(1)
		if err := p.ProcessJob(ctx, claimed); err != nil {
			zap.L().Error("payout job left in processing",
				zap.String("job_id", claimed.ID),
				zap.String("payout_id", claimed.PayoutID),
				zap.Error(err),
			)
		}
		p.active.Add(-1)
		p.inflight.Delete(job.ID)
		processed++
	}
	return processed, nil
}

func (p *Processor) fetchReady(ctx context.Context) ([]*payout.Job, error) {
	return p.jobs.Find(ctx, nil,
		option.ApplyOperator(option.Condition{
			Field:    "status",
			Operator: option.IN,
			Value:    []payout.JobStatus{payout.JobQueued, payout.JobRetrying},
		}),
		option.Where("(next_retry_at IS NULL OR next_retry_at <= ?)", p.now()),
		option.OrderBy("priority DESC, created_at ASC"),
		option.WithLimit(p.cfg.BatchSize),
	)
}

// Claim moves job to processing if nobody changed it since it was read. It
// returns nil when another worker won.
func (p *Processor) Claim(ctx context.Context, job *payout.Job) (*payout.Job, error) {
	now := p.now()
	res := p.db.WithContext(ctx).Model(&payout.Job{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, job.Status, job.Attempts).
		Updates(map[string]any{
			"status":     payout.JobProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		p.metrics.claimConflict(ctx)
		zap.L().Debug("job claimed elsewhere", zap.String("job_id", job.ID))
		return nil, nil
	}

	claimed := *job
	claimed.Status = payout.JobProcessing
	claimed.Attempts++
	claimed.ClaimedAt = &now
	return &claimed, nil
}

// finish writes cols to a job this worker still holds.
func (p *Processor) finish(ctx context.Context, tx *gorm.DB, job *payout.Job, cols map[string]any) error {
	cols["updated_at"] = p.now()
	res := tx.WithContext(ctx).Model(&payout.Job{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, payout.JobProcessing, job.Attempts).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errLostClaim
	}
	return nil
}

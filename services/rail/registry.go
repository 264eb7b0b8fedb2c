package rail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/pkg/featureflags"
	"payout-engine/services/payout"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rail",
	fx.Provide(NewRegistry),
)

type slot struct {
	once    sync.Once
	handler Handler
	err     error
}

// Registry builds each rail handler on first use and hands out the same
// instance afterwards. The slot map is fixed at construction, so Resolve is
// safe for concurrent use.
type Registry struct {
	cfg     *config.Config
	flags   featureflags.FeatureFlag
	timeout time.Duration
	slots   map[ID]*slot
}

type Option func(*Registry)

// WithHandler installs a prebuilt handler, skipping lazy construction.
func WithHandler(h Handler) Option {
	return func(r *Registry) {
		s := r.slots[h.Rail()]
		if s == nil {
			return
		}
		s.once.Do(func() { s.handler = h })
	}
}

type RegistryParams struct {
	fx.In
	Config *config.Config
	Flags  featureflags.FeatureFlag `optional:"true"`
}

func NewRegistry(p RegistryParams) *Registry {
	return New(p.Config, p.Flags)
}

func New(cfg *config.Config, flags featureflags.FeatureFlag, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg,
		flags:   flags,
		timeout: cfg.Processor.ProviderTimeout,
		slots:   make(map[ID]*slot, len(All())),
	}
	for _, id := range All() {
		r.slots[id] = &slot{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FlagName is the kill-switch feature for a rail.
func FlagName(id ID) string {
	return fmt.Sprintf("rail_%s_enabled", id)
}

// Enabled combines RAILS.<ID>.ENABLED with the rail's feature flag.
func (r *Registry) Enabled(ctx context.Context, id ID) bool {
	if !id.Valid() || !r.cfg.Rail(string(id)).IsEnabled() {
		return false
	}
	if r.flags == nil {
		return true
	}
	return r.flags.Enabled(ctx, FlagName(id), true)
}

// Resolve returns the handler for id, or a non-retryable rail_unsupported
// error when the rail is unknown, disabled or misconfigured.
func (r *Registry) Resolve(ctx context.Context, id ID) (Handler, error) {
	s, ok := r.slots[id]
	if !ok {
		return nil, payout.ErrRailUnsupported(string(id))
	}
	if !r.Enabled(ctx, id) {
		return nil, payout.ErrRailUnsupported(string(id))
	}

	s.once.Do(func() {
		s.handler, s.err = r.build(id)
		if s.err != nil {
			zap.L().Error("rail handler construction failed", zap.String("rail", string(id)), zap.Error(s.err))
			return
		}
		zap.L().Info("rail handler ready", zap.String("rail", string(id)))
	})
	if s.err != nil {
		pe := payout.ErrRailUnsupported(string(id))
		pe.Err = s.err
		return nil, pe
	}
	return s.handler, nil
}

func (r *Registry) build(id ID) (Handler, error) {
	policy := r.cfg.Rail(string(id))
	switch id {
	case CardTransfer:
		return NewCardTransfer(policy, r.timeout)
	case Wallet:
		return NewWallet(policy, r.timeout)
	case IntlTransfer:
		return NewIntlTransfer(policy, r.timeout)
	case GlobalPayee:
		return NewGlobalPayee(policy, r.timeout)
	case DomesticACH:
		return NewDomesticACH(policy, r.timeout)
	}
	return nil, payout.ErrRailUnsupported(string(id))
}

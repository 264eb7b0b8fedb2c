package featureflags

import (
	"context"

	"payout-engine/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// Enabled reports the environment flag, or fallback when flags are
	// unavailable or the feature is unknown.
	Enabled(ctx context.Context, feature string, fallback bool) bool
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, feature string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("feature flags unavailable", zap.String("feature", feature), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return fallback
	}
	return enabled
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, nil
	}
	return s.client.GetIdentityFlags(identifier, traits)
}

// Static is a fixed flag set for tests and offline tooling.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, feature string, fallback bool) bool {
	if v, ok := s[feature]; ok {
		return v
	}
	return fallback
}

func (s Static) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

package rail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payout-engine/pkg/config"
	"payout-engine/pkg/featureflags"
	"payout-engine/services/payout"
)

func registryConfig(baseURL string) *config.Config {
	cfg := &config.Config{Rails: config.DefaultRails()}
	cfg.Processor = config.DefaultProcessor()
	for id, rc := range cfg.Rails {
		rc.BaseURL = baseURL
		cfg.Rails[id] = rc
	}
	return cfg
}

func TestRegistryBuildsOnceAndReuses(t *testing.T) {
	r := New(registryConfig("http://provider.invalid"), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]Handler, 8)
	errs := make([]error, len(got))
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = r.Resolve(ctx, Wallet)
		}(i)
	}
	wg.Wait()

	for i, h := range got {
		require.NoError(t, errs[i])
		require.Same(t, got[0], h)
	}
	require.Equal(t, Wallet, got[0].Rail())
}

func TestRegistryResolvesEveryRail(t *testing.T) {
	r := New(registryConfig("http://provider.invalid"), nil)
	for _, id := range All() {
		h, err := r.Resolve(context.Background(), id)
		require.NoError(t, err, id)
		require.Equal(t, id, h.Rail())
	}
}

func TestRegistryRejectsUnknownRail(t *testing.T) {
	r := New(registryConfig("http://provider.invalid"), nil)

	_, err := r.Resolve(context.Background(), ID("carrier_pigeon"))
	require.True(t, payout.HasCode(err, payout.CodeRailUnsupported))
	require.False(t, payout.IsRetryable(err))
}

func TestRegistryHonoursConfigKillSwitch(t *testing.T) {
	cfg := registryConfig("http://provider.invalid")
	off := false
	rc := cfg.Rails[string(GlobalPayee)]
	rc.Enabled = &off
	cfg.Rails[string(GlobalPayee)] = rc

	r := New(cfg, nil)
	require.False(t, r.Enabled(context.Background(), GlobalPayee))

	_, err := r.Resolve(context.Background(), GlobalPayee)
	require.True(t, payout.HasCode(err, payout.CodeRailUnsupported))
}

func TestRegistryHonoursFeatureFlag(t *testing.T) {
	flags := featureflags.Static{FlagName(CardTransfer): false}
	r := New(registryConfig("http://provider.invalid"), flags)
	ctx := context.Background()

	require.Equal(t, "rail_card_transfer_enabled", FlagName(CardTransfer))
	require.False(t, r.Enabled(ctx, CardTransfer))
	require.True(t, r.Enabled(ctx, Wallet))

	_, err := r.Resolve(ctx, CardTransfer)
	require.True(t, payout.HasCode(err, payout.CodeRailUnsupported))
}

func TestRegistryReportsMisconfiguredRail(t *testing.T) {
	r := New(registryConfig(""), nil)

	_, err := r.Resolve(context.Background(), IntlTransfer)
	require.True(t, payout.HasCode(err, payout.CodeRailUnsupported))
	require.ErrorContains(t, err, "BASE_URL")
}

type fixedHandler struct {
	Handler
	id ID
}

func (f fixedHandler) Rail() ID { return f.id }

func TestRegistryWithHandlerSkipsConstruction(t *testing.T) {
	fake := fixedHandler{id: DomesticACH}
	r := New(registryConfig(""), nil, WithHandler(fake))

	h, err := r.Resolve(context.Background(), DomesticACH)
	require.NoError(t, err)
	require.Equal(t, fake, h)

	_, err = r.Resolve(context.Background(), Wallet)
	require.Error(t, err)
}

func TestRegistryUsesProviderTimeout(t *testing.T) {
	cfg := registryConfig("http://provider.invalid")
	cfg.Processor.ProviderTimeout = 3 * time.Second
	r := New(cfg, nil)
	require.Equal(t, 3*time.Second, r.timeout)
}

package config

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultProcessor returns the worker pool tuning used when nothing is configured.
func DefaultProcessor() Processor {
	return Processor{
		Workers:         4,
		BatchSize:       10,
		PollInterval:    time.Second,
		ErrorBackoff:    5 * time.Second,
		MaxAttempts:     3,
		BackoffLadder:   []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute},
		JitterRatio:     0.1,
		StatsTTL:        30 * time.Second,
		Retention:       30 * 24 * time.Hour,
		ClaimTimeout:    10 * time.Minute,
		ProviderTimeout: 30 * time.Second,
		PollBatch:       50,
	}
}

func (p Processor) normalize() Processor {
	d := DefaultProcessor()
	warn := func(key string) {
		zap.L().Warn("invalid processor setting, using default", zap.String("key", key))
	}

	if p.Workers < 1 {
		warn("WORKERS")
		p.Workers = d.Workers
	}
	if p.BatchSize < 1 {
		warn("BATCH_SIZE")
		p.BatchSize = d.BatchSize
	}
	if p.PollInterval <= 0 {
		warn("POLL_INTERVAL")
		p.PollInterval = d.PollInterval
	}
	if p.ErrorBackoff <= 0 {
		warn("ERROR_BACKOFF")
		p.ErrorBackoff = d.ErrorBackoff
	}
	if p.MaxAttempts < 1 {
		warn("MAX_ATTEMPTS")
		p.MaxAttempts = d.MaxAttempts
	}
	if len(p.BackoffLadder) == 0 {
		p.BackoffLadder = d.BackoffLadder
	}
	for _, step := range p.BackoffLadder {
		if step <= 0 {
			warn("BACKOFF_LADDER")
			p.BackoffLadder = d.BackoffLadder
			break
		}
	}
	if p.JitterRatio < 0 || p.JitterRatio >= 1 {
		warn("JITTER_RATIO")
		p.JitterRatio = d.JitterRatio
	}
	if p.StatsTTL <= 0 {
		p.StatsTTL = d.StatsTTL
	}
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	if p.ClaimTimeout <= 0 {
		p.ClaimTimeout = d.ClaimTimeout
	}
	if p.ProviderTimeout <= 0 {
		p.ProviderTimeout = d.ProviderTimeout
	}
	if p.PollBatch < 1 {
		p.PollBatch = d.PollBatch
	}
	return p
}

// DefaultRails is the per-rail policy an empty configuration runs with.
// Keys are rail ids.
func DefaultRails() map[string]RailConfig {
	major := []string{"USD", "EUR", "GBP", "CAD", "AUD"}
	return map[string]RailConfig{
		"card_transfer": {
			PlatformFeeBps:  50,
			ProviderFeeBps:  25,
			ProviderFeeFlat: 25,
			MinAmount:       100,
			MaxAmount:       10_000_000,
			DailyLimit:      2_500_000,
			MonthlyLimit:    25_000_000,
			Countries:       []string{"US", "CA", "GB", "AU", "DE", "FR", "NL", "IE", "ES", "IT"},
			Currencies:      major,
			RateLimitRPS:    25,
		},
		"wallet": {
			PlatformFeeBps: 50,
			ProviderFeeBps: 200,
			ProviderFeeMin: 25,
			MinAmount:      100,
			MaxAmount:      2_000_000,
			DailyLimit:     1_000_000,
			MonthlyLimit:   10_000_000,
			Currencies:     major,
			RateLimitRPS:   30,
		},
		"intl_transfer": {
			PlatformFeeBps:  50,
			ProviderFeeBps:  45,
			ProviderFeeFlat: 100,
			ProviderFeeMin:  100,
			MinAmount:       1_000,
			MaxAmount:       50_000_000,
			DailyLimit:      10_000_000,
			MonthlyLimit:    100_000_000,
			Currencies:      append(append([]string{}, major...), "JPY", "INR", "SGD", "MXN", "BRL"),
			RateLimitRPS:    10,
		},
		"global_payee": {
			PlatformFeeBps:  50,
			ProviderFeeFlat: 300,
			ProviderFeeMin:  300,
			MinAmount:       2_000,
			MaxAmount:       20_000_000,
			DailyLimit:      5_000_000,
			MonthlyLimit:    50_000_000,
			Currencies:      []string{"USD", "EUR", "GBP"},
			RateLimitRPS:    5,
		},
		"domestic_ach": {
			PlatformFeeBps:  50,
			ProviderFeeFlat: 500,
			ProviderFeeMin:  500,
			MinAmount:       1_000,
			MaxAmount:       25_000_000,
			DailyLimit:      10_000_000,
			MonthlyLimit:    50_000_000,
			Countries:       []string{"US", "CA", "GB"},
			Currencies:      []string{"USD", "CAD", "GBP"},
			RateLimitRPS:    10,
		},
	}
}

// mergeRails overlays configured rail blocks onto the defaults. isSet
// receives the full key (RAILS.<ID>.<FIELD>) so an explicit zero fee or
// limit replaces the default; empty strings and lists keep it.
func mergeRails(configured map[string]RailConfig, isSet func(key string) bool) map[string]RailConfig {
	out := DefaultRails()
	for key, rc := range configured {
		id := strings.ToLower(key)
		base, ok := out[id]
		if !ok {
			zap.L().Warn("ignoring unknown rail config", zap.String("rail", key))
			continue
		}
		out[id] = overlay(base, rc, func(field string) bool {
			return isSet("RAILS." + key + "." + field)
		})
	}
	return out
}

type railAmount struct {
	dst *int64
	val int64
}

func overlay(base, rc RailConfig, isSet func(field string) bool) RailConfig {
	if rc.Enabled != nil {
		base.Enabled = rc.Enabled
	}
	if rc.BaseURL != "" {
		base.BaseURL = rc.BaseURL
	}
	if rc.APIKey != "" {
		base.APIKey = rc.APIKey
	}
	if rc.APISecret != "" {
		base.APISecret = rc.APISecret
	}
	for field, v := range map[string]railAmount{
		"PLATFORM_FEE_BPS":  {&base.PlatformFeeBps, rc.PlatformFeeBps},
		"PROVIDER_FEE_BPS":  {&base.ProviderFeeBps, rc.ProviderFeeBps},
		"PROVIDER_FEE_FLAT": {&base.ProviderFeeFlat, rc.ProviderFeeFlat},
		"PROVIDER_FEE_MIN":  {&base.ProviderFeeMin, rc.ProviderFeeMin},
		"MIN_AMOUNT":        {&base.MinAmount, rc.MinAmount},
		"MAX_AMOUNT":        {&base.MaxAmount, rc.MaxAmount},
		"DAILY_LIMIT":       {&base.DailyLimit, rc.DailyLimit},
		"MONTHLY_LIMIT":     {&base.MonthlyLimit, rc.MonthlyLimit},
	} {
		if isSet(field) {
			*v.dst = v.val
		}
	}
	if isSet("RATE_LIMIT_RPS") {
		base.RateLimitRPS = rc.RateLimitRPS
	}
	if len(rc.Countries) > 0 {
		base.Countries = rc.Countries
	}
	if len(rc.Currencies) > 0 {
		base.Currencies = rc.Currencies
	}
	if len(rc.BackoffLadder) > 0 {
		base.BackoffLadder = rc.BackoffLadder
	}
	return base
}

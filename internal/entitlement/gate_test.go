package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usedUnits(t *testing.T, f *fixture, key, feature string) int64 {
	t.Helper()
	n, err := f.ledger.WindowedTotal(context.Background(), key, feature, time.Time{}, time.Time{})
	require.NoError(t, err)
	return n
}

func TestChainOrder(t *testing.T) {
	var order []string
	step := func(name string) Interceptor {
		return func(next Action) Action {
			return func(ctx context.Context) error {
				order = append(order, name)
				return next(ctx)
			}
		}
	}

	h := Chain(step("a"), step("b"), step("c"))(func(context.Context) error {
		order = append(order, "run")
		return nil
	})
	require.NoError(t, h(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "run"}, order)
}

func TestGateRecordsAfterSuccess(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Pro)

	var seen *license.License
	err := Gate(f.engine, lic.Key, tier.FeatureAIResearch, WithUnits(3))(func(ctx context.Context) error {
		seen = LicenseFrom(ctx)
		return nil
	})(context.Background())
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, lic.Key, seen.Key)
	assert.Equal(t, int64(3), usedUnits(t, f, lic.Key, tier.FeatureAIResearch))
}

func TestGateFailedActionRecordsNothing(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Pro)
	boom := errors.New("agent crashed")

	err := Gate(f.engine, lic.Key, tier.FeatureAIResearch)(func(context.Context) error {
		return boom
	})(context.Background())
	assert.ErrorIs(t, err, boom)
	_, denied := AsDenial(err)
	assert.False(t, denied)
	assert.Zero(t, usedUnits(t, f, lic.Key, tier.FeatureAIResearch))
}

func TestGateDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := f.mint(t, tier.Free)

	require.NoError(t, f.engine.RecordFeatureUsage(ctx, free.Key, tier.FeaturePlaywright, 20, nil))

	tests := []struct {
		name    string
		key     string
		feature string
		opts    []GateOption
		stage   Stage
		reason  string
	}{
		{"no key", "", tier.FeaturePlaywright, nil, StageValidate, ReasonNoKey},
		{"unknown key", "OUTREACH-0000-0000-0000-0000", tier.FeaturePlaywright, nil, StageValidate, ReasonInvalidKey},
		{"locked feature", free.Key, tier.FeatureSerpAPI, nil, StageFeature, "Feature 'serpapi' not available in free tier"},
		{"unknown feature", free.Key, "teleport", nil, StageFeature, "Unknown feature: teleport"},
		{"over quota", free.Key, tier.FeaturePlaywright, nil, StageRate, "Hourly API limit reached (20)"},
		{"over quota atomic", free.Key, tier.FeaturePlaywright, []GateOption{WithAtomic()}, StageRate, "Hourly API limit reached (20)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ran := false
			err := Gate(f.engine, tc.key, tc.feature, tc.opts...)(func(context.Context) error {
				ran = true
				return nil
			})(ctx)

			d, ok := AsDenial(err)
			require.True(t, ok, "want denial, got %v", err)
			assert.Equal(t, tc.stage, d.Stage)
			assert.Equal(t, tc.reason, d.Reason)
			assert.False(t, ran)
		})
	}
}

func TestGateMeteredSkipsFlag(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Free)

	run := func(context.Context) error { return nil }

	err := Gate(f.engine, lic.Key, tier.FeatureEmailGeneration)(run)(context.Background())
	d, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, "Unknown feature: email_generation", d.Reason)

	err = Gate(f.engine, lic.Key, tier.FeatureEmailGeneration, Metered())(run)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), usedUnits(t, f, lic.Key, tier.FeatureEmailGeneration))
}

func TestGateAtomicConsumesBeforeRun(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Pro)
	boom := errors.New("agent crashed")

	err := Gate(f.engine, lic.Key, tier.FeatureSnovIO, WithAtomic(), WithUnits(2),
		WithUsageMetadata(map[string]string{"command": "enrich"}))(func(context.Context) error {
		return boom
	})(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), usedUnits(t, f, lic.Key, tier.FeatureSnovIO))
}

func TestGateAnonymous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ran := false
	err := Gate(f.engine, "", tier.FeaturePlaywright, AllowAnonymous())(func(ctx context.Context) error {
		ran = true
		assert.Nil(t, LicenseFrom(ctx))
		return nil
	})(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	err = Gate(f.engine, "", tier.FeatureAIResearch, AllowAnonymous())(func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})(ctx)
	d, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, StageFeature, d.Stage)
	assert.Equal(t, "Feature 'ai_research' not available in free tier", d.Reason)

	totals, err := f.ledger.Totals(ctx, "", usage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestGateFaultIsNotADenial(t *testing.T) {
	boom := errors.New("store offline")
	e := New(&faultyStore{Store: license.NewMemoryStore(), err: boom}, usage.NewMemoryLedger())

	err := Gate(e, "OUTREACH-0000-0000-0000-0000", tier.FeaturePlaywright)(func(context.Context) error {
		return nil
	})(context.Background())
	assert.ErrorIs(t, err, boom)
	_, denied := AsDenial(err)
	assert.False(t, denied)
}

func TestDenialErrorMessage(t *testing.T) {
	err := &DenialError{Stage: StageRate, Reason: "Hourly API limit reached (20)"}
	assert.Equal(t, "entitlement: rate_limit denied: Hourly API limit reached (20)", err.Error())
}

package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *license.MemoryStore
	ledger *usage.MemoryLedger
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  license.NewMemoryStore(),
		ledger: usage.NewMemoryLedger(),
		clock:  newTestClock(),
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.engine = New(f.store, f.ledger, opts...)
	return f
}

func (f *fixture) mint(t *testing.T, tr tier.Tier) *license.License {
	t.Helper()
	lic, err := f.engine.Mint(context.Background(), MintRequest{Owner: "ann@example.com", Tier: tr})
	require.NoError(t, err)
	return lic
}

// plainLedger hides the Reserver methods of a ledger.
type plainLedger struct{ usage.Ledger }

// faultyStore fails every read.
type faultyStore struct {
	license.Store
	err error
}

func (s *faultyStore) Get(context.Context, string) (*license.License, error) {
	return nil, s.err
}

func (s *faultyStore) ListByOwner(context.Context, string, int, *pagination.Cursor) ([]*license.License, error) {
	return nil, s.err
}

// faultyLedger fails every aggregate.
type faultyLedger struct {
	usage.Ledger
	err error
}

func (l *faultyLedger) WindowedTotal(context.Context, string, string, time.Time, time.Time) (int64, error) {
	return 0, l.err
}

func (l *faultyLedger) Totals(context.Context, string, usage.Filter) (map[string]int64, error) {
	return nil, l.err
}

func (l *faultyLedger) Record(context.Context, usage.Event) error {
	return l.err
}

func TestScenarioProGetsAIResearchFreeDoesNot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pro := f.mint(t, tier.Pro)
	d, err := f.engine.CheckFeatureAccess(ctx, pro.Key, tier.FeatureAIResearch)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Reason: "Access granted"}, d)

	free := f.mint(t, tier.Free)
	d, err = f.engine.CheckFeatureAccess(ctx, free.Key, tier.FeatureAIResearch)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Feature 'ai_research' not available in free tier", d.Reason)
	assert.Equal(t, StageFeature, d.Stage)
}

func TestScenarioFreeMonthlyEmailLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := f.mint(t, tier.Free)

	// Spread over five hours so the hourly cap of 10 never trips.
	for h := 0; h < 5; h++ {
		for i := 0; i < 10; i++ {
			require.NoError(t, f.engine.RecordFeatureUsage(ctx, free.Key, tier.FeatureEmailGeneration, 1, nil))
		}
		f.clock.Advance(time.Hour + time.Minute)
	}

	d, err := f.engine.CheckRateLimits(ctx, free.Key, tier.FeatureEmailGeneration)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Monthly email limit reached (50)", d.Reason)
	assert.Equal(t, StageRate, d.Stage)
}

func TestScenarioDeactivatedLicenseReportsInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Pro)

	require.NoError(t, f.engine.Deactivate(ctx, lic.Key))

	v, err := f.engine.Validate(ctx, lic.Key)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, "License is inactive", v.Reason)
	require.NotNil(t, v.License)
	assert.Equal(t, lic.Key, v.License.Key)
}

func TestFeatureAccessMatchesFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tr := range tier.All() {
		lic := f.mint(t, tr)
		limits := tier.LimitsFor(tr)
		for _, feature := range tier.Features {
			d, err := f.engine.CheckFeatureAccess(ctx, lic.Key, feature)
			require.NoError(t, err)
			assert.Equal(t, limits.Flags[feature], d.Allowed, "%s/%s", tr, feature)
		}
	}
}

func TestUnknownFeatureIsDenied(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Enterprise)

	for _, feature := range []string{"teleport", "", tier.FeatureEmailGeneration} {
		d, err := f.engine.CheckFeatureAccess(context.Background(), lic.Key, feature)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, fmt.Sprintf("Unknown feature: %s", feature), d.Reason)
	}
}

func TestValidateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.Validate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Validation{Reason: "No license key provided"}, v)

	v, err = f.engine.Validate(ctx, "OUTREACH-0000-0000-0000-0000")
	require.NoError(t, err)
	assert.Equal(t, Validation{Reason: "Invalid license key"}, v)

	lic := f.mint(t, tier.Pro)
	v, err = f.engine.Validate(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, "Valid license", v.Reason)

	f.clock.Advance(31 * 24 * time.Hour)
	v, err = f.engine.Validate(ctx, lic.Key)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, "License has expired", v.Reason)
	assert.NotNil(t, v.License)

	// Inactive wins over expired.
	require.NoError(t, f.engine.Deactivate(ctx, lic.Key))
	v, err = f.engine.Validate(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, "License is inactive", v.Reason)
}

func TestExpiryInstantIsStillValid(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Free)
	require.NotNil(t, lic.ExpiresAt)

	f.clock.Set(*lic.ExpiresAt)
	v, err := f.engine.Validate(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.True(t, v.OK, v.Reason)

	f.clock.Advance(time.Microsecond)
	v, err = f.engine.Validate(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonExpired, v.Reason)
}

func TestEnterpriseNeverExpires(t *testing.T) {
	f := newFixture(t)
	lic := f.mint(t, tier.Enterprise)
	assert.Nil(t, lic.ExpiresAt)

	f.clock.Advance(10 * 365 * 24 * time.Hour)
	v, err := f.engine.Validate(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.True(t, v.OK)
}

func TestChecksAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Free)

	first, err := f.engine.CheckFeatureAccess(ctx, lic.Key, tier.FeatureSerpAPI)
	require.NoError(t, err)
	firstRate, err := f.engine.CheckRateLimits(ctx, lic.Key, tier.FeatureSerpAPI)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		d, err := f.engine.CheckFeatureAccess(ctx, lic.Key, tier.FeatureSerpAPI)
		require.NoError(t, err)
		assert.Equal(t, first, d)
		d, err = f.engine.CheckRateLimits(ctx, lic.Key, tier.FeatureSerpAPI)
		require.NoError(t, err)
		assert.Equal(t, firstRate, d)
	}

	totals, err := f.ledger.Totals(ctx, lic.Key, usage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestHourlyBoundary(t *testing.T) {
	tests := []struct {
		feature string
		cap     int64
		reason  string
	}{
		{tier.FeatureEmailGeneration, 10, "Hourly email limit reached (10)"},
		{tier.FeatureLeadCollection, 20, "Hourly API limit reached (20)"},
	}

	for _, tc := range tests {
		t.Run(tc.feature, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			lic := f.mint(t, tier.Free)

			require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tc.feature, tc.cap-1, nil))
			d, err := f.engine.CheckRateLimits(ctx, lic.Key, tc.feature)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, "Within limits", d.Reason)

			require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tc.feature, 1, nil))
			d, err = f.engine.CheckRateLimits(ctx, lic.Key, tc.feature)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)

			// The hourly window slides past the events.
			f.clock.Advance(time.Hour + time.Second)
			d, err = f.engine.CheckRateLimits(ctx, lic.Key, tc.feature)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestRateLimitsArePerFeature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Free)

	require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tier.FeatureLeadCollection, 20, nil))

	d, err := f.engine.CheckRateLimits(ctx, lic.Key, tier.FeaturePlaywright)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimitsShortCircuitOnValidation(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.CheckRateLimits(context.Background(), "", tier.FeatureEmailGeneration)
	require.NoError(t, err)
	assert.Equal(t, deny(StageValidate, ReasonNoKey), d)
}

func TestRecordFeatureUsageZeroCountIsOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Pro)

	require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tier.FeatureSnovIO, 0, map[string]string{"source": "test"}))
	n, err := f.ledger.WindowedTotal(ctx, lic.Key, tier.FeatureSnovIO, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRequireTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := f.mint(t, tier.Free)
	ent := f.mint(t, tier.Enterprise)

	d, err := f.engine.RequireTier(ctx, free.Key, tier.Pro)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Requires pro tier or higher (current: free)", d.Reason)
	assert.Equal(t, StageTier, d.Stage)

	d, err = f.engine.RequireTier(ctx, ent.Key, tier.Pro)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonTierOK, d.Reason)
}

func TestStorageFaultsAreErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	e := New(&faultyStore{Store: license.NewMemoryStore(), err: boom}, usage.NewMemoryLedger())
	ctx := context.Background()

	_, err := e.Validate(ctx, "OUTREACH-0000-0000-0000-0000")
	assert.ErrorIs(t, err, boom)
	_, err = e.CheckFeatureAccess(ctx, "OUTREACH-0000-0000-0000-0000", tier.FeaturePlaywright)
	assert.ErrorIs(t, err, boom)
	_, err = e.CheckRateLimits(ctx, "OUTREACH-0000-0000-0000-0000", tier.FeaturePlaywright)
	assert.ErrorIs(t, err, boom)

	// An empty key never reaches the store.
	v, err := e.Validate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoKey, v.Reason)
}

func TestLedgerFaultsAreErrors(t *testing.T) {
	boom := errors.New("ledger down")
	store := license.NewMemoryStore()
	clock := newTestClock()
	e := New(store, &faultyLedger{Ledger: usage.NewMemoryLedger(), err: boom}, WithClock(clock.Now))
	ctx := context.Background()

	lic, err := e.Mint(ctx, MintRequest{Owner: "ann@example.com", Tier: tier.Pro})
	require.NoError(t, err)

	_, err = e.CheckRateLimits(ctx, lic.Key, tier.FeatureAIResearch)
	assert.ErrorIs(t, err, boom)
	err = e.RecordFeatureUsage(ctx, lic.Key, tier.FeatureAIResearch, 1, nil)
	assert.ErrorIs(t, err, boom)
	_, err = e.Consume(ctx, lic.Key, tier.FeatureAIResearch, 1, nil)
	assert.ErrorIs(t, err, boom)
	_, err = e.Status(ctx, lic.Key)
	assert.ErrorIs(t, err, boom)
}

func TestUnknownStoredTierIsAFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Pro)

	stored, err := f.store.Get(ctx, lic.Key)
	require.NoError(t, err)
	stored.Tier = "platinum"
	e := New(&staticStore{Store: f.store, lic: stored}, f.ledger, WithClock(f.clock.Now))

	_, err = e.Validate(ctx, lic.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tier")
}

type staticStore struct {
	license.Store
	lic *license.License
}

func (s *staticStore) Get(context.Context, string) (*license.License, error) {
	return s.lic.Clone(), nil
}

func TestMintDefaults(t *testing.T) {
	f := newFixture(t)
	lic, err := f.engine.Mint(context.Background(), MintRequest{
		Owner:       "  Ann@Example.com ",
		Tier:        tier.Pro,
		CustomerRef: "cus_1",
		BillingRef:  "sub_1",
		Metadata:    map[string]string{"note": "vip"},
	})
	require.NoError(t, err)

	assert.True(t, license.ValidKeyFormat(lic.Key))
	assert.Equal(t, "ann@example.com", lic.Owner)
	assert.True(t, lic.Active)
	assert.Equal(t, "admin", lic.Metadata[license.MetaCreatedVia])
	assert.Equal(t, "vip", lic.Metadata["note"])
	require.NotNil(t, lic.ExpiresAt)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), *lic.ExpiresAt)

	stored, err := f.store.Get(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", stored.BillingRef)
}

func TestMintRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Mint(ctx, MintRequest{Owner: " ", Tier: tier.Pro})
	assert.ErrorIs(t, err, ErrMissingOwner)

	_, err = f.engine.Mint(ctx, MintRequest{Owner: "ann@example.com", Tier: "gold"})
	assert.ErrorIs(t, err, tier.ErrUnknownTier)
}

func TestMintRetriesCollisions(t *testing.T) {
	keys := []string{
		"OUTREACH-AAAA-AAAA-AAAA-AAAA",
		"OUTREACH-AAAA-AAAA-AAAA-AAAA",
		"OUTREACH-BBBB-BBBB-BBBB-BBBB",
	}
	var calls atomic.Int32
	gen := func() (string, error) {
		i := calls.Add(1) - 1
		return keys[i], nil
	}
	f := newFixture(t, WithKeyGenerator(gen))

	first := f.mint(t, tier.Free)
	second := f.mint(t, tier.Free)
	assert.Equal(t, keys[0], first.Key)
	assert.Equal(t, keys[2], second.Key)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMintExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	gen := func() (string, error) {
		calls.Add(1)
		return "OUTREACH-CCCC-CCCC-CCCC-CCCC", nil
	}
	f := newFixture(t, WithKeyGenerator(gen), WithMaxKeyAttempts(3))
	f.mint(t, tier.Free)
	calls.Store(0)

	_, err := f.engine.Mint(context.Background(), MintRequest{Owner: "bob@example.com", Tier: tier.Pro})
	assert.ErrorIs(t, err, ErrKeyExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMintGeneratorFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("no entropy")
	gen := func() (string, error) {
		calls.Add(1)
		return "", boom
	}
	f := newFixture(t, WithKeyGenerator(gen))

	_, err := f.engine.Mint(context.Background(), MintRequest{Owner: "ann@example.com", Tier: tier.Pro})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeactivateReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Pro)

	require.NoError(t, f.engine.Deactivate(ctx, lic.Key))
	require.NoError(t, f.engine.Deactivate(ctx, lic.Key))
	require.NoError(t, f.engine.Reactivate(ctx, lic.Key))

	v, err := f.engine.Validate(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, v.OK)

	assert.ErrorIs(t, f.engine.Deactivate(ctx, "OUTREACH-0000-0000-0000-0000"), license.ErrNotFound)
}

func TestBillingRefTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.engine.Mint(ctx, MintRequest{Owner: "ann@example.com", Tier: tier.Pro, BillingRef: "sub_9"})
		require.NoError(t, err)
	}
	other := f.mint(t, tier.Pro)

	n, err := f.engine.DeactivateByBillingRef(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.DeactivateByBillingRef(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := f.engine.Validate(ctx, other.Key)
	require.NoError(t, err)
	assert.True(t, v.OK)

	n, err = f.engine.ReactivateByBillingRef(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.DeactivateByBillingRef(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsume(t *testing.T) {
	for name, wrap := range map[string]func(*usage.MemoryLedger) usage.Ledger{
		"reserver": func(l *usage.MemoryLedger) usage.Ledger { return l },
		"locked":   func(l *usage.MemoryLedger) usage.Ledger { return plainLedger{l} },
	} {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			store := license.NewMemoryStore()
			ledger := usage.NewMemoryLedger()
			e := New(store, wrap(ledger), WithClock(clock.Now))
			ctx := context.Background()

			lic, err := e.Mint(ctx, MintRequest{Owner: "ann@example.com", Tier: tier.Free})
			require.NoError(t, err)

			var wg sync.WaitGroup
			var allowed atomic.Int32
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := e.Consume(ctx, lic.Key, tier.FeatureEmailGeneration, 1, nil)
					if err == nil && d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(10), allowed.Load())
			n, err := ledger.WindowedTotal(ctx, lic.Key, tier.FeatureEmailGeneration, time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, int64(10), n)

			d, err := e.Consume(ctx, lic.Key, tier.FeatureEmailGeneration, 1, nil)
			require.NoError(t, err)
			assert.Equal(t, "Hourly email limit reached (10)", d.Reason)
		})
	}
}

func TestConsumeMultiUnitRespectsCap(t *testing.T) {
	for name, wrap := range map[string]func(*usage.MemoryLedger) usage.Ledger{
		"reserver": func(l *usage.MemoryLedger) usage.Ledger { return l },
		"locked":   func(l *usage.MemoryLedger) usage.Ledger { return plainLedger{l} },
	} {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			ledger := usage.NewMemoryLedger()
			e := New(license.NewMemoryStore(), wrap(ledger), WithClock(clock.Now))
			ctx := context.Background()

			lic, err := e.Mint(ctx, MintRequest{Owner: "ann@example.com", Tier: tier.Free})
			require.NoError(t, err)
			require.NoError(t, e.RecordFeatureUsage(ctx, lic.Key, tier.FeatureEmailGeneration, 9, nil))

			d, err := e.Consume(ctx, lic.Key, tier.FeatureEmailGeneration, 50, nil)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, StageRate, d.Stage)

			d, err = e.Consume(ctx, lic.Key, tier.FeatureEmailGeneration, 1, nil)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			n, err := ledger.WindowedTotal(ctx, lic.Key, tier.FeatureEmailGeneration, time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, int64(10), n)
		})
	}
}

func TestConsumeChecksFlaggedFeatures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Free)

	d, err := f.engine.Consume(ctx, lic.Key, tier.FeatureSerpAPI, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StageFeature, d.Stage)

	d, err = f.engine.Consume(ctx, "", tier.FeaturePlaywright, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, StageValidate, d.Stage)

	totals, err := f.ledger.Totals(ctx, lic.Key, usage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lic := f.mint(t, tier.Pro)

	require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tier.FeatureEmailGeneration, 3, nil))
	require.NoError(t, f.engine.RecordFeatureUsage(ctx, lic.Key, tier.FeatureAIResearch, 2, nil))

	st, err := f.engine.Status(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, st.OK)
	require.NotNil(t, st.Limits)
	assert.Equal(t, int64(1000), st.Limits.MonthlyEmails)
	assert.Equal(t, map[string]int64{tier.FeatureEmailGeneration: 3, tier.FeatureAIResearch: 2}, st.Usage)
	assert.Equal(t, f.clock.Now().Add(-30*24*time.Hour), st.UsageSince)

	st, err = f.engine.Status(ctx, "OUTREACH-0000-0000-0000-0000")
	require.NoError(t, err)
	assert.False(t, st.OK)
	assert.Nil(t, st.Limits)
}

func TestListByOwnerPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.mint(t, tier.Free)
		f.clock.Advance(time.Minute)
	}

	page, next, err := f.engine.ListByOwner(ctx, "ANN@example.com", 2, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)

	seen := map[string]bool{}
	for _, l := range page {
		seen[l.Key] = true
	}
	for next != "" {
		page, next, err = f.engine.ListByOwner(ctx, "ann@example.com", 2, next)
		require.NoError(t, err)
		for _, l := range page {
			assert.False(t, seen[l.Key])
			seen[l.Key] = true
		}
	}
	assert.Len(t, seen, 5)

	_, _, err = f.engine.ListByOwner(ctx, "ann@example.com", 2, "!!")
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

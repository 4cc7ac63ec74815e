package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_CatalogueIsComplete(t *testing.T) {
	require.NoError(t, Validate())
}

func TestLimitsFor_SameFlagShapeAcrossTiers(t *testing.T) {
	for _, tr := range All() {
		l := LimitsFor(tr)
		assert.Equal(t, tr, l.Tier)
		assert.Len(t, l.Flags, len(Features), "tier %s", tr)
		for _, f := range Features {
			_, known := l.Flag(f)
			assert.True(t, known, "tier %s missing %s", tr, f)
		}
	}
}

func TestLimitsFor_Values(t *testing.T) {
	free := LimitsFor(Free)
	assert.Equal(t, int64(50), free.MonthlyEmails)
	assert.Equal(t, int64(100), free.MonthlyAPICalls)
	assert.Equal(t, int64(10), free.EmailsPerHour)
	assert.Equal(t, int64(20), free.APICallsPerHour)
	assert.Equal(t, 1, free.TeamSeats)
	assert.False(t, free.Flags[FeatureAIResearch])
	assert.True(t, free.Flags[FeaturePlaywright])
	assert.True(t, free.Flags[FeatureLeadCollection])

	pro := LimitsFor(Pro)
	assert.Equal(t, int64(1000), pro.MonthlyEmails)
	assert.Equal(t, int64(500), pro.APICallsPerHour)
	assert.True(t, pro.Flags[FeatureAIResearch])
	assert.True(t, pro.PrioritySupport)

	ent := LimitsFor(Enterprise)
	assert.Equal(t, int64(50000), ent.MonthlyAPICalls)
	assert.Equal(t, 50, ent.TeamSeats)
}

func TestLimitsFor_UnknownTierPanics(t *testing.T) {
	assert.Panics(t, func() { LimitsFor(Tier("platinum")) })
}

func TestLimitsFor_ReturnsCopy(t *testing.T) {
	l := LimitsFor(Free)
	l.Flags[FeatureAIResearch] = true

	again := LimitsFor(Free)
	assert.False(t, again.Flags[FeatureAIResearch], "catalogue must not be mutable through a returned row")
}

func TestFlag_UnknownFeature(t *testing.T) {
	enabled, known := LimitsFor(Enterprise).Flag("teleport")
	assert.False(t, enabled)
	assert.False(t, known)
}

func TestClassFromFeature(t *testing.T) {
	assert.Equal(t, ClassEmails, ClassFromFeature(FeatureEmailGeneration))
	assert.Equal(t, ClassAPICalls, ClassFromFeature(FeatureAIResearch))
	assert.Equal(t, ClassAPICalls, ClassFromFeature("api_calls"))
	assert.Equal(t, ClassAPICalls, ClassFromFeature("anything_else"))
}

func TestCaps(t *testing.T) {
	l := LimitsFor(Pro)
	assert.Equal(t, int64(100), l.HourlyCap(ClassEmails))
	assert.Equal(t, int64(500), l.HourlyCap(ClassAPICalls))
	assert.Equal(t, int64(1000), l.MonthlyCap(ClassEmails))
	assert.Equal(t, int64(5000), l.MonthlyCap(ClassAPICalls))
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"free", Free, false},
		{"PRO", Pro, false},
		{" Enterprise ", Enterprise, false},
		{"gold", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownTier, "input %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAtLeast(t *testing.T) {
	assert.True(t, AtLeast(Pro, Free))
	assert.True(t, AtLeast(Pro, Pro))
	assert.False(t, AtLeast(Pro, Enterprise))
	assert.True(t, AtLeast(Enterprise, Pro))
	assert.False(t, AtLeast(Free, Pro))
	assert.False(t, AtLeast(Enterprise, Tier("platinum")))
	assert.False(t, AtLeast(Tier("platinum"), Free))
}

func TestPriceSheet(t *testing.T) {
	sheet := PriceSheet()
	require.Len(t, sheet, 3)
	assert.Equal(t, Free, sheet[0].Tier)
	assert.Equal(t, int64(4900), sheet[1].PriceCents)
	assert.Equal(t, int64(19900), sheet[2].PriceCents)

	assert.False(t, Paid(Free))
	assert.True(t, Paid(Pro))
	assert.True(t, Paid(Enterprise))
	assert.False(t, Paid(Tier("x")))
}

package matcher

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fluxmarket/orchestrator/client"
	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
)

func newTestEngine(t *testing.T, clk *clock.Mock, listings ...model.ProviderListing) (*Engine, *client.MockDirectory) {
	t.Helper()
	dir := client.NewMockDirectory(listings...)
	engine := NewEngine(dir, client.NewMockHostClient(), clk, promutil.With(prometheus.NewRegistry()))
	return engine, dir
}

func freshListing(clk *clock.Mock, key string, specs model.HardwareSpec) model.ProviderListing {
	return model.ProviderListing{
		PublicKey:       key,
		Host:            key + ".example:8080",
		Specs:           specs,
		Status:          model.ResourceIdle,
		ReputationScore: 5000,
		LastUpdated:     clk.Now().Unix(),
	}
}

func TestFindBestMatchFilters(t *testing.T) {
	clk := clock.NewMock()
	requirements := model.JobRequirements{
		RequiredVRAMGb:    16,
		MinComputeRating:  10000,
		MaxPricePerSecond: 2,
		TimeoutSeconds:    1800,
	}
	qualified := freshListing(clk, "ok", model.HardwareSpec{
		VRAMGb: 24, ComputeRating: 15000, PricePerHour: 5000,
	})

	testCases := []struct {
		name   string
		mutate func(l *model.ProviderListing)
	}{
		{"busy", func(l *model.ProviderListing) { l.Status = model.ResourceBusy }},
		{"offline", func(l *model.ProviderListing) { l.Status = model.ResourceOffline }},
		{"suspended", func(l *model.ProviderListing) { l.Status = model.ResourceSuspended }},
		{"low vram", func(l *model.ProviderListing) { l.Specs.VRAMGb = 8 }},
		{"low compute rating", func(l *model.ProviderListing) { l.Specs.ComputeRating = 9999 }},
		{"too expensive", func(l *model.ProviderListing) { l.Specs.PricePerHour = 3600 * 3 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			listing := qualified
			tc.mutate(&listing)
			engine, _ := newTestEngine(t, clk, listing)
			match, err := engine.FindBestMatch(context.Background(), requirements)
			require.NoError(t, err)
			require.Nil(t, match)
		})
	}
}

func TestFindBestMatchNoCapacityIsNotAnError(t *testing.T) {
	clk := clock.NewMock()
	engine, _ := newTestEngine(t, clk)
	match, err := engine.FindBestMatch(context.Background(), model.JobRequirements{
		RequiredVRAMGb: 1, MinComputeRating: 1, MaxPricePerSecond: 1,
	})
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestFindBestMatchPriceBoundaryTruncates(t *testing.T) {
	clk := clock.NewMock()
	// 7199 per hour truncates to 1 per second and stays within a budget of 1.
	listing := freshListing(clk, "cheap", model.HardwareSpec{
		VRAMGb: 16, ComputeRating: 10000, PricePerHour: 7199,
	})
	engine, _ := newTestEngine(t, clk, listing)
	match, err := engine.FindBestMatch(context.Background(), model.JobRequirements{
		RequiredVRAMGb: 16, MinComputeRating: 10000, MaxPricePerSecond: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, "cheap", match.PublicKey)
}

func TestFindBestMatchPrefersBetterCandidate(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(3600 * 1e9)

	weaker := freshListing(clk, "weaker", model.HardwareSpec{
		VRAMGb: 16, ComputeRating: 10000, PricePerHour: 7200,
	})
	stronger := freshListing(clk, "stronger", model.HardwareSpec{
		VRAMGb: 32, ComputeRating: 20000, PricePerHour: 3600,
	})
	engine, _ := newTestEngine(t, clk, weaker, stronger)

	match, err := engine.FindBestMatch(context.Background(), model.JobRequirements{
		RequiredVRAMGb: 16, MinComputeRating: 10000, MaxPricePerSecond: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, "stronger", match.PublicKey)
}

func TestFindBestMatchTieBreakFirstSeen(t *testing.T) {
	clk := clock.NewMock()
	specs := model.HardwareSpec{VRAMGb: 16, ComputeRating: 10000, PricePerHour: 3600}
	first := freshListing(clk, "first", specs)
	second := freshListing(clk, "second", specs)
	engine, dir := newTestEngine(t, clk, first, second)

	requirements := model.JobRequirements{
		RequiredVRAMGb: 16, MinComputeRating: 10000, MaxPricePerSecond: 2,
	}
	for i := 0; i < 10; i++ {
		match, err := engine.FindBestMatch(context.Background(), requirements)
		require.NoError(t, err)
		require.Equal(t, "first", match.PublicKey)
	}

	// Directory order decides the winner, not the listing contents.
	dir.SetListings(second, first)
	match, err := engine.FindBestMatch(context.Background(), requirements)
	require.NoError(t, err)
	require.Equal(t, "second", match.PublicKey)
}

func drawListing(t *rapid.T, clk *clock.Mock, key string) model.ProviderListing {
	return model.ProviderListing{
		PublicKey: key,
		Host:      key + ".example:8080",
		Specs: model.HardwareSpec{
			VRAMGb:        rapid.IntRange(0, 128).Draw(t, key+"-vram"),
			ComputeRating: rapid.IntRange(0, 50000).Draw(t, key+"-rating"),
			PricePerHour:  int64(rapid.IntRange(0, 100000).Draw(t, key+"-price")),
		},
		Status:          model.ResourceStatus(rapid.IntRange(0, 3).Draw(t, key+"-status")),
		ReputationScore: rapid.IntRange(0, model.MaxReputationScore).Draw(t, key+"-rep"),
		LastUpdated:     clk.Now().Unix() - int64(rapid.IntRange(0, 600).Draw(t, key+"-age")),
	}
}

// A returned match always satisfies every hard constraint, whatever the
// provider pool looks like.
func TestFindBestMatchNeverViolatesConstraints(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(24 * 3600 * 1e9)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "n")
		listings := make([]model.ProviderListing, n)
		for i := range listings {
			listings[i] = drawListing(rt, clk, rapid.StringMatching(`p[0-9]{4}`).Draw(rt, "key"))
		}
		requirements := model.JobRequirements{
			RequiredVRAMGb:    rapid.IntRange(1, 64).Draw(rt, "req-vram"),
			MinComputeRating:  rapid.IntRange(1, 40000).Draw(rt, "req-rating"),
			MaxPricePerSecond: int64(rapid.IntRange(1, 30).Draw(rt, "req-price")),
		}

		dir := client.NewMockDirectory(listings...)
		engine := NewEngine(dir, client.NewMockHostClient(), clk, promutil.With(prometheus.NewRegistry()))

		match, err := engine.FindBestMatch(context.Background(), requirements)
		require.NoError(rt, err)
		if match == nil {
			return
		}
		require.Equal(rt, model.ResourceIdle, match.Status)
		require.GreaterOrEqual(rt, match.Specs.VRAMGb, requirements.RequiredVRAMGb)
		require.GreaterOrEqual(rt, match.Specs.ComputeRating, requirements.MinComputeRating)
		require.LessOrEqual(rt, match.Specs.PricePerSecond(), requirements.MaxPricePerSecond)
	})
}

// Improving a candidate on any single axis never lowers its score, and
// raising its price never raises the price component.
func TestMatchScoreMonotonicity(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(24 * 3600 * 1e9)
	engine, _ := newTestEngine(t, clk)

	rapid.Check(t, func(rt *rapid.T) {
		base := drawListing(rt, clk, "base")
		base.Status = model.ResourceIdle
		requirements := model.JobRequirements{
			RequiredVRAMGb:    rapid.IntRange(1, 64).Draw(rt, "req-vram"),
			MinComputeRating:  rapid.IntRange(1, 40000).Draw(rt, "req-rating"),
			MaxPricePerSecond: int64(rapid.IntRange(1, 30).Draw(rt, "req-price")),
		}
		baseScore := engine.matchScore(&base, requirements)

		moreVRAM := base
		moreVRAM.Specs.VRAMGb += rapid.IntRange(1, 64).Draw(rt, "extra-vram")
		require.GreaterOrEqual(rt, engine.matchScore(&moreVRAM, requirements), baseScore)

		moreCompute := base
		moreCompute.Specs.ComputeRating += rapid.IntRange(1, 10000).Draw(rt, "extra-rating")
		require.GreaterOrEqual(rt, engine.matchScore(&moreCompute, requirements), baseScore)

		moreReputation := base
		moreReputation.ReputationScore = min(
			model.MaxReputationScore,
			base.ReputationScore+rapid.IntRange(1, 1000).Draw(rt, "extra-rep"))
		require.GreaterOrEqual(rt, engine.matchScore(&moreReputation, requirements), baseScore)

		pricier := base
		pricier.Specs.PricePerHour += int64(rapid.IntRange(3600, 360000).Draw(rt, "extra-price"))
		baseFree := withoutPrice(base)
		pricierFree := withoutPrice(pricier)
		basePriceTerm := baseScore - engine.matchScore(&baseFree, requirements)
		pricierPriceTerm := engine.matchScore(&pricier, requirements) -
			engine.matchScore(&pricierFree, requirements)
		require.LessOrEqual(rt, pricierPriceTerm, basePriceTerm+1e-9)
	})
}

// withoutPrice zeroes everything but the price so subtracting scores
// isolates the price component.
func withoutPrice(l model.ProviderListing) model.ProviderListing {
	l.Specs.PricePerHour = 0
	return l
}

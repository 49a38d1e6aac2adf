// Package matcher implements the matching engine: it filters and scores the
// current provider set against a job's requirements and picks the single
// best candidate.
package matcher

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/client"
	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
)

// Score component caps. The four components add up to at most 100.
const (
	capabilityScoreCap = 40.0
	priceScoreCap      = 20.0
	reputationScoreCap = 30.0
	freshnessScoreCap  = 10.0

	// A provider loses one point of freshness credit per this many seconds
	// of heartbeat staleness.
	freshnessDecaySeconds = 6.0
)

// Engine finds the best provider for a job and hands accepted jobs to the
// host execution channel. FindBestMatch is a pure read+compute operation
// with no side effects.
type Engine struct {
	directory client.ProviderDirectory
	hosts     client.HostClient
	clk       clock.Clock

	matchOutcomes *prometheus.CounterVec
}

func NewEngine(
	directory client.ProviderDirectory,
	hosts client.HostClient,
	clk clock.Clock,
	metricFactory *promutil.Factory,
) *Engine {
	return &Engine{
		directory: directory,
		hosts:     hosts,
		clk:       clk,
		matchOutcomes: metricFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "matcher",
			Name:      "match_outcomes_total",
			Help:      "Count of matching attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// FindBestMatch returns the highest-scoring idle provider satisfying all
// hard constraints, or nil when no provider qualifies. An empty result is a
// normal "no capacity" outcome, not an error; the only error cause is the
// provider directory itself failing.
func (e *Engine) FindBestMatch(
	ctx context.Context, requirements model.JobRequirements,
) (*model.ProviderListing, error) {
	listings, err := e.directory.ListProviders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var (
		best      *model.ProviderListing
		bestScore float64
	)
	candidates := 0
	for i := range listings {
		listing := &listings[i]
		if !e.qualifies(listing, requirements) {
			continue
		}
		candidates++
		score := e.matchScore(listing, requirements)
		// Strictly-greater comparison keeps the tie-break deterministic:
		// the first candidate in directory order wins.
		if best == nil || score > bestScore {
			best = listing
			bestScore = score
		}
	}

	if best == nil {
		e.matchOutcomes.WithLabelValues("no_match").Inc()
		log.L().Info("no matching provider available",
			zap.Int("listings", len(listings)),
			zap.Int("candidates", candidates))
		return nil, nil
	}

	e.matchOutcomes.WithLabelValues("matched").Inc()
	log.L().Info("provider matched",
		zap.String("provider", best.PublicKey),
		zap.String("host", best.Host),
		zap.Float64("score", bestScore),
		zap.Int("candidates", candidates))
	return best.Clone(), nil
}

// DispatchJobToHost hands the payload to the provider's execution channel.
// A false result means the host rejected the job or was unreachable; the
// caller marks the job failed and may retry matching from scratch.
func (e *Engine) DispatchJobToHost(
	ctx context.Context, provider *model.ProviderListing, payload model.JobPayload,
) (bool, error) {
	log.L().Info("dispatching job to host",
		zap.String("job-id", payload.JobID),
		zap.String("host", provider.Host),
		zap.String("image", payload.ImageURL))
	accepted, err := e.hosts.DispatchJob(ctx, provider.Host, payload)
	if err != nil {
		return false, errors.Trace(err)
	}
	return accepted, nil
}

func (e *Engine) qualifies(listing *model.ProviderListing, requirements model.JobRequirements) bool {
	if listing.Status != model.ResourceIdle {
		return false
	}
	if listing.Specs.VRAMGb < requirements.RequiredVRAMGb {
		return false
	}
	if listing.Specs.ComputeRating < requirements.MinComputeRating {
		return false
	}
	if listing.Specs.PricePerSecond() > requirements.MaxPricePerSecond {
		return false
	}
	return true
}

// matchScore computes the additive match score. Each component is capped
// independently: capability rewards over-provisioning up to 2x the
// requirement, price rewards headroom under the budget, reputation maps the
// 0-10000 score onto 30 points and freshness decays with heartbeat age.
func (e *Engine) matchScore(listing *model.ProviderListing, requirements model.JobRequirements) float64 {
	score := 0.0

	vramScore := min(float64(listing.Specs.VRAMGb)/float64(requirements.RequiredVRAMGb)*20, 20)
	computeScore := min(float64(listing.Specs.ComputeRating)/float64(requirements.MinComputeRating)*20, 20)
	score += vramScore + computeScore

	priceRatio := float64(listing.Specs.PricePerSecond()) / float64(requirements.MaxPricePerSecond)
	score += max(priceScoreCap*(1-priceRatio), 0)

	score += float64(listing.ReputationScore) / model.MaxReputationScore * reputationScoreCap

	secondsSinceUpdate := float64(e.clk.Now().Unix() - listing.LastUpdated)
	score += max(freshnessScoreCap-secondsSinceUpdate/freshnessDecaySeconds, 0)

	return score
}

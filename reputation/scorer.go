// Package reputation maintains bounded reputation scores per provider,
// updated from job outcomes and benchmark oracle readings.
package reputation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
)

// Score change parameters. A successful job earns the base bonus plus a
// duration bonus that shrinks by one point per minute of runtime; a failed
// job costs a flat penalty.
const (
	successBaseBonus    = 50.0
	durationBonusCeil   = 100.0
	failurePenalty      = 100.0
	oracleSwingPerUnit  = 100.0
	benchmarkScoreScale = float64(model.MaxReputationScore)
)

// Scorer computes bounded score updates and persists them through a
// ScoreStore. Every call produces an audit record, even when the numeric
// change is zero.
type Scorer struct {
	store ScoreStore
	feed  BenchmarkFeed
	clk   clock.Clock

	// locks serializes the read-modify-write cycle per resource so
	// concurrent batch updates touching the same resource never lose
	// updates.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	updateCount *prometheus.CounterVec
}

func NewScorer(
	store ScoreStore, feed BenchmarkFeed, clk clock.Clock, metricFactory *promutil.Factory,
) *Scorer {
	return &Scorer{
		store: store,
		feed:  feed,
		clk:   clk,
		locks: make(map[string]*sync.Mutex),
		updateCount: metricFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flux",
			Subsystem: "reputation",
			Name:      "score_updates_total",
			Help:      "Count of persisted reputation updates by kind.",
		}, []string{"kind"}),
	}
}

// UpdateScore applies a job outcome to the provider's reputation score and
// returns the persisted audit record.
func (s *Scorer) UpdateScore(ctx context.Context, outcome model.JobOutcome) (model.ReputationUpdate, error) {
	var (
		change float64
		reason string
		kind   string
	)
	if outcome.Success {
		durationBonus := math.Max(0, durationBonusCeil-outcome.DurationSeconds/60)
		change = successBaseBonus + durationBonus
		if outcome.OracleData != nil {
			change *= float64(outcome.OracleData.BenchmarkScore) / benchmarkScoreScale
		}
		reason = fmt.Sprintf("job %s completed successfully", outcome.JobID)
		kind = "success"
	} else {
		change = -failurePenalty
		reason = fmt.Sprintf("job %s failed", outcome.JobID)
		kind = "failure"
	}

	update, err := s.apply(ctx, outcome.ResourceID, outcome.Host, change, reason, kind)
	if err != nil {
		return model.ReputationUpdate{}, errors.Trace(err)
	}
	return update, nil
}

// UpdateScoreFromOracle recalibrates a provider's score from a benchmark
// reading alone, independent of any job outcome. Used by periodic
// recalibration sweeps.
func (s *Scorer) UpdateScoreFromOracle(
	ctx context.Context, resourceID, hardwareModel string,
) (model.ReputationUpdate, error) {
	oracleData, err := s.feed.FetchBenchmark(ctx, hardwareModel)
	if err != nil {
		// Feeds fall back internally; an error here means the context died.
		return model.ReputationUpdate{}, errors.Trace(err)
	}

	change := (float64(oracleData.BenchmarkScore)/benchmarkScoreScale - 1) * oracleSwingPerUnit
	reason := fmt.Sprintf("oracle benchmark update for %s", hardwareModel)

	update, err := s.apply(ctx, resourceID, "oracle_update", change, reason, "oracle")
	if err != nil {
		return model.ReputationUpdate{}, errors.Trace(err)
	}
	return update, nil
}

// BatchUpdate applies UpdateScore to each outcome concurrently. One
// outcome's failure does not block or invalidate the others; failed
// outcomes are logged and omitted from the result.
func (s *Scorer) BatchUpdate(ctx context.Context, outcomes []model.JobOutcome) []model.ReputationUpdate {
	results := make([]*model.ReputationUpdate, len(outcomes))

	var g errgroup.Group
	for i := range outcomes {
		i := i
		g.Go(func() error {
			update, err := s.UpdateScore(ctx, outcomes[i])
			if err != nil {
				log.L().Warn("batch score update failed",
					zap.String("job-id", outcomes[i].JobID),
					zap.String("resource", outcomes[i].ResourceID),
					zap.Error(err))
				return nil
			}
			results[i] = &update
			return nil
		})
	}
	// Goroutines above never return an error; failures are per-outcome.
	_ = g.Wait()

	updates := make([]model.ReputationUpdate, 0, len(outcomes))
	for _, update := range results {
		if update != nil {
			updates = append(updates, *update)
		}
	}
	return updates
}

// apply performs the clamped read-modify-write under the per-resource lock
// and persists the audit record.
func (s *Scorer) apply(
	ctx context.Context, resourceID, host string, change float64, reason, kind string,
) (model.ReputationUpdate, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	oldScore, err := s.store.GetScore(ctx, resourceID)
	if err != nil {
		return model.ReputationUpdate{}, errors.Trace(err)
	}

	newScore := clampScore(int(math.Round(float64(oldScore) + change)))
	update := model.ReputationUpdate{
		ResourceID: resourceID,
		Host:       host,
		OldScore:   oldScore,
		NewScore:   newScore,
		Reason:     reason,
		Timestamp:  s.clk.Now(),
	}
	if err := s.store.PutUpdate(ctx, update); err != nil {
		return model.ReputationUpdate{}, errors.Trace(err)
	}

	s.updateCount.WithLabelValues(kind).Inc()
	log.L().Info("reputation score updated",
		zap.String("resource", resourceID),
		zap.Int("old", oldScore),
		zap.Int("new", newScore),
		zap.String("reason", reason))
	return update, nil
}

func (s *Scorer) resourceLock(resourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[resourceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[resourceID] = lock
	}
	return lock
}

func clampScore(score int) int {
	if score < model.MinReputationScore {
		return model.MinReputationScore
	}
	if score > model.MaxReputationScore {
		return model.MaxReputationScore
	}
	return score
}

package reputation

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
)

func newTestScorer(t *testing.T) (*Scorer, *MemoryScoreStore) {
	t.Helper()
	clk := clock.NewMock()
	store := NewMemoryScoreStore()
	scorer := NewScorer(store, NewStaticFeed(clk), clk, promutil.With(prometheus.NewRegistry()))
	return scorer, store
}

func TestUpdateScoreSuccess(t *testing.T) {
	scorer, store := newTestScorer(t)

	// 1800 s duration: 50 + max(0, 100-30) = 120 on top of the default 1000.
	update, err := scorer.UpdateScore(context.Background(), model.JobOutcome{
		JobID:           "JOB-1",
		Host:            "hosta.flux.example:8080",
		ResourceID:      "res-1",
		Success:         true,
		DurationSeconds: 1800,
	})
	require.NoError(t, err)
	require.Equal(t, 1000, update.OldScore)
	require.Equal(t, 1120, update.NewScore)
	require.Contains(t, update.Reason, "JOB-1")

	score, err := store.GetScore(context.Background(), "res-1")
	require.NoError(t, err)
	require.Equal(t, 1120, score)
	require.Len(t, store.Updates(), 1)
}

func TestUpdateScoreSuccessWithOracleData(t *testing.T) {
	scorer, _ := newTestScorer(t)

	// change = 120 * 8500/10000 = 102.
	update, err := scorer.UpdateScore(context.Background(), model.JobOutcome{
		JobID:           "JOB-2",
		ResourceID:      "res-2",
		Success:         true,
		DurationSeconds: 1800,
		OracleData:      &model.OracleData{BenchmarkScore: 8500},
	})
	require.NoError(t, err)
	require.Equal(t, 1102, update.NewScore)
}

func TestUpdateScoreFailure(t *testing.T) {
	scorer, _ := newTestScorer(t)

	update, err := scorer.UpdateScore(context.Background(), model.JobOutcome{
		JobID:      "JOB-3",
		ResourceID: "res-3",
		Success:    false,
		// Failure penalty is flat; oracle data must be ignored.
		OracleData: &model.OracleData{BenchmarkScore: 20000},
	})
	require.NoError(t, err)
	require.Equal(t, 900, update.NewScore)
	require.Contains(t, update.Reason, "failed")
}

func TestUpdateScoreClampsAtFloor(t *testing.T) {
	scorer, store := newTestScorer(t)

	for i := 0; i < 15; i++ {
		_, err := scorer.UpdateScore(context.Background(), model.JobOutcome{
			JobID:      "JOB-4",
			ResourceID: "res-4",
			Success:    false,
		})
		require.NoError(t, err)
	}
	score, err := store.GetScore(context.Background(), "res-4")
	require.NoError(t, err)
	require.Equal(t, model.MinReputationScore, score)
}

func TestUpdateScoreFromOracle(t *testing.T) {
	scorer, store := newTestScorer(t)

	// RTX 4090 fallback benchmark is 15000: change = (1.5-1)*100 = +50.
	update, err := scorer.UpdateScoreFromOracle(context.Background(), "res-5", "RTX 4090")
	require.NoError(t, err)
	require.Equal(t, 1050, update.NewScore)
	require.Equal(t, "oracle_update", update.Host)

	// Unknown model falls back to 5000: change = (0.5-1)*100 = -50.
	update, err = scorer.UpdateScoreFromOracle(context.Background(), "res-5", "GTX 280")
	require.NoError(t, err)
	require.Equal(t, 1000, update.NewScore)

	require.Len(t, store.Updates(), 2)
}

func TestZeroChangeStillPersistsAuditRecord(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryScoreStore()
	scorer := NewScorer(store, &fixedFeed{score: 10000, clk: clk}, clk, promutil.With(prometheus.NewRegistry()))

	// benchmark 10000 means change = (1-1)*100 = 0.
	update, err := scorer.UpdateScoreFromOracle(context.Background(), "res-6", "anything")
	require.NoError(t, err)
	require.Equal(t, update.OldScore, update.NewScore)
	require.Len(t, store.Updates(), 1)
}

func TestScoreAlwaysBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clk := clock.NewMock()
		store := NewMemoryScoreStore()
		scorer := NewScorer(store, NewStaticFeed(clk), clk, promutil.With(prometheus.NewRegistry()))

		outcome := model.JobOutcome{
			JobID:           "JOB-prop",
			ResourceID:      "res-prop",
			Success:         rapid.Bool().Draw(rt, "success"),
			DurationSeconds: float64(rapid.IntRange(-3600, 7*24*3600).Draw(rt, "duration")),
		}
		if rapid.Bool().Draw(rt, "with-oracle") {
			outcome.OracleData = &model.OracleData{
				BenchmarkScore: rapid.IntRange(0, 20000).Draw(rt, "bench"),
			}
		}

		n := rapid.IntRange(1, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			update, err := scorer.UpdateScore(context.Background(), outcome)
			require.NoError(rt, err)
			require.GreaterOrEqual(rt, update.NewScore, model.MinReputationScore)
			require.LessOrEqual(rt, update.NewScore, model.MaxReputationScore)
		}
	})
}

func TestBatchUpdateConcurrentSameResource(t *testing.T) {
	scorer, store := newTestScorer(t)

	outcomes := make([]model.JobOutcome, 5)
	for i := range outcomes {
		outcomes[i] = model.JobOutcome{JobID: "JOB-batch", ResourceID: "res-7", Success: false}
	}
	updates := scorer.BatchUpdate(context.Background(), outcomes)
	require.Len(t, updates, 5)

	// Per-resource serialization means no lost updates: 1000 - 5*100.
	score, err := store.GetScore(context.Background(), "res-7")
	require.NoError(t, err)
	require.Equal(t, 500, score)

	// The audit chain is consistent: each old score is the previous new one.
	recorded := store.Updates()
	for i := 1; i < len(recorded); i++ {
		require.Equal(t, recorded[i-1].NewScore, recorded[i].OldScore)
	}
}

func TestBatchUpdateIsolatesFailures(t *testing.T) {
	clk := clock.NewMock()
	store := &flakyStore{inner: NewMemoryScoreStore(), failResource: "res-bad"}
	scorer := NewScorer(store, NewStaticFeed(clk), clk, promutil.With(prometheus.NewRegistry()))

	updates := scorer.BatchUpdate(context.Background(), []model.JobOutcome{
		{JobID: "JOB-a", ResourceID: "res-good", Success: false},
		{JobID: "JOB-b", ResourceID: "res-bad", Success: false},
		{JobID: "JOB-c", ResourceID: "res-good", Success: false},
	})
	require.Len(t, updates, 2)
	for _, update := range updates {
		require.Equal(t, "res-good", update.ResourceID)
	}
}

type fixedFeed struct {
	score int
	clk   clock.Clock
}

func (f *fixedFeed) FetchBenchmark(ctx context.Context, hardwareModel string) (model.OracleData, error) {
	return model.OracleData{BenchmarkScore: f.score, Timestamp: f.clk.Now(), Source: "fixed"}, nil
}

func (f *fixedFeed) FetchReferencePrice(ctx context.Context) (int64, error) {
	return 1, nil
}

type flakyStore struct {
	mu           sync.Mutex
	inner        *MemoryScoreStore
	failResource string
}

func (s *flakyStore) GetScore(ctx context.Context, resourceID string) (int, error) {
	return s.inner.GetScore(ctx, resourceID)
}

func (s *flakyStore) PutUpdate(ctx context.Context, update model.ReputationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.ResourceID == s.failResource {
		return errors.ErrLedger.GenWithStack("persistence rejected")
	}
	return s.inner.PutUpdate(ctx, update)
}

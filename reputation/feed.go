package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
)

// BenchmarkFeed supplies a benchmark score and reference price per hardware
// model. Implementations must degrade to a deterministic fallback when the
// upstream oracle is unreachable; FetchBenchmark therefore never fails.
type BenchmarkFeed interface {
	FetchBenchmark(ctx context.Context, hardwareModel string) (model.OracleData, error)

	// FetchReferencePrice returns the current spot reference price in the
	// smallest currency unit.
	FetchReferencePrice(ctx context.Context) (int64, error)
}

// Deterministic fallback values used when the oracle is unreachable.
var fallbackBenchmarks = map[string]int{
	"RTX 3080":   8500,
	"RTX 4090":   15000,
	"Tesla V100": 12000,
}

const (
	defaultBenchmarkScore    = 5000
	fallbackPricePerHour     = 5000
	fallbackReferencePrice   = 1
	defaultOracleHTTPTimeout = 5 * time.Second
)

// FallbackBenchmark returns the fixed per-model benchmark reading, with a
// default score for unknown models.
func FallbackBenchmark(clk clock.Clock, hardwareModel string) model.OracleData {
	score, ok := fallbackBenchmarks[hardwareModel]
	if !ok {
		score = defaultBenchmarkScore
	}
	return model.OracleData{
		BenchmarkScore:        score,
		ReferencePricePerHour: fallbackPricePerHour,
		Timestamp:             clk.Now(),
		Source:                "fallback",
	}
}

// StaticFeed serves the fallback table directly. Used in tests and by the
// demo binary.
type StaticFeed struct {
	clk clock.Clock
}

func NewStaticFeed(clk clock.Clock) *StaticFeed {
	return &StaticFeed{clk: clk}
}

func (f *StaticFeed) FetchBenchmark(ctx context.Context, hardwareModel string) (model.OracleData, error) {
	return FallbackBenchmark(f.clk, hardwareModel), nil
}

func (f *StaticFeed) FetchReferencePrice(ctx context.Context) (int64, error) {
	return fallbackReferencePrice, nil
}

// HTTPFeed queries an oracle endpoint over HTTP, rate-limited so periodic
// recalibration sweeps cannot hammer the upstream. Any failure degrades to
// the deterministic fallback.
type HTTPFeed struct {
	baseURL string
	apiKey  string
	cli     *http.Client
	limiter *rate.Limiter
	clk     clock.Clock
}

// HTTPFeedConfig configures an HTTPFeed. RatePerSecond caps upstream
// queries; zero means 1 query per second.
type HTTPFeedConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
}

func NewHTTPFeed(cfg HTTPFeedConfig, clk clock.Clock) *HTTPFeed {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOracleHTTPTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	return &HTTPFeed{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		cli:     &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		clk:     clk,
	}
}

type benchmarkResponse struct {
	Score        int   `json:"score"`
	PricePerHour int64 `json:"price_per_hour"`
}

func (f *HTTPFeed) FetchBenchmark(ctx context.Context, hardwareModel string) (model.OracleData, error) {
	resp, err := f.query(ctx, hardwareModel)
	if err != nil {
		log.L().Warn("benchmark oracle unreachable, using fallback",
			zap.String("model", hardwareModel),
			zap.Error(err))
		return FallbackBenchmark(f.clk, hardwareModel), nil
	}
	return model.OracleData{
		BenchmarkScore:        resp.Score,
		ReferencePricePerHour: resp.PricePerHour,
		Timestamp:             f.clk.Now(),
		Source:                "oracle",
	}, nil
}

func (f *HTTPFeed) FetchReferencePrice(ctx context.Context) (int64, error) {
	resp, err := f.query(ctx, "")
	if err != nil {
		log.L().Warn("reference price unavailable, using fallback", zap.Error(err))
		return fallbackReferencePrice, nil
	}
	return resp.PricePerHour, nil
}

func (f *HTTPFeed) query(ctx context.Context, hardwareModel string) (*benchmarkResponse, error) {
	if !f.limiter.Allow() {
		return nil, errors.ErrOracleUnavailable.GenWithStack("oracle query rate exceeded")
	}

	url := fmt.Sprintf("%s/api/price_feeds?model=%s", f.baseURL, hardwareModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	httpResp, err := f.cli.Do(req)
	if err != nil {
		return nil, errors.WrapError(errors.ErrOracleUnavailable, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.ErrOracleUnavailable.GenWithStack(
			"oracle returned status %d", httpResp.StatusCode)
	}

	var resp benchmarkResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.WrapError(errors.ErrOracleUnavailable, err)
	}
	return &resp, nil
}

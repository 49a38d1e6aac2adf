// flux-orchestrator runs the orchestration core against an in-memory
// provider directory: it submits a demo job, follows it through matching,
// escrow and dispatch, settles the reported result and prints the provider's
// reputation afterwards.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/client"
	"github.com/fluxmarket/orchestrator/config"
	"github.com/fluxmarket/orchestrator/controller"
	"github.com/fluxmarket/orchestrator/matcher"
	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
	"github.com/fluxmarket/orchestrator/queue"
	"github.com/fluxmarket/orchestrator/reputation"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		workerAddr string
	)

	cmd := &cobra.Command{
		Use:          "flux-orchestrator",
		Short:        "Compute marketplace orchestration core demo",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, workerAddr)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to the TOML config file")
	cmd.Flags().StringVar(&workerAddr, "worker-addr", "",
		"address of a running host worker node; empty dispatches to an in-process mock")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Adjust(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.FromFile(path)
}

func initLogger(cfg *config.Config) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   log.FileLogConfig{Filename: cfg.LogFile},
	})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

func runDemo(ctx context.Context, cfg *config.Config, workerAddr string) error {
	clk := clock.New()
	factory := promutil.With(prometheus.DefaultRegisterer)

	listings := client.DefaultListings(clk)
	var hosts client.HostClient
	if workerAddr != "" {
		for i := range listings {
			listings[i].Host = workerAddr
		}
		hosts = client.NewHTTPHostClient(cfg.DispatchTimeout())
	} else {
		hosts = client.NewMockHostClient()
	}
	directory := client.NewMockDirectory(listings...)

	var feed reputation.BenchmarkFeed
	if cfg.Oracle.BaseURL != "" {
		feed = reputation.NewHTTPFeed(reputation.HTTPFeedConfig{
			BaseURL:       cfg.Oracle.BaseURL,
			APIKey:        cfg.Oracle.APIKey,
			Timeout:       cfg.OracleTimeout(),
			RatePerSecond: cfg.Oracle.RatePerSecond,
		}, clk)
	} else {
		feed = reputation.NewStaticFeed(clk)
	}

	store := reputation.NewMemoryScoreStore()
	scorer := reputation.NewScorer(store, feed, clk, factory)
	engine := matcher.NewEngine(directory, hosts, clk, factory)

	jobs := queue.NewMatchQueue(engine, directory, clk, factory, queue.Config{
		MaxRetained: cfg.Queue.MaxRetained,
	})
	defer jobs.Close()

	ctrl := controller.NewController(jobs, scorer, clk, factory, controller.Config{
		Retention: cfg.Retention(),
	})
	defer ctrl.Close()

	jobID, err := ctrl.SubmitJob(ctx, model.JobSubmission{
		ClientPublicKey: "DemoClient11111111111111111111111111",
		Requirements: model.JobRequirements{
			RequiredVRAMGb:    16,
			MinComputeRating:  10000,
			MaxPricePerSecond: 2,
			TimeoutSeconds:    3600,
		},
		ImageURL:  "registry.flux.example/demo-training:latest",
		InputData: "ipfs://QmDemoInputDataset",
	})
	if err != nil {
		return err
	}

	status, err := awaitPhase(ctx, ctrl, jobID, model.JobExecuting)
	if err != nil {
		return err
	}
	log.L().Info("demo job dispatched",
		zap.String("job-id", string(jobID)),
		zap.String("host", status.Host))

	if err := ctrl.HandleJobResult(ctx, jobID, status.Host, "sha256:d3m0result"); err != nil {
		return err
	}

	final, err := ctrl.GetJobStatus(jobID)
	if err != nil {
		return err
	}
	score, err := store.GetScore(ctx, final.ProviderKey)
	if err != nil {
		return err
	}
	stats := jobs.Stats()
	log.L().Info("demo complete",
		zap.String("job-id", string(jobID)),
		zap.String("phase", string(final.Phase)),
		zap.String("result-hash", final.ResultHash),
		zap.Int("provider-score", score),
		zap.Int("dispatched-entries", stats.Dispatched))
	return nil
}

func awaitPhase(
	ctx context.Context, ctrl *controller.Controller, jobID model.JobID, phase model.JobPhase,
) (model.JobStatus, error) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return model.JobStatus{}, err
		}
		status, err := ctrl.GetJobStatus(jobID)
		if err != nil {
			return model.JobStatus{}, err
		}
		if status.Phase == phase || status.Phase.Terminal() {
			return status, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return model.JobStatus{}, fmt.Errorf("job %s did not reach phase %s in time", jobID, phase)
}

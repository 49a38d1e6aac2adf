// Package controller implements the client-facing job lifecycle surface:
// submission, status, cancellation, result handling and retention.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/autoid"
	"github.com/fluxmarket/orchestrator/pkg/errors"
	"github.com/fluxmarket/orchestrator/pkg/notifier"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
	"github.com/fluxmarket/orchestrator/queue"
	"github.com/fluxmarket/orchestrator/reputation"
)

const defaultRetention = 24 * time.Hour

// Config tunes a Controller.
type Config struct {
	// Retention is how long completed and failed jobs stay visible before a
	// cleanup sweep may evict them. Zero means the 24 hour default.
	Retention time.Duration
}

// trackedJob pairs the client-facing status with the queue-local entry ID
// needed for cancellation.
type trackedJob struct {
	status  model.JobStatus
	queueID string
}

// Controller owns job identity and client-facing status. It submits work to
// the match queue and follows the queue's events to learn which host a job
// landed on; everything else about the tracked status changes only through
// the controller's own surface. In particular a queue-side failure leaves
// the tracked status untouched until the client cancels or a sweep evicts
// it.
type Controller struct {
	jobs   *queue.MatchQueue
	scorer *reputation.Scorer
	clk    clock.Clock
	ids    *autoid.UUIDAllocator
	cfg    Config

	mu      sync.Mutex
	tracked map[model.JobID]*trackedJob

	wg     sync.WaitGroup
	closed chan struct{}

	submissions prometheus.Counter
	active      prometheus.Gauge
}

func NewController(
	jobs *queue.MatchQueue,
	scorer *reputation.Scorer,
	clk clock.Clock,
	metricFactory *promutil.Factory,
	cfg Config,
) *Controller {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	c := &Controller{
		jobs:    jobs,
		scorer:  scorer,
		clk:     clk,
		ids:     autoid.NewUUIDAllocator("JOB"),
		cfg:     cfg,
		tracked: make(map[model.JobID]*trackedJob),
		closed:  make(chan struct{}),
		submissions: metricFactory.NewCounter(prometheus.CounterOpts{
			Namespace: "flux", Subsystem: "controller", Name: "submissions_total",
			Help: "Count of accepted job submissions.",
		}),
		active: metricFactory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flux", Subsystem: "controller", Name: "tracked_jobs",
			Help: "Number of jobs currently tracked by the controller.",
		}),
	}

	recv := jobs.Events()
	c.wg.Add(1)
	go c.followQueueEvents(recv)
	return c
}

// Close stops the queue event follower. The tracked job map stays readable.
func (c *Controller) Close() {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
	c.wg.Wait()
}

// SubmitJob validates the submission, records a pending status and enqueues
// the job. The job ID returns immediately; matching is asynchronous.
func (c *Controller) SubmitJob(ctx context.Context, submission model.JobSubmission) (model.JobID, error) {
	if err := validateRequirements(submission.Requirements); err != nil {
		return "", errors.Trace(err)
	}

	jobID := model.JobID(c.ids.AllocID())
	payload := model.JobPayload{
		JobID:      string(jobID),
		ImageURL:   submission.ImageURL,
		InputData:  submission.InputData,
		TimeoutSec: submission.Requirements.TimeoutSeconds,
	}

	queueID, err := c.jobs.Enqueue(submission.Requirements, payload, submission.ClientPublicKey)
	if err != nil {
		return "", errors.Trace(err)
	}

	c.mu.Lock()
	c.tracked[jobID] = &trackedJob{
		status: model.JobStatus{
			JobID:     jobID,
			Phase:     model.JobPending,
			StartTime: c.clk.Now(),
		},
		queueID: queueID,
	}
	c.active.Set(float64(len(c.tracked)))
	c.mu.Unlock()

	c.submissions.Inc()
	log.L().Info("job submitted",
		zap.String("job-id", string(jobID)),
		zap.String("queue-id", queueID),
		zap.String("client", submission.ClientPublicKey))
	return jobID, nil
}

func validateRequirements(req model.JobRequirements) error {
	switch {
	case req.RequiredVRAMGb <= 0:
		return errors.ErrInvalidRequirement.GenWithStackByArgs("required_vram_gb must be positive")
	case req.MinComputeRating <= 0:
		return errors.ErrInvalidRequirement.GenWithStackByArgs("min_compute_rating must be positive")
	case req.MaxPricePerSecond <= 0:
		return errors.ErrInvalidRequirement.GenWithStackByArgs("max_price_per_second must be positive")
	case req.TimeoutSeconds <= 0:
		return errors.ErrInvalidRequirement.GenWithStackByArgs("timeout_seconds must be positive")
	}
	return nil
}

// GetJobStatus returns a snapshot of the tracked status.
func (c *Controller) GetJobStatus(jobID model.JobID) (model.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.tracked[jobID]
	if !ok {
		return model.JobStatus{}, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	return job.status, nil
}

// GetActiveJobs returns a snapshot of all tracked job statuses.
func (c *Controller) GetActiveJobs() []model.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]model.JobStatus, 0, len(c.tracked))
	for _, job := range c.tracked {
		statuses = append(statuses, job.status)
	}
	return statuses
}

// CancelJob withdraws a job that has not started matching. It succeeds only
// when the tracked status is still pending and the queue entry is still
// removable; otherwise it returns false with no side effects.
func (c *Controller) CancelJob(jobID model.JobID, clientKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.tracked[jobID]
	if !ok || job.status.Phase != model.JobPending {
		return false
	}
	if !c.jobs.Dequeue(job.queueID) {
		return false
	}

	job.status.Phase = model.JobFailed
	job.status.Err = "cancelled by client"
	job.status.EndTime = c.clk.Now()
	log.L().Info("job cancelled",
		zap.String("job-id", string(jobID)),
		zap.String("client", clientKey))
	return true
}

// HandleJobResult accepts a provider-reported completion. The reporting
// host must match the host on record for the job. A scorer failure while
// settling the positive outcome downgrades the job to failed and charges
// the provider a negative outcome instead; the result is never silently
// lost.
func (c *Controller) HandleJobResult(
	ctx context.Context, jobID model.JobID, host, resultHash string,
) error {
	c.mu.Lock()
	job, ok := c.tracked[jobID]
	if !ok {
		c.mu.Unlock()
		return errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	if job.status.Host == "" || job.status.Host != host {
		c.mu.Unlock()
		return errors.ErrUnauthorizedHost.GenWithStackByArgs(host, jobID)
	}

	now := c.clk.Now()
	duration := now.Sub(job.status.StartTime).Seconds()
	job.status.Phase = model.JobCompleted
	job.status.EndTime = now
	job.status.ResultHash = resultHash
	resourceID := c.resolveResourceID(jobID, job.status.ProviderKey)
	c.mu.Unlock()

	outcome := model.JobOutcome{
		JobID:           string(jobID),
		Host:            host,
		ResourceID:      resourceID,
		Success:         true,
		DurationSeconds: duration,
	}
	if _, err := c.scorer.UpdateScore(ctx, outcome); err != nil {
		outcome.Success = false
		if _, scoreErr := c.scorer.UpdateScore(ctx, outcome); scoreErr != nil {
			log.L().Warn("negative outcome settlement also failed",
				zap.String("job-id", string(jobID)),
				zap.Error(scoreErr))
		}

		c.mu.Lock()
		job.status.Phase = model.JobFailed
		job.status.Err = errors.Cause(err).Error()
		c.mu.Unlock()

		log.L().Warn("job result settlement failed",
			zap.String("job-id", string(jobID)),
			zap.Error(err))
		return nil
	}

	log.L().Info("job completed",
		zap.String("job-id", string(jobID)),
		zap.String("host", host),
		zap.String("result-hash", resultHash))
	return nil
}

// resolveResourceID finds the matched provider's resource account for the
// job by cross-referencing the queue's retained entries, falling back to
// the key threaded from the match event. Callers hold c.mu.
func (c *Controller) resolveResourceID(jobID model.JobID, fallback string) string {
	for _, entry := range c.jobs.Snapshot() {
		if entry.Payload.JobID == string(jobID) && entry.MatchedProvider != nil {
			return entry.MatchedProvider.PublicKey
		}
	}
	return fallback
}

// CleanupCompletedJobs evicts completed and failed jobs whose end time has
// fallen out of the retention window. It is the only deletion path for the
// controller's job map and never touches the queue's retained entries.
// Returns the number of evicted jobs.
func (c *Controller) CleanupCompletedJobs() int {
	cutoff := c.clk.Now().Add(-c.cfg.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for jobID, job := range c.tracked {
		if job.status.Phase.Terminal() && job.status.EndTime.Before(cutoff) {
			delete(c.tracked, jobID)
			evicted++
		}
	}
	c.active.Set(float64(len(c.tracked)))

	if evicted > 0 {
		log.L().Info("cleaned up terminal jobs", zap.Int("evicted", evicted))
	}
	return evicted
}

// followQueueEvents threads match results into the tracked records: a
// matched event records the host and provider key, a dispatched event moves
// the job to executing. Queue-side failures are deliberately not synced.
func (c *Controller) followQueueEvents(recv *notifier.Receiver[queue.JobEvent]) {
	defer c.wg.Done()
	defer recv.Close()

	for {
		select {
		case <-c.closed:
			return
		case event, ok := <-recv.C:
			if !ok {
				return
			}
			c.applyQueueEvent(event)
		}
	}
}

func (c *Controller) applyQueueEvent(event queue.JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.tracked[model.JobID(event.JobID)]
	if !ok {
		return
	}

	switch event.Status {
	case model.QueueJobMatched:
		if event.Provider != nil {
			job.status.Host = event.Provider.Host
			job.status.ProviderKey = event.Provider.PublicKey
		}
	case model.QueueJobDispatched:
		job.status.Phase = model.JobExecuting
	}
}

// Package queue holds submitted jobs and drives them one at a time through
// matching, escrow and dispatch.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/client"
	"github.com/fluxmarket/orchestrator/matcher"
	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/autoid"
	"github.com/fluxmarket/orchestrator/pkg/errors"
	"github.com/fluxmarket/orchestrator/pkg/notifier"
	"github.com/fluxmarket/orchestrator/pkg/promutil"
)

// JobEvent is published on every queue-side status transition. The provider
// snapshot is set on matched and dispatched events.
type JobEvent struct {
	QueueID string
	// JobID is the client-facing job ID carried in the payload.
	JobID    string
	Status   model.QueueJobStatus
	Provider *model.ProviderListing
	Err      string
}

// Config tunes a MatchQueue.
type Config struct {
	// MaxRetained caps how many terminal entries the queue keeps for
	// auditing. Zero keeps everything; pending and in-flight entries are
	// never evicted.
	MaxRetained int
}

// MatchQueue orders submitted jobs by priority then arrival time and
// processes them with a single-flight loop: exactly one pass runs at a
// time, and within a pass exactly one job is in matching state. Entries are
// removed only by an explicit Dequeue (or the optional retention cap); the
// queue is otherwise an append-mostly log of job attempts.
type MatchQueue struct {
	engine    *matcher.Engine
	directory client.ProviderDirectory
	clk       clock.Clock
	ids       *autoid.UUIDAllocator
	cfg       Config

	// mu guards jobs and all entry mutations.
	mu   sync.Mutex
	jobs []*model.QueuedJob

	// running is the single-flight guard for the processing loop.
	running atomic.Bool
	closed  atomic.Bool

	events *notifier.Notifier[JobEvent]

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup

	enqueued      prometheus.Counter
	depth         prometheus.Gauge
	terminal      *prometheus.CounterVec
	matchDuration prometheus.Histogram
}

func NewMatchQueue(
	engine *matcher.Engine,
	directory client.ProviderDirectory,
	clk clock.Clock,
	metricFactory *promutil.Factory,
	cfg Config,
) *MatchQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &MatchQueue{
		engine:     engine,
		directory:  directory,
		clk:        clk,
		ids:        autoid.NewUUIDAllocator("mq"),
		cfg:        cfg,
		events:     notifier.NewNotifier[JobEvent](),
		loopCtx:    ctx,
		loopCancel: cancel,
		enqueued: metricFactory.NewCounter(prometheus.CounterOpts{
			Namespace: "flux", Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Count of jobs accepted by the match queue.",
		}),
		depth: metricFactory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flux", Subsystem: "queue", Name: "depth",
			Help: "Number of entries currently held by the queue.",
		}),
		terminal: metricFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flux", Subsystem: "queue", Name: "jobs_terminal_total",
			Help: "Count of queue entries reaching a terminal status.",
		}, []string{"status"}),
		matchDuration: metricFactory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flux", Subsystem: "queue", Name: "match_cycle_seconds",
			Help:    "Wall time of one match-and-dispatch cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return q
}

// Events returns a new receiver of queue job events.
func (q *MatchQueue) Events() *notifier.Receiver[JobEvent] {
	return q.events.NewReceiver()
}

// Enqueue adds a job and kicks the processing loop if it is not already
// running. Returns the queue-local job ID.
func (q *MatchQueue) Enqueue(
	requirements model.JobRequirements, payload model.JobPayload, clientKey string,
) (string, error) {
	if q.closed.Load() {
		return "", errors.ErrQueueClosed.GenWithStackByArgs()
	}

	job := &model.QueuedJob{
		ID:           q.ids.AllocID(),
		Requirements: requirements,
		Payload:      payload,
		ClientKey:    clientKey,
		Status:       model.QueueJobPending,
		CreatedAt:    q.clk.Now(),
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.depth.Set(float64(len(q.jobs)))
	q.mu.Unlock()

	q.enqueued.Inc()
	log.L().Info("job enqueued",
		zap.String("queue-id", job.ID),
		zap.String("job-id", payload.JobID),
		zap.Bool("high-priority", requirements.HighPriority))

	q.maybeStartLoop()
	return job.ID, nil
}

// Dequeue removes a pending entry by queue-local ID. It returns false and
// leaves the queue unchanged for unknown IDs and for entries that have
// already left the pending state; callers must not rely on it to clean up
// terminal entries.
func (q *MatchQueue) Dequeue(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.jobs {
		if job.ID != queueID {
			continue
		}
		if job.Status != model.QueueJobPending {
			return false
		}
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		q.depth.Set(float64(len(q.jobs)))
		log.L().Info("job dequeued", zap.String("queue-id", queueID))
		return true
	}
	return false
}

// Stats counts entries by status.
func (q *MatchQueue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats model.QueueStats
	for _, job := range q.jobs {
		switch job.Status {
		case model.QueueJobPending:
			stats.Pending++
		case model.QueueJobMatching:
			stats.Matching++
		case model.QueueJobMatched:
			stats.Matched++
		case model.QueueJobDispatched:
			stats.Dispatched++
		case model.QueueJobFailed:
			stats.Failed++
		}
	}
	return stats
}

// Snapshot returns a copy of the queue contents, safe to inspect without
// affecting internal state.
func (q *MatchQueue) Snapshot() []model.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]model.QueuedJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		entry := *job
		entry.MatchedProvider = job.MatchedProvider.Clone()
		snapshot = append(snapshot, entry)
	}
	return snapshot
}

// Close stops the processing loop and the event notifier. In-flight work
// for the current job is abandoned via context cancellation.
func (q *MatchQueue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	q.loopCancel()
	q.loopWg.Wait()
	q.events.Close()
}

func (q *MatchQueue) maybeStartLoop() {
	if !q.running.CompareAndSwap(false, true) {
		// A running loop picks the new entry up on its next sort pass.
		return
	}
	q.loopWg.Add(1)
	go q.processLoop()
}

// processLoop drains pending entries one at a time. It is the only code
// that mutates entry statuses past pending.
func (q *MatchQueue) processLoop() {
	defer q.loopWg.Done()

	for {
		if q.loopCtx.Err() != nil {
			q.running.Store(false)
			return
		}

		job := q.nextPending()
		if job == nil {
			q.running.Store(false)
			// Re-check: an Enqueue that lost the CAS race may have added an
			// entry after nextPending saw none.
			if !q.hasPending() || !q.running.CompareAndSwap(false, true) {
				return
			}
			continue
		}

		start := monotime.Now()
		q.processJob(job)
		q.matchDuration.Observe((monotime.Now() - start).Seconds())
	}
}

// nextPending reorders the live sequence (priority tier first, FIFO within
// a tier), applies the retention cap and claims the first pending entry by
// moving it to matching state.
func (q *MatchQueue) nextPending() *model.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.jobs, func(i, j int) bool {
		a, b := q.jobs[i], q.jobs[j]
		if a.Requirements.HighPriority != b.Requirements.HighPriority {
			return a.Requirements.HighPriority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	q.evictTerminalLocked()

	for _, job := range q.jobs {
		if job.Status != model.QueueJobPending {
			continue
		}
		job.Status = model.QueueJobMatching
		job.ProcessedAt = q.clk.Now()
		log.L().Info("processing job",
			zap.String("queue-id", job.ID),
			zap.String("job-id", job.Payload.JobID))
		return job
	}
	return nil
}

func (q *MatchQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.Status == model.QueueJobPending {
			return true
		}
	}
	return false
}

// evictTerminalLocked enforces the optional retention cap on terminal
// entries, oldest first. Callers hold q.mu.
func (q *MatchQueue) evictTerminalLocked() {
	if q.cfg.MaxRetained <= 0 {
		return
	}
	terminal := 0
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			terminal++
		}
	}
	if terminal <= q.cfg.MaxRetained {
		return
	}

	evict := terminal - q.cfg.MaxRetained
	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if evict > 0 && job.Status.Terminal() {
			evict--
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
	q.depth.Set(float64(len(q.jobs)))
}

// processJob runs one job from matching to a terminal status. Any error is
// contained: it fails this job and never aborts the loop.
func (q *MatchQueue) processJob(job *model.QueuedJob) {
	ctx := q.loopCtx

	match, err := q.engine.FindBestMatch(ctx, job.Requirements)
	if err != nil {
		q.failJob(job, errors.Cause(err).Error())
		return
	}
	if match == nil {
		q.failJob(job, "no matching provider available")
		return
	}

	q.mu.Lock()
	job.Status = model.QueueJobMatched
	job.MatchedProvider = match
	q.mu.Unlock()
	q.publish(job, match)

	if err := q.initiateEscrow(ctx, job, match); err != nil {
		q.failJob(job, errors.Cause(err).Error())
		return
	}

	dispatched, err := q.engine.DispatchJobToHost(ctx, match, job.Payload)
	switch {
	case err != nil:
		q.failJob(job, errors.Cause(err).Error())
	case !dispatched:
		q.failJob(job, "host rejected dispatch")
	default:
		q.mu.Lock()
		job.Status = model.QueueJobDispatched
		q.mu.Unlock()
		q.terminal.WithLabelValues(string(model.QueueJobDispatched)).Inc()
		q.publish(job, match)
		log.L().Info("job dispatched",
			zap.String("queue-id", job.ID),
			zap.String("host", match.Host))
	}
}

// initiateEscrow locks the client's funds for the job's full timeout at the
// matched per-second price. Queues built without a ledger client skip the
// step.
func (q *MatchQueue) initiateEscrow(
	ctx context.Context, job *model.QueuedJob, match *model.ProviderListing,
) error {
	if q.directory == nil || job.ClientKey == "" {
		return nil
	}
	amount := match.Specs.PricePerSecond() * int64(job.Requirements.TimeoutSeconds)
	txRef, err := q.directory.InitiateEscrow(ctx, job.ClientKey, match.PublicKey, amount)
	if err != nil {
		return errors.Trace(err)
	}
	log.L().Info("escrow initiated",
		zap.String("queue-id", job.ID),
		zap.String("provider", match.PublicKey),
		zap.Int64("amount", amount),
		zap.String("tx-ref", txRef))
	return nil
}

func (q *MatchQueue) failJob(job *model.QueuedJob, reason string) {
	q.mu.Lock()
	job.Status = model.QueueJobFailed
	job.Err = reason
	q.mu.Unlock()

	q.terminal.WithLabelValues(string(model.QueueJobFailed)).Inc()
	q.publish(job, job.MatchedProvider)
	log.L().Warn("job failed in queue",
		zap.String("queue-id", job.ID),
		zap.String("job-id", job.Payload.JobID),
		zap.String("reason", reason))
}

func (q *MatchQueue) publish(job *model.QueuedJob, provider *model.ProviderListing) {
	q.events.Notify(JobEvent{
		QueueID:  job.ID,
		JobID:    job.Payload.JobID,
		Status:   job.Status,
		Provider: provider.Clone(),
		Err:      job.Err,
	})
}

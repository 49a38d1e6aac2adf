package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
)

// HostClient is the execution channel to a provider's worker node. A false
// result means the host rejected the job; the caller marks the job failed
// and may retry matching from scratch. Dispatch never partially commits
// state on the matching side.
type HostClient interface {
	DispatchJob(ctx context.Context, host string, payload model.JobPayload) (bool, error)
}

const defaultDispatchTimeout = 10 * time.Second

// HTTPHostClient dispatches jobs by posting the payload to the worker
// node's job endpoint.
type HTTPHostClient struct {
	cli *http.Client
}

func NewHTTPHostClient(timeout time.Duration) *HTTPHostClient {
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &HTTPHostClient{cli: &http.Client{Timeout: timeout}}
}

func (c *HTTPHostClient) DispatchJob(
	ctx context.Context, host string, payload model.JobPayload,
) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, errors.Trace(err)
	}

	url := fmt.Sprintf("http://%s/job", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cli.Do(req)
	if err != nil {
		return false, errors.WrapError(errors.ErrDispatchFailed, err, host)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.L().Warn("host rejected job dispatch",
			zap.String("host", host),
			zap.String("job-id", payload.JobID),
			zap.Int("status-code", resp.StatusCode))
		return false, nil
	}
	return true, nil
}

// MockHostClient records dispatches and returns a configured outcome.
type MockHostClient struct {
	mu         sync.Mutex
	accept     bool
	err        error
	dispatched []model.JobPayload
}

// NewMockHostClient returns a mock that accepts every dispatch.
func NewMockHostClient() *MockHostClient {
	return &MockHostClient{accept: true}
}

// Reject makes subsequent dispatches return false without an error.
func (c *MockHostClient) Reject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = false
	c.err = nil
}

// Fail makes subsequent dispatches return err.
func (c *MockHostClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = false
	c.err = err
}

// Dispatched returns a copy of all recorded payloads in dispatch order.
func (c *MockHostClient) Dispatched() []model.JobPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	payloads := make([]model.JobPayload, len(c.dispatched))
	copy(payloads, c.dispatched)
	return payloads
}

func (c *MockHostClient) DispatchJob(
	ctx context.Context, host string, payload model.JobPayload,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, errors.WrapError(errors.ErrDispatchFailed, c.err, host)
	}
	if !c.accept {
		return false, nil
	}
	c.dispatched = append(c.dispatched, payload)
	return true, nil
}

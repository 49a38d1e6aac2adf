package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
)

// ProviderDirectory is the ledger-side collaborator: it lists the current
// hardware provider set and executes escrow transactions. The orchestrator
// consumes this interface and never implements the ledger itself.
type ProviderDirectory interface {
	// ListProviders returns the current provider listings. Ordering must be
	// deterministic; the matcher breaks score ties by first-seen order.
	ListProviders(ctx context.Context) ([]model.ProviderListing, error)

	// InitiateEscrow locks amount (smallest currency unit) from the client
	// for the provider and returns a transaction reference. Failures are
	// reported as ErrLedger.
	InitiateEscrow(ctx context.Context, clientID, providerID string, amount int64) (string, error)
}

// EscrowCall records one InitiateEscrow invocation on the mock directory.
type EscrowCall struct {
	ClientID   string
	ProviderID string
	Amount     int64
}

// MockDirectory is an in-memory ProviderDirectory for tests and the demo
// binary.
type MockDirectory struct {
	mu        sync.Mutex
	listings  []model.ProviderListing
	escrowErr error
	escrows   []EscrowCall
	nextTx    int
}

func NewMockDirectory(listings ...model.ProviderListing) *MockDirectory {
	return &MockDirectory{listings: listings}
}

// SetListings replaces the directory contents.
func (d *MockDirectory) SetListings(listings ...model.ProviderListing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings = listings
}

// FailEscrow makes subsequent InitiateEscrow calls fail with err.
func (d *MockDirectory) FailEscrow(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.escrowErr = err
}

// EscrowCalls returns a copy of all recorded escrow calls.
func (d *MockDirectory) EscrowCalls() []EscrowCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make([]EscrowCall, len(d.escrows))
	copy(calls, d.escrows)
	return calls
}

func (d *MockDirectory) ListProviders(ctx context.Context) ([]model.ProviderListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	listings := make([]model.ProviderListing, len(d.listings))
	copy(listings, d.listings)
	return listings, nil
}

func (d *MockDirectory) InitiateEscrow(
	ctx context.Context, clientID, providerID string, amount int64,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.escrowErr != nil {
		return "", errors.WrapError(errors.ErrLedger, d.escrowErr)
	}
	d.escrows = append(d.escrows, EscrowCall{ClientID: clientID, ProviderID: providerID, Amount: amount})
	d.nextTx++
	return fmt.Sprintf("mock-tx-%d", d.nextTx), nil
}

// DefaultListings returns a deterministic provider pool with heartbeats
// aged relative to clk: an idle RTX 4090, a busy Radeon Pro and an idle
// A100. Used by the demo binary and as a test fixture.
func DefaultListings(clk clock.Clock) []model.ProviderListing {
	now := clk.Now().Unix()
	return []model.ProviderListing{
		{
			PublicKey: "ResPDA1111111111111111111111111111111",
			Host:      "hosta.flux.example:8080",
			Specs: model.HardwareSpec{
				ID: 1, GPUModel: "RTX 4090", VRAMGb: 24, CPUCores: 16,
				ComputeRating: 15000, PricePerHour: 5000,
			},
			Status:          model.ResourceIdle,
			ReputationScore: 9500,
			LastUpdated:     now - 60,
		},
		{
			PublicKey: "ResPDA2222222222222222222222222222222",
			Host:      "hostb.flux.example:8080",
			Specs: model.HardwareSpec{
				ID: 2, GPUModel: "Radeon Pro VII", VRAMGb: 16, CPUCores: 32,
				ComputeRating: 12000, PricePerHour: 3500,
			},
			Status:          model.ResourceBusy,
			ReputationScore: 8800,
			LastUpdated:     now - 10,
		},
		{
			PublicKey: "ResPDA3333333333333333333333333333333",
			Host:      "hostc.flux.example:8080",
			Specs: model.HardwareSpec{
				ID: 3, GPUModel: "A100", VRAMGb: 80, CPUCores: 40,
				ComputeRating: 35000, PricePerHour: 25000,
			},
			Status:          model.ResourceIdle,
			ReputationScore: 10000,
			LastUpdated:     now - 5,
		},
	}
}

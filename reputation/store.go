package reputation

import (
	"context"
	"sync"

	"github.com/fluxmarket/orchestrator/model"
	"github.com/fluxmarket/orchestrator/pkg/errors"
)

// ScoreStore is the persistence contract for reputation state. The
// orchestrator defines the arithmetic and the bounds; durability belongs to
// whoever implements this interface. Implementations must keep GetScore and
// PutUpdate individually consistent; the scorer serializes the
// read-modify-write cycle per resource on top of them.
type ScoreStore interface {
	// GetScore returns the current score for a resource, or
	// model.DefaultReputationScore when the resource has no record.
	GetScore(ctx context.Context, resourceID string) (int, error)

	// PutUpdate persists an audit record and makes update.NewScore the
	// resource's current score.
	PutUpdate(ctx context.Context, update model.ReputationUpdate) error
}

// MemoryScoreStore is the in-process default ScoreStore. It keeps current
// scores and the full audit trail in memory.
type MemoryScoreStore struct {
	mu      sync.RWMutex
	scores  map[string]int
	updates []model.ReputationUpdate
}

func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]int)}
}

func (s *MemoryScoreStore) GetScore(ctx context.Context, resourceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[resourceID]
	if !ok {
		return model.DefaultReputationScore, nil
	}
	return score, nil
}

func (s *MemoryScoreStore) PutUpdate(ctx context.Context, update model.ReputationUpdate) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[update.ResourceID] = update.NewScore
	s.updates = append(s.updates, update)
	return nil
}

// Updates returns a copy of the audit trail in persistence order.
func (s *MemoryScoreStore) Updates() []model.ReputationUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	updates := make([]model.ReputationUpdate, len(s.updates))
	copy(updates, s.updates)
	return updates
}

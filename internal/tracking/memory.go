// Package tracking keeps the live status drivers report for their rides: the latest
// position and schedule phase.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
)

// Positions is the live status cache read by the API and written on every driver update.
type Positions interface {
	Upsert(ctx context.Context, s models.RideStatus) error
	Get(ctx context.Context, rideID uuid.UUID) (models.RideStatus, bool, error)
}

// Index is an in-process Positions.
type Index struct {
	mu    sync.RWMutex
	rides map[uuid.UUID]models.RideStatus
}

func NewIndex() *Index {
	return &Index{rides: make(map[uuid.UUID]models.RideStatus)}
}

func (g *Index) Upsert(_ context.Context, s models.RideStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	g.rides[s.RideID] = s
	return nil
}

func (g *Index) Get(_ context.Context, rideID uuid.UUID) (models.RideStatus, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.rides[rideID]
	return s, ok, nil
}

// Forget drops a ride, typically once it has finished.
func (g *Index) Forget(rideID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rides, rideID)
}

package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
)

// MemoryStore is a mutex-guarded Store for tests and single-process runs.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[uuid.UUID]models.Ride
	requests map[uuid.UUID]models.Request
	joins    map[uuid.UUID]models.Join
	messages []models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[uuid.UUID]models.Ride),
		requests: make(map[uuid.UUID]models.Request),
		joins:    make(map[uuid.UUID]models.Join),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s: %w", r.ID, ErrConflict)
	}
	r.Schedule = cloneSchedule(r.Schedule)
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id uuid.UUID) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	r.Schedule = cloneSchedule(r.Schedule)
	return r, nil
}

func (m *MemoryStore) ListRides(_ context.Context, driverID uuid.UUID, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.DriverID == driverID {
			r.Schedule = cloneSchedule(r.Schedule)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) UpdateRideStatus(_ context.Context, s models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[s.RideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", s.RideID, ErrNotFound)
	}
	r.Phase = s.Phase
	r.DriverPosition = s.Position
	r.LastUpdate = s.UpdatedAt
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, rideID uuid.UUID, schedule []models.Stopover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, ErrNotFound)
	}
	r.Schedule = cloneSchedule(schedule)
	m.rides[rideID] = r
	return nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrConflict)
	}
	if r.IsActive {
		for _, other := range m.requests {
			if other.PassengerID == r.PassengerID && other.IsActive {
				return fmt.Errorf("passenger %s: %w", r.PassengerID, ErrActiveRequest)
			}
		}
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, passengerID uuid.UUID, limit int) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if r.PassengerID == passengerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) DeactivateRequest(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	r.IsActive = false
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) CreateJoin(_ context.Context, j models.Join) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.joins {
		if other.ID == j.ID || (other.RideID == j.RideID && other.RequestID == j.RequestID) {
			return fmt.Errorf("join of ride %s by request %s: %w", j.RideID, j.RequestID, ErrConflict)
		}
	}
	m.joins[j.ID] = j
	return nil
}

func (m *MemoryStore) GetJoin(_ context.Context, id uuid.UUID) (models.Join, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.joins[id]
	if !ok {
		return models.Join{}, fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (m *MemoryStore) ListJoins(_ context.Context, rideID uuid.UUID, status models.JoinStatus) ([]models.Join, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Join, 0)
	for _, j := range m.joins {
		if j.RideID == rideID && (status == "" || j.Status == status) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetJoinStatus(_ context.Context, id uuid.UUID, status models.JoinStatus) (models.Join, error) {
	if status != models.JoinRejected && status != models.JoinCanceled {
		return models.Join{}, fmt.Errorf("set join %s to %q: %w", id, status, ErrConflict)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.joins[id]
	if !ok {
		return models.Join{}, fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	if !models.CanTransition(j.Status, status) {
		return models.Join{}, fmt.Errorf("join %s is %s: %w", id, j.Status, ErrConflict)
	}
	j.Status = status
	j.Progress = models.ProgressCanceled
	m.joins[id] = j
	return j, nil
}

func (m *MemoryStore) AcceptJoin(_ context.Context, id uuid.UUID) (models.Join, []models.Join, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.joins[id]
	if !ok {
		return models.Join{}, nil, fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	if !models.CanTransition(j.Status, models.JoinAccepted) {
		return models.Join{}, nil, fmt.Errorf("join %s is %s: %w", id, j.Status, ErrConflict)
	}
	ride, ok := m.rides[j.RideID]
	if !ok {
		return models.Join{}, nil, fmt.Errorf("ride %s: %w", j.RideID, ErrNotFound)
	}
	if ride.NumSeatsLeft < j.NumPassengers {
		return models.Join{}, nil, fmt.Errorf("ride %s has %d seats for %d: %w", ride.ID, ride.NumSeatsLeft, j.NumPassengers, ErrNoSeats)
	}

	ride.NumSeatsLeft -= j.NumPassengers
	m.rides[ride.ID] = ride
	j.Status = models.JoinAccepted
	m.joins[id] = j
	if req, ok := m.requests[j.RequestID]; ok {
		req.IsActive = false
		m.requests[req.ID] = req
	}

	var canceled []models.Join
	for oid, other := range m.joins {
		if oid == id || other.RequestID != j.RequestID || other.Status != models.JoinPending {
			continue
		}
		other.Status = models.JoinCanceled
		other.Progress = models.ProgressCanceled
		m.joins[oid] = other
		canceled = append(canceled, other)
	}
	return j, canceled, nil
}

func (m *MemoryStore) SetJoinProgress(_ context.Context, id uuid.UUID, p models.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.joins[id]
	if !ok {
		return fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	j.Progress = p
	m.joins[id] = j
	return nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, rideID uuid.UUID, since time.Time) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range m.messages {
		if msg.RideID == rideID && msg.CreatedAt.After(since) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Candidates snapshots the eligible rides and yields them closest to the request first.
func (m *MemoryStore) Candidates(ctx context.Context, req models.Request) iter.Seq2[models.Ride, error] {
	m.mu.RLock()
	type scored struct {
		r     models.Ride
		score float64
	}
	var list []scored
	for _, r := range m.rides {
		if !Eligible(r, req) || m.joinedLocked(r.ID, req.ID) {
			continue
		}
		r.Schedule = cloneSchedule(r.Schedule)
		list = append(list, scored{r, proximity(r, req)})
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].score < list[j].score })

	return func(yield func(models.Ride, error) bool) {
		for _, s := range list {
			if err := ctx.Err(); err != nil {
				yield(models.Ride{}, err)
				return
			}
			if !yield(s.r, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) joinedLocked(rideID, requestID uuid.UUID) bool {
	for _, j := range m.joins {
		if j.RideID == rideID && j.RequestID == requestID {
			return true
		}
	}
	return false
}

func cloneSchedule(s []models.Stopover) []models.Stopover {
	if s == nil {
		return nil
	}
	out := make([]models.Stopover, len(s))
	copy(out, s)
	return out
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

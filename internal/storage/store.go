// Package storage persists rides, requests, joins and chat messages, and streams the
// candidate rides the matcher evaluates.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrActiveRequest = errors.New("user already has an active request")
	ErrNoSeats       = errors.New("not enough seats left")
)

// Store defines persistence operations for the carpool domain.
type Store interface {
	matcher.CandidateSource

	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id uuid.UUID) (models.Ride, error)
	ListRides(ctx context.Context, driverID uuid.UUID, limit int) ([]models.Ride, error)
	UpdateRideStatus(ctx context.Context, s models.RideStatus) error
	UpdateSchedule(ctx context.Context, rideID uuid.UUID, schedule []models.Stopover) error

	// CreateRequest fails with ErrActiveRequest while the passenger has another active request.
	CreateRequest(ctx context.Context, r models.Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (models.Request, error)
	ListRequests(ctx context.Context, passengerID uuid.UUID, limit int) ([]models.Request, error)
	DeactivateRequest(ctx context.Context, id uuid.UUID) error

	// CreateJoin fails with ErrConflict when the ride and request are already joined.
	CreateJoin(ctx context.Context, j models.Join) error
	GetJoin(ctx context.Context, id uuid.UUID) (models.Join, error)
	// ListJoins returns the ride's joins with the given status, or all of them for "".
	ListJoins(ctx context.Context, rideID uuid.UUID, status models.JoinStatus) ([]models.Join, error)
	// SetJoinStatus rejects or cancels a pending join. ErrConflict if it is no longer pending.
	SetJoinStatus(ctx context.Context, id uuid.UUID, status models.JoinStatus) (models.Join, error)
	// AcceptJoin atomically takes the join's seats from its ride, accepts it, deactivates its
	// request and cancels the request's other pending joins, which it returns.
	AcceptJoin(ctx context.Context, id uuid.UUID) (models.Join, []models.Join, error)
	SetJoinProgress(ctx context.Context, id uuid.UUID, p models.Progress) error

	CreateMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, rideID uuid.UUID, since time.Time) ([]models.Message, error)
}

// Eligible is the structural filter a candidate ride must pass for a request: not departed,
// enough seats, and a route that ends after the request starts. The "not joined yet" part
// needs the joins and is checked by each store.
func Eligible(r models.Ride, req models.Request) bool {
	return r.Phase < 0 &&
		r.NumSeatsLeft >= req.NumPassengers &&
		r.Route.End().After(req.StartTime)
}

// proximity is the pre-rank score: how far the request's endpoints are from the route.
func proximity(r models.Ride, req models.Request) float64 {
	_, a := geo.NearestPointAndDistance(r.Route, req.Origin.Point)
	_, b := geo.NearestPointAndDistance(r.Route, req.Destination.Point)
	return a + b
}

// Package booking runs the carpool workflow on top of the matcher: drivers offer rides,
// passengers post requests and join matching rides, drivers answer, and everyone follows the
// ride's progress and chat.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrNoMatch       = errors.New("ride does not match request")
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidPhase  = errors.New("invalid phase")
	ErrBadRequest    = errors.New("bad request")
)

const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// Join actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
	ActionCancel = "cancel"
)

// Publisher fans driver status updates out to other processes.
type Publisher interface {
	PublishStatus(ctx context.Context, s models.RideStatus) error
}

// Service holds the booking workflow. Notifier, Publisher and Positions are optional.
type Service struct {
	Store     storage.Store
	Matcher   *matcher.Service
	Notifier  dispatch.Notifier
	Publisher Publisher
	Positions tracking.Positions

	DefaultLimit int
	MaxLimit     int
	Logger       *slog.Logger
	Now          func() time.Time
}

type RideInput struct {
	Label         string          `json:"label"`
	Origin        models.Location `json:"origin"`
	Destination   models.Location `json:"destination"`
	DepartureTime time.Time       `json:"departure_time"`
	NumSeats      int             `json:"num_seats"`
	Steps         [][]geo.Point   `json:"steps"`
	Durations     []float64       `json:"durations"`
}

type RequestInput struct {
	Origin        models.Location `json:"origin"`
	Destination   models.Location `json:"destination"`
	NumPassengers int             `json:"num_passengers"`
	StartTime     time.Time       `json:"time"`
}

func (s *Service) CreateRide(ctx context.Context, driverID uuid.UUID, in RideInput) (models.Ride, error) {
	if in.NumSeats < 1 {
		return models.Ride{}, fmt.Errorf("%w: num_seats must be at least 1", ErrBadRequest)
	}
	if in.DepartureTime.IsZero() {
		return models.Ride{}, fmt.Errorf("%w: departure_time is required", ErrBadRequest)
	}
	if err := validLocation(in.Origin, in.Destination); err != nil {
		return models.Ride{}, err
	}
	route, err := geo.BuildRoute(in.DepartureTime.UTC(), in.Steps, in.Durations)
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	now := s.now()
	r := models.Ride{
		ID:             uuid.New(),
		DriverID:       driverID,
		Label:          strings.TrimSpace(in.Label),
		Origin:         in.Origin,
		Destination:    in.Destination,
		Route:          route,
		DepartureTime:  in.DepartureTime.UTC(),
		NumSeats:       in.NumSeats,
		NumSeatsLeft:   in.NumSeats,
		Phase:          models.PhaseUnconfirmed,
		DriverPosition: in.Origin.Point,
		LastUpdate:     now,
		Schedule:       []models.Stopover{},
		CreatedAt:      now,
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return models.Ride{}, err
	}
	s.logger().Info("ride_created", "ride_id", r.ID, "driver_id", driverID, "points", route.Len())
	return r, nil
}

func (s *Service) GetRide(ctx context.Context, id uuid.UUID) (models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

func (s *Service) SavedRides(ctx context.Context, userID uuid.UUID, limit int) ([]models.Ride, error) {
	return s.Store.ListRides(ctx, userID, s.limit(limit))
}

// CreateRequest stores an active request for the passenger and returns its best matches.
func (s *Service) CreateRequest(ctx context.Context, passengerID uuid.UUID, in RequestInput, limit int) (models.Request, []matcher.Ranked, error) {
	if in.NumPassengers < 1 {
		return models.Request{}, nil, fmt.Errorf("%w: num_passengers must be at least 1", ErrBadRequest)
	}
	if in.StartTime.IsZero() {
		return models.Request{}, nil, fmt.Errorf("%w: time is required", ErrBadRequest)
	}
	if err := validLocation(in.Origin, in.Destination); err != nil {
		return models.Request{}, nil, err
	}

	req := models.Request{
		ID:            uuid.New(),
		PassengerID:   passengerID,
		Origin:        in.Origin,
		Destination:   in.Destination,
		NumPassengers: in.NumPassengers,
		StartTime:     in.StartTime.UTC(),
		IsActive:      true,
		CreatedAt:     s.now(),
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return models.Request{}, nil, err
	}
	matches, err := s.Matcher.FindMatches(ctx, req, s.limit(limit))
	if err != nil {
		return req, nil, err
	}
	return req, matches, nil
}

func (s *Service) GetRequest(ctx context.Context, userID, id uuid.UUID) (models.Request, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if req.PassengerID != userID {
		return models.Request{}, fmt.Errorf("request %s: %w", id, ErrForbidden)
	}
	return req, nil
}

func (s *Service) SavedRequests(ctx context.Context, userID uuid.UUID, limit int) ([]models.Request, error) {
	return s.Store.ListRequests(ctx, userID, s.limit(limit))
}

func (s *Service) DeactivateRequest(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := s.GetRequest(ctx, userID, id); err != nil {
		return err
	}
	return s.Store.DeactivateRequest(ctx, id)
}

func (s *Service) RequestMatches(ctx context.Context, userID, id uuid.UUID, limit int) ([]matcher.Ranked, error) {
	req, err := s.GetRequest(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.Matcher.FindMatches(ctx, req, s.limit(limit))
}

// JoinRide asks the ride's driver to take the request's passengers. The match is evaluated
// again so the join carries the pick-up, drop-off and fare as of now.
func (s *Service) JoinRide(ctx context.Context, passengerID, rideID, requestID uuid.UUID) (models.Join, error) {
	req, err := s.GetRequest(ctx, passengerID, requestID)
	if err != nil {
		return models.Join{}, err
	}
	if !req.IsActive {
		return models.Join{}, fmt.Errorf("request %s is not active: %w", requestID, ErrInvalidAction)
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Join{}, err
	}
	if ride.DriverID == passengerID {
		return models.Join{}, fmt.Errorf("joining own ride %s: %w", rideID, ErrInvalidAction)
	}
	if ride.Departed() {
		return models.Join{}, fmt.Errorf("ride %s already departed: %w", rideID, ErrNoMatch)
	}
	if ride.NumSeatsLeft < req.NumPassengers {
		return models.Join{}, fmt.Errorf("ride %s has %d seats for %d: %w", rideID, ride.NumSeatsLeft, req.NumPassengers, storage.ErrNoSeats)
	}
	m, ok := matcher.Evaluate(ride, req)
	if !ok {
		return models.Join{}, fmt.Errorf("ride %s, request %s: %w", rideID, requestID, ErrNoMatch)
	}

	j := models.Join{
		ID:              uuid.New(),
		RequestID:       req.ID,
		RideID:          ride.ID,
		PassengerID:     passengerID,
		DriverID:        ride.DriverID,
		NumPassengers:   req.NumPassengers,
		Fare:            m.Fare,
		Status:          models.JoinPending,
		PickUp:          models.Location{Point: m.PickUpLocation},
		DropOff:         models.Location{Point: m.DropOffLocation},
		PickUpTime:      m.PickUpTime,
		DropOffTime:     m.DropOffTime,
		PickUpDistance:  m.PickUpDistance,
		DropOffDistance: m.DropOffDistance,
		Progress:        models.ProgressWaiting,
		CreatedAt:       s.now(),
	}
	if err := s.Store.CreateJoin(ctx, j); err != nil {
		return models.Join{}, err
	}
	observability.JoinsTotal.WithLabelValues("request").Inc()
	s.notify(ctx, ride.DriverID, dispatch.Event{Type: dispatch.EventJoinRequested, RideID: ride.ID, JoinID: j.ID, Data: j})
	return j, nil
}

// RespondToJoin applies action to a pending join. The driver accepts or rejects; either side
// may cancel.
func (s *Service) RespondToJoin(ctx context.Context, userID, rideID, joinID uuid.UUID, action string) (models.Join, error) {
	j, err := s.joinOfRide(ctx, rideID, joinID)
	if err != nil {
		return models.Join{}, err
	}

	var (
		updated  models.Join
		canceled []models.Join
		event    string
		notified uuid.UUID
	)
	switch action {
	case ActionAccept:
		if userID != j.DriverID {
			return models.Join{}, fmt.Errorf("accept join %s: %w", joinID, ErrForbidden)
		}
		ride, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return models.Join{}, err
		}
		if ride.Departed() {
			return models.Join{}, fmt.Errorf("ride %s already departed: %w", rideID, ErrInvalidAction)
		}
		updated, canceled, err = s.Store.AcceptJoin(ctx, joinID)
		if err != nil {
			return models.Join{}, err
		}
		event, notified = dispatch.EventJoinAccepted, j.PassengerID
	case ActionReject:
		if userID != j.DriverID {
			return models.Join{}, fmt.Errorf("reject join %s: %w", joinID, ErrForbidden)
		}
		if updated, err = s.Store.SetJoinStatus(ctx, joinID, models.JoinRejected); err != nil {
			return models.Join{}, err
		}
		event, notified = dispatch.EventJoinRejected, j.PassengerID
	case ActionCancel:
		switch userID {
		case j.PassengerID:
			notified = j.DriverID
		case j.DriverID:
			notified = j.PassengerID
		default:
			return models.Join{}, fmt.Errorf("cancel join %s: %w", joinID, ErrForbidden)
		}
		if updated, err = s.Store.SetJoinStatus(ctx, joinID, models.JoinCanceled); err != nil {
			return models.Join{}, err
		}
		event = dispatch.EventJoinCanceled
	default:
		return models.Join{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	observability.JoinsTotal.WithLabelValues(action).Inc()

	if err := s.refreshSchedule(ctx, rideID); err != nil {
		return updated, err
	}
	s.notify(ctx, notified, dispatch.Event{Type: event, RideID: rideID, JoinID: joinID, Data: updated})
	for _, c := range canceled {
		s.notify(ctx, c.DriverID, dispatch.Event{Type: dispatch.EventJoinCanceled, RideID: c.RideID, JoinID: c.ID, Data: c})
	}
	return updated, nil
}

// JoinStatus returns a join to its driver or passenger.
func (s *Service) JoinStatus(ctx context.Context, userID, rideID, joinID uuid.UUID) (models.Join, error) {
	j, err := s.joinOfRide(ctx, rideID, joinID)
	if err != nil {
		return models.Join{}, err
	}
	if userID != j.DriverID && userID != j.PassengerID {
		return models.Join{}, fmt.Errorf("join %s: %w", joinID, ErrForbidden)
	}
	return j, nil
}

// ListJoins returns the ride's joins to its driver. status is a JoinStatus, or "" or "all".
func (s *Service) ListJoins(ctx context.Context, driverID, rideID uuid.UUID, status string) ([]models.Join, error) {
	var filter models.JoinStatus
	if status != "" && status != "all" {
		st, ok := models.ParseJoinStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
		}
		filter = st
	}
	if _, err := s.ownRide(ctx, driverID, rideID); err != nil {
		return nil, err
	}
	return s.Store.ListJoins(ctx, rideID, filter)
}

// UpdateStatus records the driver's position and how many stopovers they have passed.
// Once the ride has departed the phase can only move forward.
func (s *Service) UpdateStatus(ctx context.Context, driverID, rideID uuid.UUID, phase int, pos geo.Point) (models.RideStatus, error) {
	ride, err := s.ownRide(ctx, driverID, rideID)
	if err != nil {
		return models.RideStatus{}, err
	}
	if phase < models.PhaseUnconfirmed || phase > len(ride.Schedule) {
		return models.RideStatus{}, fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidPhase, phase, models.PhaseUnconfirmed, len(ride.Schedule))
	}
	if ride.Departed() && phase < ride.Phase {
		return models.RideStatus{}, fmt.Errorf("%w: %d after %d", ErrInvalidPhase, phase, ride.Phase)
	}

	st := models.RideStatus{RideID: rideID, Phase: phase, Position: pos, UpdatedAt: s.now()}
	if err := s.Store.UpdateRideStatus(ctx, st); err != nil {
		return models.RideStatus{}, err
	}
	observability.RideStatusUpdates.Inc()

	logger := s.logger()
	if s.Positions != nil {
		if err := s.Positions.Upsert(ctx, st); err != nil {
			logger.Warn("positions_upsert_failed", "ride_id", rideID, "error", err)
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishStatus(ctx, st); err != nil {
			logger.Warn("status_publish_failed", "ride_id", rideID, "error", err)
		}
	}

	if phase >= 0 {
		if err := s.advanceProgress(ctx, ride.Schedule, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Status prefers the live cache and falls back to what the store last saw.
func (s *Service) Status(ctx context.Context, rideID uuid.UUID) (models.RideStatus, error) {
	if s.Positions != nil {
		st, ok, err := s.Positions.Get(ctx, rideID)
		if err != nil {
			s.logger().Warn("positions_get_failed", "ride_id", rideID, "error", err)
		} else if ok {
			return st, nil
		}
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.RideStatus{}, err
	}
	return models.RideStatus{RideID: ride.ID, Phase: ride.Phase, Position: ride.DriverPosition, UpdatedAt: ride.LastUpdate}, nil
}

func (s *Service) Schedule(ctx context.Context, rideID uuid.UUID) ([]models.Stopover, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Schedule == nil {
		return []models.Stopover{}, nil
	}
	return ride.Schedule, nil
}

// PostMessage adds to the ride's chat. Only the driver and accepted passengers take part.
func (s *Service) PostMessage(ctx context.Context, userID, rideID uuid.UUID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("%w: empty message", ErrBadRequest)
	}
	members, err := s.chatMembers(ctx, userID, rideID)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{ID: uuid.New(), RideID: rideID, UserID: userID, Content: content, CreatedAt: s.now()}
	if err := s.Store.CreateMessage(ctx, msg); err != nil {
		return models.Message{}, err
	}
	for _, m := range members {
		if m != userID {
			s.notify(ctx, m, dispatch.Event{Type: dispatch.EventMessage, RideID: rideID, Data: msg})
		}
	}
	return msg, nil
}

// Messages returns the chat posted after since.
func (s *Service) Messages(ctx context.Context, userID, rideID uuid.UUID, since time.Time) ([]models.Message, error) {
	if _, err := s.chatMembers(ctx, userID, rideID); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, rideID, since)
}

func (s *Service) joinOfRide(ctx context.Context, rideID, joinID uuid.UUID) (models.Join, error) {
	j, err := s.Store.GetJoin(ctx, joinID)
	if err != nil {
		return models.Join{}, err
	}
	if j.RideID != rideID {
		return models.Join{}, fmt.Errorf("join %s of ride %s: %w", joinID, rideID, storage.ErrNotFound)
	}
	return j, nil
}

func (s *Service) ownRide(ctx context.Context, driverID, rideID uuid.UUID) (models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.DriverID != driverID {
		return models.Ride{}, fmt.Errorf("ride %s: %w", rideID, ErrForbidden)
	}
	return ride, nil
}

// chatMembers returns the driver and accepted passengers, provided userID is one of them.
func (s *Service) chatMembers(ctx context.Context, userID, rideID uuid.UUID) ([]uuid.UUID, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	joins, err := s.Store.ListJoins(ctx, rideID, models.JoinAccepted)
	if err != nil {
		return nil, err
	}
	members := []uuid.UUID{ride.DriverID}
	allowed := userID == ride.DriverID
	for _, j := range joins {
		members = append(members, j.PassengerID)
		if j.PassengerID == userID {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("chat of ride %s: %w", rideID, ErrForbidden)
	}
	return members, nil
}

func (s *Service) refreshSchedule(ctx context.Context, rideID uuid.UUID) error {
	joins, err := s.Store.ListJoins(ctx, rideID, models.JoinAccepted)
	if err != nil {
		return err
	}
	return s.Store.UpdateSchedule(ctx, rideID, BuildSchedule(joins))
}

func (s *Service) advanceProgress(ctx context.Context, schedule []models.Stopover, st models.RideStatus) error {
	joins, err := s.Store.ListJoins(ctx, st.RideID, models.JoinAccepted)
	if err != nil {
		return err
	}
	for _, j := range joins {
		p := ProgressAt(schedule, st.Phase, j.RequestID)
		if p == j.Progress {
			continue
		}
		if err := s.Store.SetJoinProgress(ctx, j.ID, p); err != nil {
			return err
		}
		s.notify(ctx, j.PassengerID, dispatch.Event{Type: dispatch.EventProgress, RideID: st.RideID, JoinID: j.ID, Data: p})
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, ev dispatch.Event) {
	if s.Notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err := s.Notifier.Notify(ctx, userID, ev); err != nil {
		s.logger().Debug("notify_failed", "user_id", userID, "type", ev.Type, "error", err)
	}
}

func (s *Service) limit(limit int) int {
	def, hi := s.DefaultLimit, s.MaxLimit
	if def <= 0 {
		def = DefaultLimit
	}
	if hi <= 0 {
		hi = MaxLimit
	}
	switch {
	case limit <= 0:
		return def
	case limit > hi:
		return hi
	}
	return limit
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger { return logging.OrDefault(s.Logger) }

func validLocation(locs ...models.Location) error {
	for _, l := range locs {
		if l.Lon < -180 || l.Lon > 180 || l.Lat < -90 || l.Lat > 90 {
			return fmt.Errorf("%w: coordinate (%v, %v) out of range", ErrBadRequest, l.Lon, l.Lat)
		}
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/geo"
)

// Ride phases before the driver sets off. From 0 on, the phase indexes the ride's schedule and
// equals len(Schedule) once the trip is over.
const (
	PhaseUnconfirmed = -2
	PhaseConfirmed   = -1
)

type Location struct {
	geo.Point
	Description string `json:"description"`
}

type Ride struct {
	ID             uuid.UUID  `json:"ride_id"`
	DriverID       uuid.UUID  `json:"driver_id"`
	Label          string     `json:"label"`
	Origin         Location   `json:"origin"`
	Destination    Location   `json:"destination"`
	Route          geo.Route  `json:"-"`
	DepartureTime  time.Time  `json:"departure_time"`
	NumSeats       int        `json:"num_seats"`
	NumSeatsLeft   int        `json:"num_seats_left"`
	Phase          int        `json:"phase"`
	DriverPosition geo.Point  `json:"driver_position"`
	LastUpdate     time.Time  `json:"last_update_time"`
	Schedule       []Stopover `json:"schedule"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Departed reports whether the driver has started the trip.
func (r Ride) Departed() bool { return r.Phase >= 0 }

// Finished reports whether every stopover has been passed.
func (r Ride) Finished() bool { return r.Departed() && r.Phase >= len(r.Schedule) }

type Request struct {
	ID            uuid.UUID `json:"request_id"`
	PassengerID   uuid.UUID `json:"passenger_id"`
	Origin        Location  `json:"origin"`
	Destination   Location  `json:"destination"`
	NumPassengers int       `json:"num_passengers"`
	StartTime     time.Time `json:"time"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

type JoinStatus string

const (
	JoinPending  JoinStatus = "pending"
	JoinAccepted JoinStatus = "accepted"
	JoinRejected JoinStatus = "rejected"
	JoinCanceled JoinStatus = "canceled"
)

var joinTransitions = map[JoinStatus][]JoinStatus{
	JoinPending: {JoinAccepted, JoinRejected, JoinCanceled},
}

// CanTransition reports whether a join may move from one status to another.
// Only pending joins move, and each moves once.
func CanTransition(from, to JoinStatus) bool {
	for _, s := range joinTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseJoinStatus accepts the lowercase status names.
func ParseJoinStatus(s string) (JoinStatus, bool) {
	switch JoinStatus(s) {
	case JoinPending, JoinAccepted, JoinRejected, JoinCanceled:
		return JoinStatus(s), true
	}
	return "", false
}

type Progress string

const (
	ProgressWaiting   Progress = "waiting"
	ProgressOnboard   Progress = "onboard"
	ProgressFulfilled Progress = "fulfilled"
	ProgressCanceled  Progress = "canceled"
)

type Join struct {
	ID              uuid.UUID  `json:"join_id"`
	RequestID       uuid.UUID  `json:"request_id"`
	RideID          uuid.UUID  `json:"ride_id"`
	PassengerID     uuid.UUID  `json:"passenger_id"`
	DriverID        uuid.UUID  `json:"driver_id"`
	NumPassengers   int        `json:"num_passengers"`
	Fare            int64      `json:"fare"`
	Status          JoinStatus `json:"status"`
	PickUp          Location   `json:"pick_up"`
	DropOff         Location   `json:"drop_off"`
	PickUpTime      time.Time  `json:"pick_up_time"`
	DropOffTime     time.Time  `json:"drop_off_time"`
	PickUpDistance  float64    `json:"pick_up_distance"`
	DropOffDistance float64    `json:"drop_off_distance"`
	Progress        Progress   `json:"progress"`
	CreatedAt       time.Time  `json:"created_at"`
}

type StopKind string

const (
	StopPickUp  StopKind = "pick_up"
	StopDropOff StopKind = "drop_off"
)

// Stopover is one pick-up or drop-off on a ride's schedule.
type Stopover struct {
	RequestID   uuid.UUID `json:"request_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	Location    Location  `json:"location"`
	Time        time.Time `json:"time"`
	Kind        StopKind  `json:"kind"`
}

type Message struct {
	ID        uuid.UUID `json:"message_id"`
	RideID    uuid.UUID `json:"ride_id"`
	UserID    uuid.UUID `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RideStatus is the live state a driver reports: where they are and how far along the
// schedule they got.
type RideStatus struct {
	RideID    uuid.UUID `json:"ride_id"`
	Phase     int       `json:"phase"`
	Position  geo.Point `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
)

type rideResponse struct {
	models.Ride
	Route           []geo.Point `json:"route"`
	RouteTimestamps []time.Time `json:"route_timestamps"`
}

func toRideResponse(r models.Ride) rideResponse {
	return rideResponse{Ride: r, Route: r.Route.Points(), RouteTimestamps: r.Route.Times()}
}

// matchResponse flattens a ranked match; durations are in seconds.
type matchResponse struct {
	RideID              uuid.UUID       `json:"ride_id"`
	DriverID            uuid.UUID       `json:"driver_id"`
	Label               string          `json:"label"`
	Origin              models.Location `json:"origin"`
	Destination         models.Location `json:"destination"`
	DepartureTime       time.Time       `json:"departure_time"`
	NumSeatsLeft        int             `json:"num_seats_left"`
	PickUpLocation      geo.Point       `json:"pick_up_location"`
	DropOffLocation     geo.Point       `json:"drop_off_location"`
	PickUpTime          time.Time       `json:"pick_up_time"`
	DropOffTime         time.Time       `json:"drop_off_time"`
	PickUpDistance      float64         `json:"pick_up_distance"`
	DropOffDistance     float64         `json:"drop_off_distance"`
	WalkingTime         float64         `json:"walking_time"`
	EstimatedTravelTime float64         `json:"estimated_travel_time"`
	Fare                int64           `json:"fare"`
}

func toMatchResponses(ranked []matcher.Ranked) []matchResponse {
	out := make([]matchResponse, len(ranked))
	for i, r := range ranked {
		out[i] = matchResponse{
			RideID:              r.Ride.ID,
			DriverID:            r.Ride.DriverID,
			Label:               r.Ride.Label,
			Origin:              r.Ride.Origin,
			Destination:         r.Ride.Destination,
			DepartureTime:       r.Ride.DepartureTime,
			NumSeatsLeft:        r.Ride.NumSeatsLeft,
			PickUpLocation:      r.Match.PickUpLocation,
			DropOffLocation:     r.Match.DropOffLocation,
			PickUpTime:          r.Match.PickUpTime,
			DropOffTime:         r.Match.DropOffTime,
			PickUpDistance:      r.Match.PickUpDistance,
			DropOffDistance:     r.Match.DropOffDistance,
			WalkingTime:         r.Match.WalkingTime.Seconds(),
			EstimatedTravelTime: r.Match.TravelSeconds(),
			Fare:                r.Match.Fare,
		}
	}
	return out
}

type requestResponse struct {
	Request models.Request  `json:"request"`
	Matches []matchResponse `json:"matches"`
}

type joinBody struct {
	RequestID uuid.UUID `json:"request_id"`
}

type actionBody struct {
	Action string `json:"action"`
}

type statusBody struct {
	Phase    *int      `json:"phase"`
	Position geo.Point `json:"position"`
}

type messageBody struct {
	Content string `json:"content"`
}

package matcher

import (
	"time"

	"github.com/example/carpool/internal/eta"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const (
	BaseFare          = 50
	FreeDrivingMeters = 1000.0
	FarePerMeter      = 0.02
)

// Match is how a ride could carry a request's passenger: where and when they board and leave,
// how far they walk and what it costs. It is computed on demand and never stored on its own.
type Match struct {
	PickUpLocation  geo.Point
	DropOffLocation geo.Point
	// PickUpTime is the earliest the car can be at PickUpLocation.
	PickUpTime time.Time
	// DropOffTime is the latest the car reaches DropOffLocation.
	DropOffTime     time.Time
	PickUpDistance  float64
	DropOffDistance float64
	WalkingTime     time.Duration
	// EstimatedTravelTime runs from the request's start time until the passenger reaches their
	// destination on foot. Lower is better.
	EstimatedTravelTime time.Duration
	Fare                int64
}

// TravelSeconds is EstimatedTravelTime in seconds.
func (m Match) TravelSeconds() float64 { return m.EstimatedTravelTime.Seconds() }

// FareFor prices a trip of meters driven between pick-up and drop-off.
func FareFor(meters float64) int64 {
	fare := int64(BaseFare)
	if meters > FreeDrivingMeters {
		fare += int64((meters - FreeDrivingMeters) * FarePerMeter)
	}
	return fare
}

// Evaluate decides whether ride can serve req. It returns false when the pair is infeasible:
// the ride is over by the request's start time, the passenger could not walk to the pick-up
// point before the car gets there, or the two walks together take longer than
// eta.MaxWalkingTime. Evaluate has no side effects.
func Evaluate(ride models.Ride, req models.Request) (Match, bool) {
	m, outcome := evaluate(ride, req)
	return m, outcome == observability.OutcomeMatched
}

func evaluate(ride models.Ride, req models.Request) (Match, string) {
	if req.StartTime.After(ride.Route.End()) {
		return Match{}, observability.OutcomeFinished
	}
	sub, err := geo.Clip(ride.Route, req.StartTime)
	if err != nil {
		return Match{}, observability.OutcomeFinished
	}
	// A start time on the final vertex leaves nothing to ride along.
	if sub.Len() < 2 {
		return Match{}, observability.OutcomeTooShort
	}

	pickUp := geo.Nearest(sub, req.Origin.Point)
	dropOff := geo.Nearest(sub, req.Destination.Point)

	pickUpTime := sub.TimeAt(pickUp.Segment)
	if pickUpTime.Before(req.StartTime.Add(eta.WalkingTime(pickUp.Distance))) {
		return Match{}, observability.OutcomeLate
	}

	walking := eta.WalkingTime(pickUp.Distance + dropOff.Distance)
	if walking > eta.MaxWalkingTime {
		return Match{}, observability.OutcomeLongWalk
	}

	dropOffTime := sub.TimeAt(dropOff.Segment + 1)
	arrival := dropOffTime.Add(eta.WalkingTime(dropOff.Distance))

	return Match{
		PickUpLocation:      pickUp.Point,
		DropOffLocation:     dropOff.Point,
		PickUpTime:          pickUpTime,
		DropOffTime:         dropOffTime,
		PickUpDistance:      pickUp.Distance,
		DropOffDistance:     dropOff.Distance,
		WalkingTime:         walking,
		EstimatedTravelTime: arrival.Sub(req.StartTime),
		Fare:                FareFor(geo.Distance(pickUp.Point, dropOff.Point)),
	}, observability.OutcomeMatched
}

// Package geo holds the geometry the matcher works on: lon/lat points, timestamped
// routes, geodesic distances, route clipping and nearest-point projection.
package geo

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRoute is returned when a route violates its construction invariants.
var ErrInvalidRoute = errors.New("invalid route")

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Lon float64 `json:"longitude"`
	Lat float64 `json:"latitude"`
}

// Route is a polyline paired one-to-one with the times the vehicle reaches each vertex.
// Build it with NewRoute; the zero value is an empty route.
type Route struct {
	points []Point
	times  []time.Time
}

// NewRoute validates and copies points and times into a Route.
// A route needs at least two vertices, one timestamp per vertex and non-decreasing times.
func NewRoute(points []Point, times []time.Time) (Route, error) {
	if len(points) < 2 {
		return Route{}, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidRoute, len(points))
	}
	if len(points) != len(times) {
		return Route{}, fmt.Errorf("%w: %d points but %d timestamps", ErrInvalidRoute, len(points), len(times))
	}
	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			return Route{}, fmt.Errorf("%w: timestamp %d precedes timestamp %d", ErrInvalidRoute, i, i-1)
		}
	}
	return newRoute(points, times), nil
}

// newRoute copies without validating. Callers inside the package guarantee the invariants.
func newRoute(points []Point, times []time.Time) Route {
	p := make([]Point, len(points))
	copy(p, points)
	t := make([]time.Time, len(times))
	copy(t, times)
	return Route{points: p, times: t}
}

func (r Route) Len() int { return len(r.points) }

func (r Route) PointAt(i int) Point { return r.points[i] }

func (r Route) TimeAt(i int) time.Time { return r.times[i] }

// Start is the time the vehicle leaves the first vertex.
func (r Route) Start() time.Time {
	if len(r.times) == 0 {
		return time.Time{}
	}
	return r.times[0]
}

// End is the time the vehicle reaches the last vertex.
func (r Route) End() time.Time {
	if len(r.times) == 0 {
		return time.Time{}
	}
	return r.times[len(r.times)-1]
}

// Points returns a copy of the vertices.
func (r Route) Points() []Point {
	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

// Times returns a copy of the timestamps.
func (r Route) Times() []time.Time {
	out := make([]time.Time, len(r.times))
	copy(out, r.times)
	return out
}

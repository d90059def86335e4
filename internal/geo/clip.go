package geo

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfRange means the cutoff time is after the route's final timestamp: the vehicle
// has already finished the route.
var ErrOutOfRange = errors.New("start time after route end")

// Clip returns the part of r the vehicle drives at or after start.
//
// When start falls strictly between two vertex times a vertex is interpolated on that
// segment so the result begins exactly at start. A start at or before the first timestamp
// returns r unchanged. A start equal to the final timestamp yields a single-vertex route.
func Clip(r Route, start time.Time) (Route, error) {
	n := r.Len()
	i := 0
	for i < n && start.After(r.times[i]) {
		i++
	}
	if i == n {
		return Route{}, fmt.Errorf("%w: start %s, route ends %s", ErrOutOfRange,
			start.Format(time.RFC3339Nano), r.End().Format(time.RFC3339Nano))
	}

	if i == 0 || start.Equal(r.times[i]) {
		return newRoute(r.points[i:], r.times[i:]), nil
	}

	t0, t1 := r.times[i-1], r.times[i]
	fraction := float64(start.Sub(t0)) / float64(t1.Sub(t0))
	p := interpolate(r.points[i-1], r.points[i], fraction)

	points := make([]Point, 0, n-i+1)
	points = append(points, p)
	points = append(points, r.points[i:]...)
	times := make([]time.Time, 0, n-i+1)
	times = append(times, start)
	times = append(times, r.times[i:]...)
	return Route{points: points, times: times}, nil
}

// interpolate walks fraction of the straight lon/lat segment from a to b.
func interpolate(a, b Point, fraction float64) Point {
	return Point{
		Lon: a.Lon + (b.Lon-a.Lon)*fraction,
		Lat: a.Lat + (b.Lat-a.Lat)*fraction,
	}
}

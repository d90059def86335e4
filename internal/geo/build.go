package geo

import (
	"fmt"
	"math"
	"time"
)

// BuildRoute assembles a timestamped route from directions output: a list of steps, each a
// polyline, and the number of seconds each step takes.
//
// The first vertex is stamped with departure. Within a step the step's duration is spread
// over its segments in proportion to their planar length, or evenly when the step has no
// length at all. The first vertex of every step after the first is taken to repeat the
// previous step's last vertex and is skipped.
func BuildRoute(departure time.Time, steps [][]Point, durations []float64) (Route, error) {
	if len(steps) != len(durations) {
		return Route{}, fmt.Errorf("%w: %d steps but %d durations", ErrInvalidRoute, len(steps), len(durations))
	}

	var (
		points []Point
		times  []time.Time
	)
	for i, step := range steps {
		if len(step) < 2 {
			return Route{}, fmt.Errorf("%w: step %d has %d points", ErrInvalidRoute, i, len(step))
		}
		if durations[i] < 0 || math.IsNaN(durations[i]) {
			return Route{}, fmt.Errorf("%w: step %d has duration %v", ErrInvalidRoute, i, durations[i])
		}
		if len(points) == 0 {
			points = append(points, step[0])
			times = append(times, departure)
		}

		lengths := make([]float64, len(step)-1)
		var total float64
		for j := 1; j < len(step); j++ {
			lengths[j-1] = math.Hypot(step[j].Lon-step[j-1].Lon, step[j].Lat-step[j-1].Lat)
			total += lengths[j-1]
		}

		stepDuration := durations[i] * float64(time.Second)
		for j := 1; j < len(step); j++ {
			share := 1 / float64(len(lengths))
			if total > 0 {
				share = lengths[j-1] / total
			}
			points = append(points, step[j])
			times = append(times, times[len(times)-1].Add(time.Duration(stepDuration*share)))
		}
	}
	return NewRoute(points, times)
}

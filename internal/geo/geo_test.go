package geo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2023, 12, 8, 2, 56, 0, 0, time.UTC)

func secs(s float64) time.Time { return base.Add(time.Duration(s * float64(time.Second))) }

func lineRoute(t *testing.T) Route {
	t.Helper()
	r, err := NewRoute(
		[]Point{{1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0}},
		[]time.Time{secs(1), secs(2), secs(3), secs(4), secs(5)},
	)
	require.NoError(t, err)
	return r
}

func TestNewRouteValidates(t *testing.T) {
	_, err := NewRoute([]Point{{0, 0}}, []time.Time{base})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewRoute([]Point{{0, 0}, {1, 1}}, []time.Time{base})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewRoute([]Point{{0, 0}, {1, 1}}, []time.Time{secs(2), secs(1)})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	r, err := NewRoute([]Point{{0, 0}, {1, 1}}, []time.Time{base, base})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestRouteAccessorsCopy(t *testing.T) {
	r := lineRoute(t)
	pts := r.Points()
	pts[0] = Point{99, 99}
	assert.Equal(t, Point{1, 0}, r.PointAt(0))
	assert.Equal(t, secs(1), r.Start())
	assert.Equal(t, secs(5), r.End())
	assert.True(t, Route{}.End().IsZero())
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(Point{121.5, 25.0}, Point{121.5, 25.0}), 1e-9)
	// One degree of longitude on the equator is a / 180 * pi on WGS84.
	assert.InDelta(t, 111319.49, Distance(Point{0, 0}, Point{1, 0}), 0.5)
	assert.InDelta(t, 110574.39, Distance(Point{0, 0}, Point{0, 1}), 0.5)

	d := PathLength([]Point{{0, 0}, {1, 0}, {2, 0}})
	assert.InDelta(t, 2*111319.49, d, 1)
	assert.Zero(t, PathLength([]Point{{0, 0}}))
}

func TestClipInterpolates(t *testing.T) {
	sub, err := Clip(lineRoute(t), secs(4.5))
	require.NoError(t, err)
	require.Equal(t, 2, sub.Len())
	assert.InDelta(t, 4.5, sub.PointAt(0).Lon, 1e-12)
	assert.InDelta(t, 0, sub.PointAt(0).Lat, 1e-12)
	assert.Equal(t, Point{5, 0}, sub.PointAt(1))
	assert.Equal(t, []time.Time{secs(4.5), secs(5)}, sub.Times())
}

func TestClipOutOfRange(t *testing.T) {
	_, err := Clip(lineRoute(t), secs(5.5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	sub, err := Clip(lineRoute(t), secs(5))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Len())
	assert.Equal(t, Point{5, 0}, sub.PointAt(0))
}

func TestClipBeforeStartKeepsWholeRoute(t *testing.T) {
	r := lineRoute(t)
	sub, err := Clip(r, secs(0))
	require.NoError(t, err)
	assert.Equal(t, r.Points(), sub.Points())
	assert.Equal(t, r.Times(), sub.Times())
}

func TestClipOnVertexDoesNotInterpolate(t *testing.T) {
	sub, err := Clip(lineRoute(t), secs(3))
	require.NoError(t, err)
	assert.Equal(t, []Point{{3, 0}, {4, 0}, {5, 0}}, sub.Points())
	assert.Equal(t, secs(3), sub.Start())
}

func TestClipStartsAtCutoff(t *testing.T) {
	r := lineRoute(t)
	for _, s := range []float64{1, 1.5, 2.25, 3, 3.999, 4.5, 5} {
		sub, err := Clip(r, secs(s))
		require.NoError(t, err, "cutoff %v", s)
		assert.True(t, sub.Start().Equal(secs(s)), "cutoff %v starts at %v", s, sub.Start())
		times := sub.Times()
		for i := 1; i < len(times); i++ {
			assert.False(t, times[i].Before(times[i-1]), "cutoff %v: times out of order at %d", s, i)
		}
	}
}

func TestSegmentIndex(t *testing.T) {
	line := []Point{{0, 0}, {1, 1}, {1, 0}, {0, -2}}

	cases := []struct {
		p    Point
		want int
	}{
		{Point{0.25, 0.25}, 0},
		{Point{1, 0.1}, 1},
		{Point{0, -2}, 2},
		{Point{1, 1}, 0},
		{Point{0.5, -1}, 2},
	}
	for _, c := range cases {
		got, ok := SegmentIndex(c.p, line)
		assert.True(t, ok, "%v", c.p)
		assert.Equal(t, c.want, got, "%v", c.p)
	}

	got, ok := SegmentIndex(Point{5, 5}, line)
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestSegmentIndexOverlappingSegments(t *testing.T) {
	// the route doubles back over itself; the first covering segment wins
	line := []Point{{0, 0}, {2, 0}, {1, 0}, {3, 0}}

	got, ok := SegmentIndex(Point{1.5, 0}, line)
	require.True(t, ok)
	assert.Equal(t, 0, got)

	got, ok = SegmentIndex(Point{2.5, 0}, line)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestNearest(t *testing.T) {
	r, err := NewRoute(
		[]Point{{0, 0}, {0.002, 0}, {0.002, 0.002}},
		[]time.Time{secs(0), secs(60), secs(120)},
	)
	require.NoError(t, err)

	p := Nearest(r, Point{0.001, 0.0005})
	assert.Equal(t, 0, p.Segment)
	assert.InDelta(t, 0.001, p.Point.Lon, 1e-15)
	assert.InDelta(t, 0, p.Point.Lat, 1e-15)
	assert.InDelta(t, Distance(Point{0.001, 0.0005}, Point{0.001, 0}), p.Distance, 1e-9)

	p = Nearest(r, Point{0.003, 0.001})
	assert.Equal(t, 1, p.Segment)
	assert.InDelta(t, 0.002, p.Point.Lon, 1e-15)
	assert.InDelta(t, 0.001, p.Point.Lat, 1e-15)

	// The shared vertex belongs to the earlier segment.
	p = Nearest(r, Point{0.003, -0.001})
	assert.Equal(t, 0, p.Segment)
	assert.Equal(t, Point{0.002, 0}, p.Point)

	// Beyond the end clamps to the last vertex.
	pt, d := NearestPointAndDistance(r, Point{0.002, 0.003})
	assert.Equal(t, Point{0.002, 0.002}, pt)
	assert.InDelta(t, Distance(Point{0.002, 0.003}, Point{0.002, 0.002}), d, 1e-9)
}

func TestNearestAgreesWithSegmentIndex(t *testing.T) {
	points := []Point{{0, 0}, {0.001, 0.001}, {0.002, 0}, {0.004, -0.002}, {0.004, -0.004}}
	times := make([]time.Time, len(points))
	for i := range times {
		times[i] = secs(float64(30 * i))
	}
	r, err := NewRoute(points, times)
	require.NoError(t, err)

	targets := []Point{{0.0004, 0.0009}, {0.0015, 0.0012}, {0.003, -0.0005}, {0.005, -0.003}, {-0.001, 0}, {0.0041, -0.0049}}
	for _, target := range targets {
		p := Nearest(r, target)
		idx, ok := SegmentIndex(p.Point, points)
		require.True(t, ok, "%v projected off the route", target)
		assert.Equal(t, p.Segment, idx, "%v", target)
	}
}

func TestBuildRoute(t *testing.T) {
	steps := [][]Point{
		{{0, 0}, {0, 1}},
		{{0, 1}, {0, 2}, {0, 3}, {0, 5}},
	}
	r, err := BuildRoute(base, steps, []float64{1, 2})
	require.NoError(t, err)

	assert.Equal(t, []Point{{0, 0}, {0, 1}, {0, 2}, {0, 3}, {0, 5}}, r.Points())
	times := r.Times()
	assert.Equal(t, base, times[0])
	assert.Equal(t, base.Add(time.Second), times[1])
	assert.Equal(t, base.Add(1500*time.Millisecond), times[2])
	assert.Equal(t, base.Add(2*time.Second), times[3])
	assert.Equal(t, base.Add(3*time.Second), times[4])
}

func TestBuildRouteZeroLengthStep(t *testing.T) {
	r, err := BuildRoute(base, [][]Point{{{1, 1}, {1, 1}, {1, 1}}}, []float64{4})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base, base.Add(2 * time.Second), base.Add(4 * time.Second)}, r.Times())
}

func TestBuildRouteRejectsMalformed(t *testing.T) {
	_, err := BuildRoute(base, [][]Point{{{0, 0}, {0, 1}}}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = BuildRoute(base, [][]Point{{{0, 0}}}, []float64{1})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = BuildRoute(base, [][]Point{{{0, 0}, {0, 1}}}, []float64{-1})
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestWKTRoundTrip(t *testing.T) {
	p, err := ParsePointWKT(PointWKT(Point{121.541824, 25.019378}))
	require.NoError(t, err)
	assert.Equal(t, Point{121.541824, 25.019378}, p)

	line := []Point{{0, 0}, {0.002, -0.002}, {0.004, -0.006}}
	got, err := ParseLineWKT(LineWKT(line))
	require.NoError(t, err)
	assert.Equal(t, line, got)

	_, err = ParsePointWKT("LINESTRING(0 0,1 1)")
	assert.Error(t, err)
}

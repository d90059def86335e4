package geo

import "math"

// onSegmentTolerance is the perpendicular offset, in degrees (about 0.1 mm), within which a
// point still counts as lying on a segment.
const onSegmentTolerance = 1e-9

// Projection is the nearest point of a route to some target.
type Projection struct {
	Point    Point
	Distance float64 // geodesic meters from the target to Point
	Segment  int     // index i of the segment (i, i+1) that contains Point
}

// Nearest projects target onto every segment of r and keeps the closest result.
// Projection is planar in lon/lat space; the reported distance is geodesic.
// On ties the earlier segment wins, so a point on a shared vertex reports the segment
// ending there.
func Nearest(r Route, target Point) Projection {
	switch r.Len() {
	case 0:
		return Projection{}
	case 1:
		return Projection{Point: r.points[0], Distance: Distance(target, r.points[0])}
	}

	best := Projection{Segment: -1}
	bestSq := math.Inf(1)
	for i := 0; i < r.Len()-1; i++ {
		p := projectOntoSegment(target, r.points[i], r.points[i+1])
		dx, dy := p.Lon-target.Lon, p.Lat-target.Lat
		if sq := dx*dx + dy*dy; sq < bestSq {
			bestSq = sq
			best.Point = p
			best.Segment = i
		}
	}
	best.Distance = Distance(target, best.Point)
	return best
}

// NearestPointAndDistance is Nearest without the segment index.
func NearestPointAndDistance(r Route, target Point) (Point, float64) {
	p := Nearest(r, target)
	return p.Point, p.Distance
}

// SegmentIndex returns the first i such that p equals points[i] or points[i+1], or lies on
// the segment between them. When no segment contains p it returns (0, false).
func SegmentIndex(p Point, points []Point) (int, bool) {
	for i := 0; i < len(points)-1; i++ {
		a, b := points[i], points[i+1]
		if p == a || p == b || onSegment(p, a, b) {
			return i, true
		}
	}
	return 0, false
}

func projectOntoSegment(p, a, b Point) Point {
	dx, dy := b.Lon-a.Lon, b.Lat-a.Lat
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return a
	}
	t := ((p.Lon-a.Lon)*dx + (p.Lat-a.Lat)*dy) / lenSq
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	return Point{Lon: a.Lon + t*dx, Lat: a.Lat + t*dy}
}

func onSegment(p, a, b Point) bool {
	dx, dy := b.Lon-a.Lon, b.Lat-a.Lat
	length := math.Hypot(dx, dy)
	if length == 0 {
		return false
	}
	cross := dx*(p.Lat-a.Lat) - dy*(p.Lon-a.Lon)
	if math.Abs(cross)/length > onSegmentTolerance {
		return false
	}
	return between(p.Lon, a.Lon, b.Lon) && between(p.Lat, a.Lat, b.Lat)
}

func between(v, a, b float64) bool {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return v >= lo-onSegmentTolerance && v <= hi+onSegmentTolerance
}

package geo

import "github.com/tidwall/geodesic"

// Distance returns the geodesic length in meters between two points on the WGS84 ellipsoid.
func Distance(p1, p2 Point) float64 {
	var s12 float64
	geodesic.WGS84.Inverse(p1.Lat, p1.Lon, p2.Lat, p2.Lon, &s12, nil, nil)
	return s12
}

// PathLength sums the geodesic distances between consecutive points.
func PathLength(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

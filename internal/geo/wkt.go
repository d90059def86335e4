package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// PointWKT renders p as a WKT POINT in lon/lat order.
func PointWKT(p Point) string {
	return wkt.MarshalString(orb.Point{p.Lon, p.Lat})
}

// LineWKT renders points as a WKT LINESTRING.
func LineWKT(points []Point) string {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = orb.Point{p.Lon, p.Lat}
	}
	return wkt.MarshalString(ls)
}

// ParsePointWKT reads a WKT POINT.
func ParsePointWKT(s string) (Point, error) {
	p, err := wkt.UnmarshalPoint(s)
	if err != nil {
		return Point{}, fmt.Errorf("parse point %q: %w", s, err)
	}
	return Point{Lon: p.Lon(), Lat: p.Lat()}, nil
}

// ParseLineWKT reads a WKT LINESTRING.
func ParseLineWKT(s string) ([]Point, error) {
	ls, err := wkt.UnmarshalLineString(s)
	if err != nil {
		return nil, fmt.Errorf("parse linestring: %w", err)
	}
	out := make([]Point, len(ls))
	for i, p := range ls {
		out[i] = Point{Lon: p.Lon(), Lat: p.Lat()}
	}
	return out, nil
}

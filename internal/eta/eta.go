// Package eta turns distances into travel times for people on foot.
package eta

import "time"

const (
	// WalkingSpeedMps is the assumed pace of a passenger walking to or from the car.
	WalkingSpeedMps = 1.2

	// MaxWalkingTime bounds the walking a match may ask of a passenger, both legs combined.
	MaxWalkingTime = 30 * time.Minute
)

// WalkingTime returns how long it takes to walk meters at WalkingSpeedMps.
// Negative distances are treated as zero.
func WalkingTime(meters float64) time.Duration {
	if meters <= 0 {
		return 0
	}
	return time.Duration(meters / WalkingSpeedMps * float64(time.Second))
}

// WalkingSeconds is WalkingTime as fractional seconds.
func WalkingSeconds(meters float64) float64 {
	return WalkingTime(meters).Seconds()
}

// Walkable reports whether a total walk of meters stays within MaxWalkingTime.
func Walkable(meters float64) bool {
	return WalkingTime(meters) <= MaxWalkingTime
}

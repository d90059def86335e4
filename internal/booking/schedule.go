package booking

import (
	"sort"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
)

// BuildSchedule lists the pick-up and drop-off of every accepted join in time order.
// On equal times a pick-up comes before a drop-off.
func BuildSchedule(joins []models.Join) []models.Stopover {
	out := make([]models.Stopover, 0, 2*len(joins))
	for _, j := range joins {
		if j.Status != models.JoinAccepted {
			continue
		}
		out = append(out,
			models.Stopover{RequestID: j.RequestID, PassengerID: j.PassengerID, Location: j.PickUp, Time: j.PickUpTime, Kind: models.StopPickUp},
			models.Stopover{RequestID: j.RequestID, PassengerID: j.PassengerID, Location: j.DropOff, Time: j.DropOffTime, Kind: models.StopDropOff},
		)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].Time.Equal(out[b].Time) {
			return out[a].Time.Before(out[b].Time)
		}
		return out[a].Kind == models.StopPickUp && out[b].Kind == models.StopDropOff
	})
	return out
}

// ProgressAt tells where a request's passenger is once the driver has passed the first phase
// stopovers of schedule.
func ProgressAt(schedule []models.Stopover, phase int, requestID uuid.UUID) models.Progress {
	pickUp, dropOff := -1, -1
	for i, s := range schedule {
		if s.RequestID != requestID {
			continue
		}
		switch s.Kind {
		case models.StopPickUp:
			pickUp = i
		case models.StopDropOff:
			dropOff = i
		}
	}
	switch {
	case dropOff >= 0 && dropOff < phase:
		return models.ProgressFulfilled
	case pickUp >= 0 && pickUp < phase:
		return models.ProgressOnboard
	default:
		return models.ProgressWaiting
	}
}

// Package dispatch delivers ride events to users: over their websocket when they are
// connected, otherwise through a push webhook.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/logging"
)

const (
	EventJoinRequested = "join_requested"
	EventJoinAccepted  = "join_accepted"
	EventJoinRejected  = "join_rejected"
	EventJoinCanceled  = "join_canceled"
	EventProgress      = "progress"
	EventMessage       = "message"
)

// Event is what a user's app receives.
type Event struct {
	Type   string    `json:"type"`
	RideID uuid.UUID `json:"ride_id"`
	JoinID uuid.UUID `json:"join_id"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev Event) error
}

// LogNotifier only logs events. It stands in when nothing can reach the apps.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, userID uuid.UUID, ev Event) error {
	logging.OrDefault(n.Logger).Info("notify", "user_id", userID, "type", ev.Type, "ride_id", ev.RideID, "join_id", ev.JoinID)
	return nil
}

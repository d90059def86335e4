package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// PushDispatcher tries the user's websocket first and falls back to posting the event to a
// push provider endpoint.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

type pushPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Event  Event     `json:"event"`
}

func (p *PushDispatcher) Notify(ctx context.Context, userID uuid.UUID, ev Event) error {
	var wsErr error
	if p.WS != nil {
		if wsErr = p.WS.Notify(ctx, userID, ev); wsErr == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		if wsErr == nil {
			wsErr = ErrNoSession
		}
		return wsErr
	}

	b, err := json.Marshal(pushPayload{UserID: userID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", p.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push to %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
)

var (
	secret    = []byte("test-secret")
	departure = time.Date(2023, 12, 8, 2, 56, 0, 0, time.UTC)
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	ws := dispatch.NewWSRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := &booking.Service{
		Store:     store,
		Matcher:   &matcher.Service{Source: store, Logger: logger},
		Notifier:  dispatch.NewPushDispatcher("", ws),
		Positions: tracking.NewIndex(),
		Logger:    logger,
	}
	return NewServer(svc, ws, secret, logger)
}

func token(t *testing.T, user uuid.UUID) string {
	t.Helper()
	tok, err := NewToken(secret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, s *Server, method, path string, user uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func rideBody() booking.RideInput {
	pts := []geo.Point{{0, 0}, {0.002, -0.002}, {0.002, -0.004}, {0.004, -0.006}, {0.006, -0.008}}
	in := booking.RideInput{
		Label:         "to work",
		Origin:        models.Location{Point: pts[0], Description: "A"},
		Destination:   models.Location{Point: pts[4], Description: "B"},
		DepartureTime: departure,
		NumSeats:      1,
	}
	for i := 1; i < len(pts); i++ {
		in.Steps = append(in.Steps, []geo.Point{pts[i-1], pts[i]})
		in.Durations = append(in.Durations, 120)
	}
	return in
}

func requestBody() booking.RequestInput {
	return booking.RequestInput{
		Origin:        models.Location{Point: geo.Point{Lon: 0.0015, Lat: -0.0025}, Description: "C"},
		Destination:   models.Location{Point: geo.Point{Lon: 0.004, Lat: -0.006}, Description: "D"},
		NumPassengers: 1,
		StartTime:     departure.Add(46252 * time.Millisecond),
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/rides/saved", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/rides/saved", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := NewToken([]byte("other"), uuid.New(), time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/rides/saved", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "driver-7"}).SignedString(secret)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/rides/saved", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type rideJSON struct {
	ID              uuid.UUID   `json:"ride_id"`
	NumSeatsLeft    int         `json:"num_seats_left"`
	Route           []geo.Point `json:"route"`
	RouteTimestamps []time.Time `json:"route_timestamps"`
}

type requestJSON struct {
	Request models.Request  `json:"request"`
	Matches []matchResponse `json:"matches"`
}

func TestRideLifecycle(t *testing.T) {
	s := newTestServer(t)
	driver, passenger := uuid.New(), uuid.New()

	rec := do(t, s, http.MethodPost, "/api/rides", driver, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ride := decode[rideJSON](t, rec)
	assert.Len(t, ride.Route, 5)
	assert.Equal(t, departure.Add(8*time.Minute), ride.RouteTimestamps[4])
	rideURL := "/api/rides/" + ride.ID.String()

	rec = do(t, s, http.MethodPost, "/api/requests?limit=3", passenger, requestBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[requestJSON](t, rec)
	require.Len(t, created.Matches, 1)
	m := created.Matches[0]
	assert.Equal(t, ride.ID, m.RideID)
	assert.Equal(t, int64(50), m.Fare)
	assert.InDelta(t, 313.748, m.EstimatedTravelTime, 1e-6)
	assert.Equal(t, departure.Add(2*time.Minute), m.PickUpTime)

	rec = do(t, s, http.MethodPost, "/api/requests", passenger, requestBody())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/requests/"+created.Request.ID.String()+"/matches", passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]matchResponse](t, rec), 1)

	rec = do(t, s, http.MethodPost, rideURL+"/joins", passenger, joinBody{RequestID: created.Request.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	join := decode[models.Join](t, rec)
	assert.Equal(t, models.JoinPending, join.Status)
	joinURL := rideURL + "/joins/" + join.ID.String() + "/status"

	rec = do(t, s, http.MethodPut, joinURL, passenger, actionBody{Action: booking.ActionAccept})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodPut, joinURL, driver, actionBody{Action: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, joinURL, driver, actionBody{Action: booking.ActionAccept})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.JoinAccepted, decode[models.Join](t, rec).Status)

	rec = do(t, s, http.MethodGet, joinURL, passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, rideURL+"/joins?status=accepted", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Join](t, rec), 1)

	rec = do(t, s, http.MethodGet, rideURL, passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[rideJSON](t, rec).NumSeatsLeft)

	rec = do(t, s, http.MethodGet, rideURL+"/schedule", passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sched := decode[[]models.Stopover](t, rec)
	require.Len(t, sched, 2)
	assert.Equal(t, models.StopPickUp, sched[0].Kind)

	phase := 1
	rec = do(t, s, http.MethodPatch, rideURL+"/status", driver, statusBody{Phase: &phase, Position: geo.Point{Lon: 0.002, Lat: -0.003}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodGet, rideURL+"/status", passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[models.RideStatus](t, rec)
	assert.Equal(t, 1, st.Phase)
	assert.Equal(t, geo.Point{Lon: 0.002, Lat: -0.003}, st.Position)

	rec = do(t, s, http.MethodPatch, rideURL+"/status", driver, statusBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	phase = 5
	rec = do(t, s, http.MethodPatch, rideURL+"/status", driver, statusBody{Phase: &phase})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, rideURL+"/messages", passenger, messageBody{Content: "blue jacket"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodGet, rideURL+"/messages?from_time=2000-01-01T00:00:00Z", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]models.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "blue jacket", msgs[0].Content)
	rec = do(t, s, http.MethodGet, rideURL+"/messages?from_time=yesterday", driver, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, rideURL+"/messages", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/rides/saved", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]rideJSON](t, rec), 1)
	rec = do(t, s, http.MethodGet, "/api/requests/saved?limit=5", passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Request](t, rec), 1)
}

func TestRequestEndpoints(t *testing.T) {
	s := newTestServer(t)
	passenger := uuid.New()

	rec := do(t, s, http.MethodPost, "/api/requests", passenger, requestBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[requestJSON](t, rec)
	assert.Empty(t, created.Matches)
	reqURL := "/api/requests/" + created.Request.ID.String()

	rec = do(t, s, http.MethodGet, reqURL, uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodDelete, reqURL, uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodDelete, reqURL, passenger, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, reqURL, passenger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.Request](t, rec).IsActive)

	bad := requestBody()
	bad.NumPassengers = 0
	rec = do(t, s, http.MethodPost, "/api/requests", passenger, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/requests?limit=lots", passenger, requestBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	s := newTestServer(t)
	user := uuid.New()

	rec := do(t, s, http.MethodGet, "/api/rides/"+uuid.NewString(), user, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/rides/not-a-uuid", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/requests/"+uuid.NewString(), user, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/rides", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, user))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebsocketNotifications(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()
	driver, passenger := uuid.New(), uuid.New()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token(t, driver)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.WSReg.Online(driver) }, time.Second, 5*time.Millisecond)

	rec := do(t, s, http.MethodPost, "/api/rides", driver, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	ride := decode[rideJSON](t, rec)
	rec = do(t, s, http.MethodPost, "/api/requests", passenger, requestBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[requestJSON](t, rec)
	rec = do(t, s, http.MethodPost, "/api/rides/"+ride.ID.String()+"/joins", passenger, joinBody{RequestID: created.Request.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	join := decode[models.Join](t, rec)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev dispatch.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, dispatch.EventJoinRequested, ev.Type)
	assert.Equal(t, ride.ID, ev.RideID)
	assert.Equal(t, join.ID, ev.JoinID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	assert.Error(t, err)
}

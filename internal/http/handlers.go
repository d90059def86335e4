package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/storage"
)

type Server struct {
	Booking *booking.Service
	WSReg   *dispatch.WSRegistry
	secret  []byte
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(b *booking.Service, ws *dispatch.WSRegistry, secret []byte, logger *slog.Logger) *Server {
	s := &Server{Booking: b, WSReg: ws, secret: secret, logger: logging.OrDefault(logger), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/saved", s.handleSavedRides).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/status", s.handleUpdateStatus).Methods("PATCH")
	api.HandleFunc("/rides/{ride_id}/schedule", s.handleSchedule).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/joins", s.handleJoinRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/joins", s.handleListJoins).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/joins/{join_id}/status", s.handleJoinStatus).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/joins/{join_id}/status", s.handleRespondToJoin).Methods("PUT")
	api.HandleFunc("/rides/{ride_id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/messages", s.handlePostMessage).Methods("POST")

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/saved", s.handleSavedRequests).Methods("GET")
	api.HandleFunc("/requests/{request_id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{request_id}", s.handleDeactivateRequest).Methods("DELETE")
	api.HandleFunc("/requests/{request_id}/matches", s.handleRequestMatches).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in booking.RideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.Booking.CreateRide(r.Context(), userFromContext(r.Context()), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRideResponse(ride))
}

func (s *Server) handleSavedRides(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rides, err := s.Booking.SavedRides(r.Context(), userFromContext(r.Context()), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]rideResponse, len(rides))
	for i, ride := range rides {
		out[i] = toRideResponse(ride)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	ride, err := s.Booking.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideResponse(ride))
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	st, err := s.Booking.Status(r.Context(), rideID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Phase == nil {
		writeError(w, http.StatusBadRequest, "phase is required")
		return
	}
	st, err := s.Booking.UpdateStatus(r.Context(), userFromContext(r.Context()), rideID, *body.Phase, body.Position)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	sched, err := s.Booking.Schedule(r.Context(), rideID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleJoinRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	var body joinBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := s.Booking.JoinRide(r.Context(), userFromContext(r.Context()), rideID, body.RequestID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleListJoins(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	joins, err := s.Booking.ListJoins(r.Context(), userFromContext(r.Context()), rideID, r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joins)
}

func (s *Server) handleJoinStatus(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	joinID, ok := pathID(w, r, "join_id")
	if !ok {
		return
	}
	j, err := s.Booking.JoinStatus(r.Context(), userFromContext(r.Context()), rideID, joinID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRespondToJoin(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	joinID, ok := pathID(w, r, "join_id")
	if !ok {
		return
	}
	var body actionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch body.Action {
	case booking.ActionAccept, booking.ActionReject, booking.ActionCancel:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
		return
	}
	j, err := s.Booking.RespondToJoin(r.Context(), userFromContext(r.Context()), rideID, joinID, body.Action)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("from_time"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_time must be RFC 3339")
			return
		}
		since = t
	}
	msgs, err := s.Booking.Messages(r.Context(), userFromContext(r.Context()), rideID, since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(w, r, "ride_id")
	if !ok {
		return
	}
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := s.Booking.PostMessage(r.Context(), userFromContext(r.Context()), rideID, body.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in booking.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, matches, err := s.Booking.CreateRequest(r.Context(), userFromContext(r.Context()), in, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestResponse{Request: req, Matches: toMatchResponses(matches)})
}

func (s *Server) handleSavedRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reqs, err := s.Booking.SavedRequests(r.Context(), userFromContext(r.Context()), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "request_id")
	if !ok {
		return
	}
	req, err := s.Booking.GetRequest(r.Context(), userFromContext(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeactivateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "request_id")
	if !ok {
		return
	}
	if err := s.Booking.DeactivateRequest(r.Context(), userFromContext(r.Context()), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestMatches(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "request_id")
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	matches, err := s.Booking.RequestMatches(r.Context(), userFromContext(r.Context()), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchResponses(matches))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the user's notification socket registered until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", "user_id", userID, "error", err)
		return
	}
	session := s.WSReg.Add(userID, conn)
	defer func() {
		s.WSReg.Remove(userID, session)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, booking.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, booking.ErrBadRequest), errors.Is(err, booking.ErrInvalidPhase):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrActiveRequest),
		errors.Is(err, storage.ErrNoSeats),
		errors.Is(err, booking.ErrNoMatch),
		errors.Is(err, booking.ErrInvalidAction):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

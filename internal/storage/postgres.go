package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

// PostgresStore keeps everything in PostgreSQL with PostGIS geography columns. Route
// timestamps are stored as unix microseconds next to the route linestring.
type PostgresStore struct {
	db       *sql.DB
	attempts int
	delay    time.Duration
}

// NewPostgresStore opens and pings dsn. Transactions are retried attempts times, starting
// delay apart.
func NewPostgresStore(ctx context.Context, dsn string, attempts int, delay time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreDB(db, attempts, delay), nil
}

func NewPostgresStoreDB(db *sql.DB, attempts int, delay time.Duration) *PostgresStore {
	return &PostgresStore{db: db, attempts: attempts, delay: delay}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const rideColumns = `id, driver_id, label, ST_AsText(origin), origin_desc, ST_AsText(destination), destination_desc,
	ST_AsText(route), route_timestamps, departure_time, num_seats, num_seats_left, phase,
	ST_AsText(driver_position), last_update_time, schedule, created_at`

const requestColumns = `id, passenger_id, ST_AsText(origin), origin_desc, ST_AsText(destination), destination_desc,
	num_passengers, start_time, is_active, created_at`

const joinColumns = `id, request_id, ride_id, passenger_id, driver_id, num_passengers, fare, status,
	ST_AsText(pick_up), pick_up_desc, ST_AsText(drop_off), drop_off_desc, pick_up_time, drop_off_time,
	pick_up_distance, drop_off_distance, progress, created_at`

const candidateQuery = `SELECT ` + rideColumns + `
FROM rides r
WHERE r.phase < 0
  AND r.num_seats_left >= $1
  AND r.route_end_time > $2
  AND NOT EXISTS (SELECT 1 FROM joins j WHERE j.ride_id = r.id AND j.request_id = $3)
ORDER BY ST_Distance(r.route, ST_GeogFromText($4)) + ST_Distance(r.route, ST_GeogFromText($5)), r.id`

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	stamps := make([]int64, r.Route.Len())
	for i := range stamps {
		stamps[i] = r.Route.TimeAt(i).UnixMicro()
	}
	schedule, err := encodeSchedule(r.Schedule)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides (id, driver_id, label, origin, origin_desc, destination, destination_desc,
		route, route_timestamps, route_end_time, departure_time, num_seats, num_seats_left, phase,
		driver_position, last_update_time, schedule, created_at)
		VALUES ($1, $2, $3, ST_GeogFromText($4), $5, ST_GeogFromText($6), $7, ST_GeogFromText($8), $9, $10, $11, $12, $13, $14,
		ST_GeogFromText($15), $16, $17, $18)`,
		r.ID, r.DriverID, r.Label, geo.PointWKT(r.Origin.Point), r.Origin.Description,
		geo.PointWKT(r.Destination.Point), r.Destination.Description,
		geo.LineWKT(r.Route.Points()), pq.Array(stamps), r.Route.End(), r.DepartureTime,
		r.NumSeats, r.NumSeatsLeft, r.Phase, geo.PointWKT(r.DriverPosition), r.LastUpdate, schedule, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("ride %s: %w", r.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id uuid.UUID) (models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, driverID uuid.UUID, limit int) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`,
		driverID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, s models.RideStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET phase = $2, driver_position = ST_GeogFromText($3), last_update_time = $4 WHERE id = $1`,
		s.RideID, s.Phase, geo.PointWKT(s.Position), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update ride status: %w", err)
	}
	return expectRow(res, fmt.Errorf("ride %s: %w", s.RideID, ErrNotFound))
}

func (p *PostgresStore) UpdateSchedule(ctx context.Context, rideID uuid.UUID, schedule []models.Stopover) error {
	b, err := encodeSchedule(schedule)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET schedule = $2 WHERE id = $1`, rideID, b)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return expectRow(res, fmt.Errorf("ride %s: %w", rideID, ErrNotFound))
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.Request) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO requests (id, passenger_id, origin, origin_desc, destination, destination_desc,
		num_passengers, start_time, is_active, created_at)
		SELECT $1, $2, ST_GeogFromText($3), $4, ST_GeogFromText($5), $6, $7, $8, $9, $10
		WHERE NOT $9 OR NOT EXISTS (SELECT 1 FROM requests WHERE passenger_id = $2 AND is_active)`,
		r.ID, r.PassengerID, geo.PointWKT(r.Origin.Point), r.Origin.Description,
		geo.PointWKT(r.Destination.Point), r.Destination.Description,
		r.NumPassengers, r.StartTime, r.IsActive, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("passenger %s: %w", r.PassengerID, ErrActiveRequest)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return expectRow(res, fmt.Errorf("passenger %s: %w", r.PassengerID, ErrActiveRequest))
}

func (p *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (models.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, passengerID uuid.UUID, limit int) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE passenger_id = $1 ORDER BY created_at DESC LIMIT $2`,
		passengerID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateRequest(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `UPDATE requests SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate request: %w", err)
	}
	return expectRow(res, fmt.Errorf("request %s: %w", id, ErrNotFound))
}

func (p *PostgresStore) CreateJoin(ctx context.Context, j models.Join) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO joins (id, request_id, ride_id, passenger_id, driver_id, num_passengers, fare, status,
		pick_up, pick_up_desc, drop_off, drop_off_desc, pick_up_time, drop_off_time, pick_up_distance, drop_off_distance,
		progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, ST_GeogFromText($9), $10, ST_GeogFromText($11), $12, $13, $14, $15, $16, $17, $18)`,
		j.ID, j.RequestID, j.RideID, j.PassengerID, j.DriverID, j.NumPassengers, j.Fare, string(j.Status),
		geo.PointWKT(j.PickUp.Point), j.PickUp.Description, geo.PointWKT(j.DropOff.Point), j.DropOff.Description,
		j.PickUpTime, j.DropOffTime, j.PickUpDistance, j.DropOffDistance, string(j.Progress), j.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("join of ride %s by request %s: %w", j.RideID, j.RequestID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert join: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJoin(ctx context.Context, id uuid.UUID) (models.Join, error) {
	j, err := scanJoin(p.db.QueryRowContext(ctx, `SELECT `+joinColumns+` FROM joins WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Join{}, fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (p *PostgresStore) ListJoins(ctx context.Context, rideID uuid.UUID, status models.JoinStatus) ([]models.Join, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+joinColumns+` FROM joins WHERE ride_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at`,
		rideID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list joins: %w", err)
	}
	defer rows.Close()
	return collectJoins(rows)
}

func (p *PostgresStore) SetJoinStatus(ctx context.Context, id uuid.UUID, status models.JoinStatus) (models.Join, error) {
	if status != models.JoinRejected && status != models.JoinCanceled {
		return models.Join{}, fmt.Errorf("set join %s to %q: %w", id, status, ErrConflict)
	}
	j, err := scanJoin(p.db.QueryRowContext(ctx, `UPDATE joins SET status = $2, progress = 'canceled'
		WHERE id = $1 AND status = 'pending' RETURNING `+joinColumns, id, string(status)))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Join{}, fmt.Errorf("update join status: %w", err)
	}
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM joins WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Join{}, fmt.Errorf("join %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Join{}, fmt.Errorf("read join status: %w", err)
	}
	return models.Join{}, fmt.Errorf("join %s is %s: %w", id, current, ErrConflict)
}

func (p *PostgresStore) AcceptJoin(ctx context.Context, id uuid.UUID) (models.Join, []models.Join, error) {
	var (
		accepted models.Join
		canceled []models.Join
	)
	err := RunInTx(ctx, p.db, p.attempts, p.delay, func(tx *sql.Tx) error {
		var (
			rideID, requestID uuid.UUID
			seats             int
			status            string
		)
		err := tx.QueryRowContext(ctx, `SELECT ride_id, request_id, num_passengers, status FROM joins WHERE id = $1 FOR UPDATE`, id).
			Scan(&rideID, &requestID, &seats, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("join %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock join: %w", err)
		}
		if !models.CanTransition(models.JoinStatus(status), models.JoinAccepted) {
			return fmt.Errorf("join %s is %s: %w", id, status, ErrConflict)
		}

		res, err := tx.ExecContext(ctx, `UPDATE rides SET num_seats_left = num_seats_left - $1 WHERE id = $2 AND num_seats_left >= $1`, seats, rideID)
		if err != nil {
			return fmt.Errorf("reserve seats: %w", err)
		}
		if err := expectRow(res, fmt.Errorf("ride %s for %d: %w", rideID, seats, ErrNoSeats)); err != nil {
			return err
		}

		accepted, err = scanJoin(tx.QueryRowContext(ctx, `UPDATE joins SET status = 'accepted' WHERE id = $1 RETURNING `+joinColumns, id))
		if err != nil {
			return fmt.Errorf("accept join: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE requests SET is_active = FALSE WHERE id = $1`, requestID); err != nil {
			return fmt.Errorf("deactivate request: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `UPDATE joins SET status = 'canceled', progress = 'canceled'
			WHERE request_id = $1 AND id <> $2 AND status = 'pending' RETURNING `+joinColumns, requestID, id)
		if err != nil {
			return fmt.Errorf("cancel sibling joins: %w", err)
		}
		defer rows.Close()
		canceled, err = collectJoins(rows)
		return err
	})
	if err != nil {
		return models.Join{}, nil, err
	}
	return accepted, canceled, nil
}

func (p *PostgresStore) SetJoinProgress(ctx context.Context, id uuid.UUID, progress models.Progress) error {
	res, err := p.db.ExecContext(ctx, `UPDATE joins SET progress = $2 WHERE id = $1`, id, string(progress))
	if err != nil {
		return fmt.Errorf("update join progress: %w", err)
	}
	return expectRow(res, fmt.Errorf("join %s: %w", id, ErrNotFound))
}

func (p *PostgresStore) CreateMessage(ctx context.Context, m models.Message) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO messages (id, ride_id, user_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.RideID, m.UserID, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, rideID uuid.UUID, since time.Time) ([]models.Message, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, user_id, content, created_at FROM messages
		WHERE ride_id = $1 AND created_at > $2 ORDER BY created_at`, rideID, since)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.RideID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Candidates streams eligible rides straight off the query cursor, closest routes first.
func (p *PostgresStore) Candidates(ctx context.Context, req models.Request) iter.Seq2[models.Ride, error] {
	return func(yield func(models.Ride, error) bool) {
		rows, err := p.db.QueryContext(ctx, candidateQuery, req.NumPassengers, req.StartTime, req.ID,
			geo.PointWKT(req.Origin.Point), geo.PointWKT(req.Destination.Point))
		if err != nil {
			yield(models.Ride{}, fmt.Errorf("query candidates: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRide(rows)
			if err != nil {
				yield(models.Ride{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Ride{}, fmt.Errorf("read candidates: %w", err))
		}
	}
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                        models.Ride
		origin, dest, route, pos string
		stamps                   pq.Int64Array
		schedule                 []byte
	)
	err := s.Scan(&r.ID, &r.DriverID, &r.Label, &origin, &r.Origin.Description, &dest, &r.Destination.Description,
		&route, &stamps, &r.DepartureTime, &r.NumSeats, &r.NumSeatsLeft, &r.Phase,
		&pos, &r.LastUpdate, &schedule, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ride{}, err
		}
		return models.Ride{}, fmt.Errorf("scan ride: %w", err)
	}

	if r.Origin.Point, err = geo.ParsePointWKT(origin); err != nil {
		return models.Ride{}, err
	}
	if r.Destination.Point, err = geo.ParsePointWKT(dest); err != nil {
		return models.Ride{}, err
	}
	if r.DriverPosition, err = geo.ParsePointWKT(pos); err != nil {
		return models.Ride{}, err
	}
	points, err := geo.ParseLineWKT(route)
	if err != nil {
		return models.Ride{}, err
	}
	times := make([]time.Time, len(stamps))
	for i, us := range stamps {
		times[i] = time.UnixMicro(us).UTC()
	}
	if r.Route, err = geo.NewRoute(points, times); err != nil {
		return models.Ride{}, fmt.Errorf("ride %s: %w", r.ID, err)
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &r.Schedule); err != nil {
			return models.Ride{}, fmt.Errorf("ride %s schedule: %w", r.ID, err)
		}
	}
	return r, nil
}

func scanRequest(s scanner) (models.Request, error) {
	var (
		r            models.Request
		origin, dest string
	)
	err := s.Scan(&r.ID, &r.PassengerID, &origin, &r.Origin.Description, &dest, &r.Destination.Description,
		&r.NumPassengers, &r.StartTime, &r.IsActive, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Request{}, err
		}
		return models.Request{}, fmt.Errorf("scan request: %w", err)
	}
	if r.Origin.Point, err = geo.ParsePointWKT(origin); err != nil {
		return models.Request{}, err
	}
	if r.Destination.Point, err = geo.ParsePointWKT(dest); err != nil {
		return models.Request{}, err
	}
	return r, nil
}

func scanJoin(s scanner) (models.Join, error) {
	var (
		j                models.Join
		status, progress string
		pickUp, dropOff  string
	)
	err := s.Scan(&j.ID, &j.RequestID, &j.RideID, &j.PassengerID, &j.DriverID, &j.NumPassengers, &j.Fare, &status,
		&pickUp, &j.PickUp.Description, &dropOff, &j.DropOff.Description, &j.PickUpTime, &j.DropOffTime,
		&j.PickUpDistance, &j.DropOffDistance, &progress, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Join{}, err
		}
		return models.Join{}, fmt.Errorf("scan join: %w", err)
	}
	j.Status = models.JoinStatus(status)
	j.Progress = models.Progress(progress)
	if j.PickUp.Point, err = geo.ParsePointWKT(pickUp); err != nil {
		return models.Join{}, err
	}
	if j.DropOff.Point, err = geo.ParsePointWKT(dropOff); err != nil {
		return models.Join{}, err
	}
	return j, nil
}

func collectJoins(rows *sql.Rows) ([]models.Join, error) {
	out := make([]models.Join, 0)
	for rows.Next() {
		j, err := scanJoin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func encodeSchedule(s []models.Stopover) ([]byte, error) {
	if s == nil {
		s = []models.Stopover{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return b, nil
}

func expectRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func sqlLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

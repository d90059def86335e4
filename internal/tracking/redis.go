package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

const DefaultGeoKey = "rides_geo"

// Updater is the subset of Redis commands a status write needs.
type Updater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// ClientUpdater adapts a go-redis client to Updater.
type ClientUpdater struct{ C *redis.Client }

func (r ClientUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.C.GeoAdd(ctx, key, loc).Err()
}

func (r ClientUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.C.HSet(ctx, key, values).Err()
}

// RedisPositions stores driver positions in a GEO set and the phase in a hash per ride.
type RedisPositions struct {
	client *redis.Client
	key    string
}

func NewRedisPositions(client *redis.Client, key string) *RedisPositions {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisPositions{client: client, key: key}
}

func (r *RedisPositions) Upsert(ctx context.Context, s models.RideStatus) error {
	return WriteStatus(ctx, ClientUpdater{C: r.client}, r.key, s, 1, 0)
}

func (r *RedisPositions) Get(ctx context.Context, rideID uuid.UUID) (models.RideStatus, bool, error) {
	meta, err := r.client.HGetAll(ctx, statusKey(rideID)).Result()
	if err != nil {
		return models.RideStatus{}, false, fmt.Errorf("read status of ride %s: %w", rideID, err)
	}
	if len(meta) == 0 {
		return models.RideStatus{}, false, nil
	}

	s := models.RideStatus{RideID: rideID}
	if s.Phase, err = strconv.Atoi(meta["phase"]); err != nil {
		return models.RideStatus{}, false, fmt.Errorf("ride %s phase %q: %w", rideID, meta["phase"], err)
	}
	if v := meta["updated"]; v != "" {
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return models.RideStatus{}, false, fmt.Errorf("ride %s updated %q: %w", rideID, v, err)
		}
	}

	pos, err := r.client.GeoPos(ctx, r.key, rideID.String()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.RideStatus{}, false, fmt.Errorf("read position of ride %s: %w", rideID, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		s.Position = geo.Point{Lon: pos[0].Longitude, Lat: pos[0].Latitude}
	}
	return s, true, nil
}

// WriteStatus records s through u, retrying each failed attempt after a doubling delay.
func WriteStatus(ctx context.Context, u Updater, geoKey string, s models.RideStatus, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = writeOnce(ctx, u, geoKey, s); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func writeOnce(ctx context.Context, u Updater, geoKey string, s models.RideStatus) error {
	loc := &redis.GeoLocation{Longitude: s.Position.Lon, Latitude: s.Position.Lat, Name: s.RideID.String()}
	if err := u.GeoAdd(ctx, geoKey, loc); err != nil {
		return fmt.Errorf("geoadd ride %s: %w", s.RideID, err)
	}
	meta := map[string]interface{}{
		"phase":   s.Phase,
		"updated": s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := u.HSet(ctx, statusKey(s.RideID), meta); err != nil {
		return fmt.Errorf("hset ride %s: %w", s.RideID, err)
	}
	return nil
}

func statusKey(id uuid.UUID) string { return "ride:status:" + id.String() }

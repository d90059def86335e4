package matcher

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const DefaultBatchSize = 100

// CandidateSource streams rides that could structurally serve a request: not departed, enough
// seats left, route ending after the request's start time, and not joined by it yet. Rides
// should come most promising first. Stopping the iteration releases whatever backs it.
type CandidateSource interface {
	Candidates(ctx context.Context, req models.Request) iter.Seq2[models.Ride, error]
}

// Ranked is a feasible ride together with its match.
type Ranked struct {
	Ride  models.Ride
	Match Match
}

type Service struct {
	Source    CandidateSource
	BatchSize int
	Logger    *slog.Logger
}

// FindMatches evaluates candidates batch by batch and returns at most limit matches, ordered
// by estimated travel time. It stops pulling candidates as soon as a batch leaves limit
// matches in hand, so a better ride further down the stream is not guaranteed to be seen.
func (s *Service) FindMatches(ctx context.Context, req models.Request, limit int) ([]Ranked, error) {
	if limit <= 0 {
		return []Ranked{}, nil
	}
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	logger := logging.OrDefault(s.Logger)

	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	out := make([]Ranked, 0, limit)
	batch := make([]models.Ride, 0, size)
	for ride, err := range s.Source.Candidates(ctx, req) {
		if err != nil {
			return nil, fmt.Errorf("match candidates for request %s: %w", req.ID, err)
		}
		batch = append(batch, ride)
		if len(batch) < size {
			continue
		}
		out = s.merge(logger, out, batch, req, limit)
		batch = batch[:0]
		if len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if len(batch) > 0 && len(out) < limit {
		out = s.merge(logger, out, batch, req, limit)
	}

	observability.MatchesReturned.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) merge(logger *slog.Logger, out []Ranked, batch []models.Ride, req models.Request, limit int) []Ranked {
	for _, ride := range batch {
		m, outcome := evaluate(ride, req)
		observability.MatchEvaluations.WithLabelValues(outcome).Inc()
		if outcome != observability.OutcomeMatched {
			logger.Debug("match_rejected", "ride_id", ride.ID, "request_id", req.ID, "reason", outcome)
			continue
		}
		out = append(out, Ranked{Ride: ride, Match: m})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Match.EstimatedTravelTime < out[j].Match.EstimatedTravelTime
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

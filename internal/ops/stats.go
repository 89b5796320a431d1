package ops

import (
	"context"
	"time"

	"uniops/internal/errors"
	"uniops/internal/storage"
)

// Summary counts every stored Run Record by status.
func (s *Service) Summary(ctx context.Context) (storage.Summary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return storage.Summary{}, errors.Wrap(err, "summary")
	}
	return sum, nil
}

// HourlyStats returns one bucket per hour of day's calendar date.
// DST transitions yield 23 or 25 buckets.
func (s *Service) HourlyStats(ctx context.Context, day time.Time) ([]storage.HourlyCount, error) {
	from, hours := dayBounds(day.In(s.loc))
	out, err := s.store.HourlyCounts(ctx, from, hours)
	if err != nil {
		return nil, errors.Wrap(err, "hourly stats")
	}
	return out, nil
}

func dayBounds(day time.Time) (time.Time, int) {
	y, m, d := day.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	to := time.Date(y, m, d+1, 0, 0, 0, 0, day.Location())
	return from, int(to.Sub(from) / time.Hour)
}

// Location is the zone used for day boundaries.
func (s *Service) Location() *time.Location { return s.loc }

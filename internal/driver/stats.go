package driver

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool/internal/models"
)

// BookingHistory is the read side of the booking registry.
type BookingHistory interface {
	All(ctx context.Context) ([]models.Booking, error)
}

type ProfileLookup interface {
	ByID(ctx context.Context, driverID string) (models.DriverProfile, error)
}

// Stats derives per-driver figures from booking history on every call.
type Stats struct {
	bookings BookingHistory
	profiles ProfileLookup
	now      func() time.Time
	loc      *time.Location
}

func NewStats(bookings BookingHistory, profiles ProfileLookup, now func() time.Time, loc *time.Location) *Stats {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Stats{bookings: bookings, profiles: profiles, now: now, loc: loc}
}

// For scans all bookings once. PendingRequests counts pending bookings
// system-wide, not just those this driver bid on.
func (s *Stats) For(ctx context.Context, driverID string) (models.DriverStats, error) {
	bookings, err := s.bookings.All(ctx)
	if err != nil {
		return models.DriverStats{}, err
	}
	today := s.now()
	var out models.DriverStats
	for _, b := range bookings {
		if b.Status == models.BookingPending {
			out.PendingRequests++
		}
		if b.AcceptedDriverID != driverID || driverID == "" {
			continue
		}
		switch b.Status {
		case models.BookingCompleted:
			out.TotalRides++
		case models.BookingAccepted:
			out.AcceptedRides++
			if models.SameDate(b.RequiredTime, today, s.loc) {
				out.ConfirmedToday++
			}
		}
	}

	profile, err := s.profiles.ByID(ctx, driverID)
	switch {
	case err == nil:
		out.Rating = profile.Rating
	case errors.Is(err, models.ErrNotFound):
	default:
		return models.DriverStats{}, err
	}
	return out, nil
}

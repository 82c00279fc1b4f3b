// Package booking owns the Bookings collection and its status machine.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// RideCounter is satisfied by driver.Directory.
type RideCounter interface {
	IncrementRides(ctx context.Context, driverID string) (models.DriverProfile, error)
}

var transitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingPending:  {models.BookingAccepted, models.BookingCancelled},
	models.BookingAccepted: {models.BookingCompleted, models.BookingCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.BookingStatus) bool {
	return slices.Contains(transitions[from], to)
}

var transitionEvents = map[models.BookingStatus]string{
	models.BookingAccepted:  events.BookingAccepted,
	models.BookingCompleted: events.BookingCompleted,
	models.BookingCancelled: events.BookingCancelled,
}

type Registry struct {
	store  storage.RecordStore
	rides  RideCounter
	locks  lock.Locker
	events events.Publisher
	log    *slog.Logger
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Registry)

func WithLocker(l lock.Locker) Option         { return func(r *Registry) { r.locks = l } }
func WithPublisher(p events.Publisher) Option { return func(r *Registry) { r.events = p } }
func WithLogger(l *slog.Logger) Option        { return func(r *Registry) { r.log = l } }
func WithClock(now func() time.Time) Option   { return func(r *Registry) { r.now = now } }

// WithLocation sets the zone used for date filters and for required_time
// values given without an offset.
func WithLocation(loc *time.Location) Option { return func(r *Registry) { r.loc = loc } }

func NewRegistry(store storage.RecordStore, rides RideCounter, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		rides:  rides,
		locks:  lock.NewLocal(),
		events: events.Nop{},
		log:    logging.Discard(),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type CreateInput struct {
	PickupLocation  string             `json:"pickup_location"`
	DropoffLocation string             `json:"dropoff_location"`
	RequiredTime    string             `json:"required_time"`
	Type            models.BookingType `json:"booking_type"`
	FixedFare       *float64           `json:"fixed_fare"`
	SeatsRequired   *int               `json:"seats_required"`
	StudentID       string             `json:"student_id"`
}

var localTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}

func (r *Registry) parseRequiredTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range localTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, r.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, models.Validation("required_time %q is not a valid timestamp", v)
}

func (r *Registry) validate(in CreateInput) (models.Booking, error) {
	b := models.Booking{
		PickupLocation:  strings.TrimSpace(in.PickupLocation),
		DropoffLocation: strings.TrimSpace(in.DropoffLocation),
		StudentID:       strings.TrimSpace(in.StudentID),
		Type:            in.Type,
		FixedFare:       in.FixedFare,
		SeatsRequired:   1,
		Status:          models.BookingPending,
	}
	if b.PickupLocation == "" || b.DropoffLocation == "" {
		return b, models.Validation("pickup_location and dropoff_location are required")
	}
	if b.StudentID == "" {
		return b, models.Validation("student_id is required")
	}
	if in.SeatsRequired != nil {
		if *in.SeatsRequired < 1 {
			return b, models.Validation("seats_required must be at least 1, got %d", *in.SeatsRequired)
		}
		b.SeatsRequired = *in.SeatsRequired
	}
	if f := in.FixedFare; f != nil && (math.IsNaN(*f) || math.IsInf(*f, 0) || *f < 0) {
		return b, models.Validation("fixed_fare must be a non-negative amount")
	}
	switch b.Type {
	case "":
		b.Type = models.BookingOneTime
	case models.BookingOneTime, models.BookingRegular:
	default:
		return b, models.Validation("unknown booking_type %q", b.Type)
	}
	t, err := r.parseRequiredTime(in.RequiredTime)
	if err != nil {
		return b, err
	}
	b.RequiredTime = t
	return b, nil
}

// Create stores a new pending booking.
func (r *Registry) Create(ctx context.Context, in CreateInput) (models.Booking, error) {
	b, err := r.validate(in)
	if err != nil {
		return models.Booking{}, err
	}

	unlock, err := r.lockCollection(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	defer unlock()

	all, err := r.All(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	now := r.now()
	b.ID = models.NewID(models.PrefixBooking, now)
	b.CreatedAt, b.UpdatedAt = now, now
	if err := storage.Save(ctx, r.store, storage.Bookings, append(all, b)); err != nil {
		return models.Booking{}, err
	}

	observability.BookingsCreated.Inc()
	r.log.Info("booking created", "booking_id", b.ID, "student_id", b.StudentID, "booking_type", b.Type)
	events.Emit(ctx, r.events, r.log, events.Event{Type: events.BookingCreated, Key: b.ID, OccurredAt: now, Booking: &b})
	return b, nil
}

// Transition moves a booking along one legal edge. Accepting binds the
// driver and bid; cancelling clears any binding.
func (r *Registry) Transition(ctx context.Context, id string, to models.BookingStatus, driverID, bidID string) (models.Booking, error) {
	return r.transition(ctx, id, to, driverID, bidID, nil)
}

// transition runs before, if set, on the booking as it stood prior to the
// move, inside the Bookings critical section. An error from before aborts
// the move.
func (r *Registry) transition(ctx context.Context, id string, to models.BookingStatus, driverID, bidID string, before func(models.Booking) error) (models.Booking, error) {
	if !to.Valid() {
		return models.Booking{}, models.Validation("unknown booking status %q", to)
	}
	if to == models.BookingAccepted && (driverID == "" || bidID == "") {
		return models.Booking{}, models.Validation("accepting booking %s requires driver_id and bid_id", id)
	}

	unlock, err := r.lockCollection(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	defer unlock()

	all, err := r.All(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	i := slices.IndexFunc(all, func(b models.Booking) bool { return b.ID == id })
	if i < 0 {
		return models.Booking{}, models.NotFound("booking %s not found", id)
	}
	from := all[i].Status
	if !CanTransition(from, to) {
		return models.Booking{}, models.InvalidState("booking %s cannot move from %s to %s", id, from, to)
	}
	if before != nil {
		if err := before(all[i]); err != nil {
			return models.Booking{}, err
		}
	}

	now := r.now()
	b := &all[i]
	b.Status = to
	b.UpdatedAt = now
	switch to {
	case models.BookingAccepted:
		b.AcceptedDriverID, b.AcceptedBidID = driverID, bidID
	case models.BookingCancelled:
		b.AcceptedDriverID, b.AcceptedBidID = "", ""
	}
	if err := storage.Save(ctx, r.store, storage.Bookings, all); err != nil {
		return models.Booking{}, err
	}

	out := *b
	observability.BookingTransitions.WithLabelValues(string(from), string(to)).Inc()
	r.log.Info("booking status changed", "booking_id", id, "from", from, "to", to, "driver_id", out.AcceptedDriverID)
	events.Emit(ctx, r.events, r.log, events.Event{Type: transitionEvents[to], Key: id, OccurredAt: now, Booking: &out})
	return out, nil
}

func (r *Registry) Cancel(ctx context.Context, id string) (models.Booking, error) {
	return r.Transition(ctx, id, models.BookingCancelled, "", "")
}

// Complete finishes an accepted booking and credits the bound driver with
// one ride. The credit lands before the status is saved, so a failed
// increment leaves the booking accepted and the call can be retried. A
// driver without a profile is logged and skipped.
func (r *Registry) Complete(ctx context.Context, id string) (models.Booking, error) {
	return r.transition(ctx, id, models.BookingCompleted, "", "", func(b models.Booking) error {
		if r.rides == nil || b.AcceptedDriverID == "" {
			return nil
		}
		_, err := r.rides.IncrementRides(ctx, b.AcceptedDriverID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrNotFound):
			r.log.Warn("completed booking has no driver profile", "booking_id", id, "driver_id", b.AcceptedDriverID)
			return nil
		}
		return fmt.Errorf("increment rides for %s: %w", b.AcceptedDriverID, err)
	})
}

func (r *Registry) All(ctx context.Context) ([]models.Booking, error) {
	return storage.Load[models.Booking](ctx, r.store, storage.Bookings)
}

// ByID reports absence through ok rather than an error.
func (r *Registry) ByID(ctx context.Context, id string) (models.Booking, bool, error) {
	all, err := r.All(ctx)
	if err != nil {
		return models.Booking{}, false, err
	}
	for _, b := range all {
		if b.ID == id {
			return b, true, nil
		}
	}
	return models.Booking{}, false, nil
}

// Get is ByID with absence as a NotFound error.
func (r *Registry) Get(ctx context.Context, id string) (models.Booking, error) {
	b, ok, err := r.ByID(ctx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if !ok {
		return models.Booking{}, models.NotFound("booking %s not found", id)
	}
	return b, nil
}

func (r *Registry) ByStudent(ctx context.Context, studentID string) ([]models.Booking, error) {
	return r.where(ctx, func(b models.Booking) bool { return b.StudentID == studentID })
}

func (r *Registry) ByStatus(ctx context.Context, status models.BookingStatus) ([]models.Booking, error) {
	return r.where(ctx, func(b models.Booking) bool { return b.Status == status })
}

// ByDriver lists bookings bound to driverID, narrowed to status when set.
func (r *Registry) ByDriver(ctx context.Context, driverID string, status models.BookingStatus) ([]models.Booking, error) {
	if status != "" && !status.Valid() {
		return nil, models.Validation("unknown booking status %q", status)
	}
	return r.where(ctx, func(b models.Booking) bool {
		return b.AcceptedDriverID == driverID && (status == "" || b.Status == status)
	})
}

// ListAvailableForDrivers returns pending bookings, oldest first.
func (r *Registry) ListAvailableForDrivers(ctx context.Context) ([]models.Booking, error) {
	pending, err := r.ByStatus(ctx, models.BookingPending)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(pending, func(a, b models.Booking) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return pending, nil
}

// Filter criteria are AND-composed; empty fields are ignored. Date is
// YYYY-MM-DD in the registry's location.
type Filter struct {
	PickupLocation  string
	DropoffLocation string
	Date            string
	Status          models.BookingStatus
}

func (r *Registry) Filter(ctx context.Context, f Filter) ([]models.Booking, error) {
	var day time.Time
	if f.Date != "" {
		d, err := time.ParseInLocation(time.DateOnly, f.Date, r.loc)
		if err != nil {
			return nil, models.Validation("date %q must be YYYY-MM-DD", f.Date)
		}
		day = d
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, models.Validation("unknown booking status %q", f.Status)
	}
	pickup := strings.ToLower(strings.TrimSpace(f.PickupLocation))
	dropoff := strings.ToLower(strings.TrimSpace(f.DropoffLocation))

	return r.where(ctx, func(b models.Booking) bool {
		if pickup != "" && !strings.Contains(strings.ToLower(b.PickupLocation), pickup) {
			return false
		}
		if dropoff != "" && !strings.Contains(strings.ToLower(b.DropoffLocation), dropoff) {
			return false
		}
		if !day.IsZero() && !models.SameDate(b.RequiredTime, day, r.loc) {
			return false
		}
		return f.Status == "" || b.Status == f.Status
	})
}

func (r *Registry) where(ctx context.Context, keep func(models.Booking) bool) ([]models.Booking, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0, len(all))
	for _, b := range all {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Registry) lockCollection(ctx context.Context) (func(), error) {
	unlock, err := r.locks.Lock(ctx, lock.CollectionKey(string(storage.Bookings)))
	if err != nil {
		return nil, fmt.Errorf("lock bookings: %w", err)
	}
	return unlock, nil
}

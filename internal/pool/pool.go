// Package pool tracks which students share a booking.
package pool

import (
	"context"
	"fmt"
	"log/slog"
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

type Bookings interface {
	ByID(ctx context.Context, id string) (models.Booking, bool, error)
	All(ctx context.Context) ([]models.Booking, error)
}

type Pool struct {
	store           storage.RecordStore
	bookings        Bookings
	locks           lock.Locker
	events          events.Publisher
	log             *slog.Logger
	now             func() time.Time
	enforceCapacity bool
}

type Option func(*Pool)

func WithLocker(l lock.Locker) Option         { return func(p *Pool) { p.locks = l } }
func WithPublisher(e events.Publisher) Option { return func(p *Pool) { p.events = e } }
func WithLogger(l *slog.Logger) Option        { return func(p *Pool) { p.log = l } }
func WithClock(now func() time.Time) Option   { return func(p *Pool) { p.now = now } }

// WithCapacity caps active participants at the booking's seats_required.
func WithCapacity(enforce bool) Option { return func(p *Pool) { p.enforceCapacity = enforce } }

func NewPool(store storage.RecordStore, bookings Bookings, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		bookings: bookings,
		locks:    lock.NewLocal(),
		events:   events.Nop{},
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func active(bookingID, studentID string) func(models.Participant) bool {
	return func(m models.Participant) bool {
		return m.BookingID == bookingID && m.StudentID == studentID && m.Status == models.ParticipantJoined
	}
}

// Join adds studentID to the booking. Joining twice returns the existing
// membership. The booking's status is read under the Bookings lock, which
// is held until the membership is saved, so a concurrent cancel or
// completion lands either before the check or after the join.
func (p *Pool) Join(ctx context.Context, bookingID, studentID string) (models.Participant, error) {
	bookingID, studentID = strings.TrimSpace(bookingID), strings.TrimSpace(studentID)
	if bookingID == "" || studentID == "" {
		return models.Participant{}, models.Validation("booking_id and student_id are required")
	}

	unlockBookings, err := p.locks.Lock(ctx, lock.CollectionKey(string(storage.Bookings)))
	if err != nil {
		return models.Participant{}, fmt.Errorf("lock bookings: %w", err)
	}
	defer unlockBookings()

	b, ok, err := p.bookings.ByID(ctx, bookingID)
	if err != nil {
		return models.Participant{}, err
	}
	if !ok {
		return models.Participant{}, models.NotFound("booking %s not found", bookingID)
	}
	if b.Status == models.BookingCancelled || b.Status == models.BookingCompleted {
		return models.Participant{}, models.InvalidState("booking %s is %s", bookingID, b.Status)
	}

	unlock, err := p.lockCollection(ctx)
	if err != nil {
		return models.Participant{}, err
	}
	defer unlock()

	all, err := p.all(ctx)
	if err != nil {
		return models.Participant{}, err
	}
	if i := slices.IndexFunc(all, active(bookingID, studentID)); i >= 0 {
		return all[i], nil
	}
	if p.enforceCapacity {
		n := 0
		for _, m := range all {
			if m.BookingID == bookingID && m.Status == models.ParticipantJoined {
				n++
			}
		}
		if n >= b.SeatsRequired {
			return models.Participant{}, models.InvalidState("booking %s is full (%d seats)", bookingID, b.SeatsRequired)
		}
	}

	now := p.now()
	m := models.Participant{
		ID:        models.NewID(models.PrefixParticipant, now),
		BookingID: bookingID,
		StudentID: studentID,
		Status:    models.ParticipantJoined,
		JoinedAt:  now,
	}
	if err := storage.Save(ctx, p.store, storage.Participants, append(all, m)); err != nil {
		return models.Participant{}, err
	}

	observability.ParticipantOps.WithLabelValues("join").Inc()
	p.log.Info("participant joined", "booking_id", bookingID, "student_id", studentID, "participant_id", m.ID)
	events.Emit(ctx, p.events, p.log, events.Event{Type: events.ParticipantJoined, Key: bookingID, OccurredAt: now, Participant: &m})
	return m, nil
}

// Leave marks the active membership as left. Leaving a booking the student
// never joined succeeds without changes.
func (p *Pool) Leave(ctx context.Context, bookingID, studentID string) error {
	bookingID, studentID = strings.TrimSpace(bookingID), strings.TrimSpace(studentID)
	if bookingID == "" || studentID == "" {
		return models.Validation("booking_id and student_id are required")
	}

	unlock, err := p.lockCollection(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := p.all(ctx)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(all, active(bookingID, studentID))
	if i < 0 {
		return nil
	}
	now := p.now()
	all[i].Status = models.ParticipantLeft
	all[i].LeftAt = now
	if err := storage.Save(ctx, p.store, storage.Participants, all); err != nil {
		return err
	}

	m := all[i]
	observability.ParticipantOps.WithLabelValues("leave").Inc()
	p.log.Info("participant left", "booking_id", bookingID, "student_id", studentID, "participant_id", m.ID)
	events.Emit(ctx, p.events, p.log, events.Event{Type: events.ParticipantLeft, Key: bookingID, OccurredAt: now, Participant: &m})
	return nil
}

func (p *Pool) ListForBooking(ctx context.Context, bookingID string) ([]models.Participant, error) {
	all, err := p.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0)
	for _, m := range all {
		if m.BookingID == bookingID && m.Status == models.ParticipantJoined {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListForStudent returns active memberships with the booking as it stands
// now; BookingDetails is nil if the booking has gone missing.
func (p *Pool) ListForStudent(ctx context.Context, studentID string) ([]models.Participation, error) {
	all, err := p.all(ctx)
	if err != nil {
		return nil, err
	}
	bookings, err := p.bookings.All(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Booking, len(bookings))
	for _, b := range bookings {
		byID[b.ID] = b
	}
	out := make([]models.Participation, 0)
	for _, m := range all {
		if m.StudentID != studentID || m.Status != models.ParticipantJoined {
			continue
		}
		item := models.Participation{Participant: m}
		if b, ok := byID[m.BookingID]; ok {
			item.BookingDetails = &b
		}
		out = append(out, item)
	}
	return out, nil
}

func (p *Pool) all(ctx context.Context) ([]models.Participant, error) {
	return storage.Load[models.Participant](ctx, p.store, storage.Participants)
}

func (p *Pool) lockCollection(ctx context.Context) (func(), error) {
	unlock, err := p.locks.Lock(ctx, lock.CollectionKey(string(storage.Participants)))
	if err != nil {
		return nil, fmt.Errorf("lock participants: %w", err)
	}
	return unlock, nil
}

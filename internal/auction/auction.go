// Package auction runs the per-booking bidding: drivers offer fares on
// pending bookings and the requester accepts exactly one.
package auction

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

// Bookings is the slice of booking.Registry the auction drives.
type Bookings interface {
	Get(ctx context.Context, id string) (models.Booking, error)
	Transition(ctx context.Context, id string, to models.BookingStatus, driverID, bidID string) (models.Booking, error)
	Cancel(ctx context.Context, id string) (models.Booking, error)
}

type Profiles interface {
	All(ctx context.Context) ([]models.DriverProfile, error)
}

type Auction struct {
	store    storage.RecordStore
	bookings Bookings
	profiles Profiles
	locks    lock.Locker
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Auction)

func WithLocker(l lock.Locker) Option         { return func(a *Auction) { a.locks = l } }
func WithPublisher(p events.Publisher) Option { return func(a *Auction) { a.events = p } }
func WithLogger(l *slog.Logger) Option        { return func(a *Auction) { a.log = l } }
func WithClock(now func() time.Time) Option   { return func(a *Auction) { a.now = now } }

func NewAuction(store storage.RecordStore, bookings Bookings, profiles Profiles, opts ...Option) *Auction {
	a := &Auction{
		store:    store,
		bookings: bookings,
		profiles: profiles,
		locks:    lock.NewLocal(),
		events:   events.Nop{},
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accepted is the outcome of a successful acceptance.
type Accepted struct {
	Bid      models.Bid     `json:"bid"`
	Booking  models.Booking `json:"booking"`
	Rejected []models.Bid   `json:"rejected_bids"`
}

func validFare(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0
}

// PlaceBid records driverID's offer on a pending booking. A driver has at
// most one live bid per booking; resubmitting updates its fare.
func (a *Auction) PlaceBid(ctx context.Context, bookingID, driverID string, fare float64) (models.Bid, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return models.Bid{}, models.Validation("driver_id is required")
	}
	if !validFare(fare) {
		return models.Bid{}, models.Validation("proposed_fare must be a non-negative amount")
	}

	unlock, err := a.lockBooking(ctx, bookingID)
	if err != nil {
		return models.Bid{}, err
	}
	defer unlock()

	if _, err := a.pendingBooking(ctx, bookingID); err != nil {
		return models.Bid{}, err
	}
	return a.place(ctx, bookingID, driverID, fare)
}

// place assumes the caller holds the booking lock.
func (a *Auction) place(ctx context.Context, bookingID, driverID string, fare float64) (models.Bid, error) {
	unlock, err := a.lockBids(ctx)
	if err != nil {
		return models.Bid{}, err
	}
	defer unlock()

	bids, err := a.All(ctx)
	if err != nil {
		return models.Bid{}, err
	}
	now := a.now()
	outcome, evType := "created", events.BidPlaced
	i := slices.IndexFunc(bids, func(b models.Bid) bool {
		return b.BookingID == bookingID && b.DriverID == driverID && b.Status != models.BidRejected
	})
	if i >= 0 {
		if bids[i].Status != models.BidPending {
			return models.Bid{}, models.InvalidState("bid %s is already %s", bids[i].ID, bids[i].Status)
		}
		bids[i].ProposedFare = fare
		bids[i].UpdatedAt = now
		outcome, evType = "updated", events.BidUpdated
	} else {
		bids = append(bids, models.Bid{
			ID:           models.NewID(models.PrefixBid, now),
			BookingID:    bookingID,
			DriverID:     driverID,
			ProposedFare: fare,
			Status:       models.BidPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		i = len(bids) - 1
	}
	if err := storage.Save(ctx, a.store, storage.Bids, bids); err != nil {
		return models.Bid{}, err
	}

	out := bids[i]
	observability.BidsPlaced.WithLabelValues(outcome).Inc()
	a.log.Info("bid "+outcome, "bid_id", out.ID, "booking_id", bookingID, "driver_id", driverID, "proposed_fare", fare)
	events.Emit(ctx, a.events, a.log, events.Event{Type: evType, Key: bookingID, OccurredAt: now, Bid: &out})
	return out, nil
}

// AcceptBid makes bidID the winner of its booking. Pending siblings are
// rejected and the booking is bound to the winning driver in one critical
// section; if the booking transition fails the bids are restored.
func (a *Auction) AcceptBid(ctx context.Context, bidID string) (Accepted, error) {
	start := time.Now()
	defer func() { observability.AcceptLatency.Observe(time.Since(start).Seconds()) }()

	bid, err := a.get(ctx, bidID)
	if err != nil {
		return Accepted{}, err
	}
	unlock, err := a.lockBooking(ctx, bid.BookingID)
	if err != nil {
		return Accepted{}, err
	}
	defer unlock()

	return a.accept(ctx, bidID)
}

// AcceptAtFixedFare lets a driver take a booking at the requester's fixed
// fare: the driver's bid is placed (or repriced) and accepted together.
func (a *Auction) AcceptAtFixedFare(ctx context.Context, bookingID, driverID string) (Accepted, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return Accepted{}, models.Validation("driver_id is required")
	}

	unlock, err := a.lockBooking(ctx, bookingID)
	if err != nil {
		return Accepted{}, err
	}
	defer unlock()

	b, err := a.pendingBooking(ctx, bookingID)
	if err != nil {
		return Accepted{}, err
	}
	if b.FixedFare == nil {
		return Accepted{}, models.Validation("booking %s has no fixed fare", bookingID)
	}
	bid, err := a.place(ctx, bookingID, driverID, *b.FixedFare)
	if err != nil {
		return Accepted{}, err
	}
	return a.accept(ctx, bid.ID)
}

// accept assumes the caller holds the booking lock.
func (a *Auction) accept(ctx context.Context, bidID string) (Accepted, error) {
	unlock, err := a.lockBids(ctx)
	if err != nil {
		return Accepted{}, err
	}
	defer unlock()

	bids, err := a.All(ctx)
	if err != nil {
		return Accepted{}, err
	}
	w := slices.IndexFunc(bids, func(b models.Bid) bool { return b.ID == bidID })
	if w < 0 {
		return Accepted{}, models.NotFound("bid %s not found", bidID)
	}
	if bids[w].Status != models.BidPending {
		return Accepted{}, models.InvalidState("bid %s is %s, not pending", bidID, bids[w].Status)
	}
	bookingID := bids[w].BookingID
	if _, err := a.pendingBooking(ctx, bookingID); err != nil {
		return Accepted{}, err
	}

	snapshot := slices.Clone(bids)
	now := a.now()
	var rejected []models.Bid
	for i := range bids {
		switch {
		case i == w:
			bids[i].Status = models.BidAccepted
			bids[i].AcceptedAt = now
			bids[i].UpdatedAt = now
		case bids[i].BookingID == bookingID && bids[i].Status == models.BidPending:
			bids[i].Status = models.BidRejected
			bids[i].RejectedAt = now
			bids[i].UpdatedAt = now
			rejected = append(rejected, bids[i])
		}
	}
	if err := storage.Save(ctx, a.store, storage.Bids, bids); err != nil {
		return Accepted{}, err
	}

	winner := bids[w]
	booking, err := a.bookings.Transition(ctx, bookingID, models.BookingAccepted, winner.DriverID, winner.ID)
	if err != nil {
		observability.AcceptRollbacks.Inc()
		a.log.Warn("booking transition failed, restoring bids", "bid_id", bidID, "booking_id", bookingID, "error", err)
		if rerr := storage.Save(ctx, a.store, storage.Bids, snapshot); rerr != nil {
			return Accepted{}, errors.Join(err, fmt.Errorf("restore bids: %w", rerr))
		}
		return Accepted{}, err
	}

	observability.BidResolutions.WithLabelValues(string(models.BidAccepted)).Inc()
	observability.BidResolutions.WithLabelValues(string(models.BidRejected)).Add(float64(len(rejected)))
	a.log.Info("bid accepted", "bid_id", winner.ID, "booking_id", bookingID, "driver_id", winner.DriverID, "rejected", len(rejected))
	events.Emit(ctx, a.events, a.log, events.Event{Type: events.BidAccepted, Key: bookingID, OccurredAt: now, Bid: &winner})
	for i := range rejected {
		events.Emit(ctx, a.events, a.log, events.Event{Type: events.BidRejected, Key: bookingID, OccurredAt: now, Bid: &rejected[i]})
	}
	return Accepted{Bid: winner, Booking: booking, Rejected: rejected}, nil
}

// CancelBooking cancels a pending or accepted booking and rejects its live
// bids, including an accepted winner, so no accepted bid outlives the
// booking's binding. The bids are restored if the cancel fails.
func (a *Auction) CancelBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	unlock, err := a.lockBooking(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	defer unlock()

	b, err := a.bookings.Get(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if b.Status != models.BookingPending && b.Status != models.BookingAccepted {
		return models.Booking{}, models.InvalidState("booking %s cannot move from %s to %s", bookingID, b.Status, models.BookingCancelled)
	}

	unlockBids, err := a.lockBids(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	defer unlockBids()

	bids, err := a.All(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	snapshot := slices.Clone(bids)
	now := a.now()
	var released []models.Bid
	for i := range bids {
		if bids[i].BookingID != bookingID || bids[i].Status == models.BidRejected {
			continue
		}
		bids[i].Status = models.BidRejected
		bids[i].RejectedAt = now
		bids[i].UpdatedAt = now
		released = append(released, bids[i])
	}
	if len(released) > 0 {
		if err := storage.Save(ctx, a.store, storage.Bids, bids); err != nil {
			return models.Booking{}, err
		}
	}

	cancelled, err := a.bookings.Cancel(ctx, bookingID)
	if err != nil {
		if len(released) > 0 {
			a.log.Warn("booking cancel failed, restoring bids", "booking_id", bookingID, "error", err)
			if rerr := storage.Save(ctx, a.store, storage.Bids, snapshot); rerr != nil {
				return models.Booking{}, errors.Join(err, fmt.Errorf("restore bids: %w", rerr))
			}
		}
		return models.Booking{}, err
	}

	observability.BidResolutions.WithLabelValues(string(models.BidRejected)).Add(float64(len(released)))
	a.log.Info("booking cancelled", "booking_id", bookingID, "released_bids", len(released))
	for i := range released {
		events.Emit(ctx, a.events, a.log, events.Event{Type: events.BidRejected, Key: bookingID, OccurredAt: now, Bid: &released[i]})
	}
	return cancelled, nil
}

// RejectBid declines one pending bid and leaves everything else alone.
func (a *Auction) RejectBid(ctx context.Context, bidID string) (models.Bid, error) {
	unlock, err := a.lockBids(ctx)
	if err != nil {
		return models.Bid{}, err
	}
	defer unlock()

	bids, err := a.All(ctx)
	if err != nil {
		return models.Bid{}, err
	}
	i := slices.IndexFunc(bids, func(b models.Bid) bool { return b.ID == bidID })
	if i < 0 {
		return models.Bid{}, models.NotFound("bid %s not found", bidID)
	}
	if bids[i].Status != models.BidPending {
		return models.Bid{}, models.InvalidState("bid %s is %s, not pending", bidID, bids[i].Status)
	}
	now := a.now()
	bids[i].Status = models.BidRejected
	bids[i].RejectedAt = now
	bids[i].UpdatedAt = now
	if err := storage.Save(ctx, a.store, storage.Bids, bids); err != nil {
		return models.Bid{}, err
	}

	out := bids[i]
	observability.BidResolutions.WithLabelValues(string(models.BidRejected)).Inc()
	a.log.Info("bid rejected", "bid_id", bidID, "booking_id", out.BookingID)
	events.Emit(ctx, a.events, a.log, events.Event{Type: events.BidRejected, Key: out.BookingID, OccurredAt: now, Bid: &out})
	return out, nil
}

// ListForBooking returns the booking's bids with a snapshot of each
// bidder's profile; DriverInfo is nil for unknown drivers.
func (a *Auction) ListForBooking(ctx context.Context, bookingID string) ([]models.BidWithDriver, error) {
	bids, err := a.where(ctx, func(b models.Bid) bool { return b.BookingID == bookingID })
	if err != nil {
		return nil, err
	}
	profiles, err := a.profiles.All(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.DriverProfile, len(profiles))
	for _, p := range profiles {
		byID[p.DriverID] = p
	}
	out := make([]models.BidWithDriver, 0, len(bids))
	for _, b := range bids {
		item := models.BidWithDriver{Bid: b}
		if p, ok := byID[b.DriverID]; ok {
			item.DriverInfo = p.Snapshot()
		}
		out = append(out, item)
	}
	return out, nil
}

func (a *Auction) All(ctx context.Context) ([]models.Bid, error) {
	return storage.Load[models.Bid](ctx, a.store, storage.Bids)
}

func (a *Auction) ByDriver(ctx context.Context, driverID string) ([]models.Bid, error) {
	return a.where(ctx, func(b models.Bid) bool { return b.DriverID == driverID })
}

func (a *Auction) get(ctx context.Context, bidID string) (models.Bid, error) {
	bids, err := a.All(ctx)
	if err != nil {
		return models.Bid{}, err
	}
	for _, b := range bids {
		if b.ID == bidID {
			return b, nil
		}
	}
	return models.Bid{}, models.NotFound("bid %s not found", bidID)
}

func (a *Auction) where(ctx context.Context, keep func(models.Bid) bool) ([]models.Bid, error) {
	bids, err := a.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Bid, 0, len(bids))
	for _, b := range bids {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (a *Auction) pendingBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	b, err := a.bookings.Get(ctx, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if b.Status != models.BookingPending {
		return models.Booking{}, models.InvalidState("booking %s is %s, not accepting bids", bookingID, b.Status)
	}
	return b, nil
}

func (a *Auction) lockBooking(ctx context.Context, bookingID string) (func(), error) {
	unlock, err := a.locks.Lock(ctx, lock.BookingKey(bookingID))
	if err != nil {
		return nil, fmt.Errorf("lock booking %s: %w", bookingID, err)
	}
	return unlock, nil
}

func (a *Auction) lockBids(ctx context.Context) (func(), error) {
	unlock, err := a.locks.Lock(ctx, lock.CollectionKey(string(storage.Bids)))
	if err != nil {
		return nil, fmt.Errorf("lock bids: %w", err)
	}
	return unlock, nil
}

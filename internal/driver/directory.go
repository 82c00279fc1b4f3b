package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Directory owns DriverProfiles and DriverAvailability.
type Directory struct {
	store  storage.RecordStore
	locks  lock.Locker
	events events.Publisher
	log    *slog.Logger
	now    func() time.Time
}

type Option func(*Directory)

func WithLocker(l lock.Locker) Option         { return func(d *Directory) { d.locks = l } }
func WithPublisher(p events.Publisher) Option { return func(d *Directory) { d.events = p } }
func WithLogger(l *slog.Logger) Option        { return func(d *Directory) { d.log = l } }
func WithClock(now func() time.Time) Option   { return func(d *Directory) { d.now = now } }

func NewDirectory(store storage.RecordStore, opts ...Option) *Directory {
	d := &Directory{
		store:  store,
		locks:  lock.NewLocal(),
		events: events.Nop{},
		log:    logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) All(ctx context.Context) ([]models.DriverProfile, error) {
	return storage.Load[models.DriverProfile](ctx, d.store, storage.DriverProfiles)
}

func (d *Directory) ByID(ctx context.Context, driverID string) (models.DriverProfile, error) {
	profiles, err := d.All(ctx)
	if err != nil {
		return models.DriverProfile{}, err
	}
	for _, p := range profiles {
		if p.DriverID == driverID {
			return p, nil
		}
	}
	return models.DriverProfile{}, models.NotFound("driver %s not found", driverID)
}

// Seed writes profiles only when the collection is empty, so restarts keep
// accumulated ride counts. It returns how many profiles were written.
func (d *Directory) Seed(ctx context.Context, profiles []models.DriverProfile) (int, error) {
	if err := validateSeed(profiles); err != nil {
		return 0, err
	}
	unlock, err := d.locks.Lock(ctx, lock.CollectionKey(string(storage.DriverProfiles)))
	if err != nil {
		return 0, fmt.Errorf("lock driver profiles: %w", err)
	}
	defer unlock()

	existing, err := d.All(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		d.log.Info("driver profiles already present, seed skipped", "count", len(existing))
		return 0, nil
	}
	if err := storage.Save(ctx, d.store, storage.DriverProfiles, profiles); err != nil {
		return 0, err
	}
	d.log.Info("driver profiles seeded", "count", len(profiles))
	return len(profiles), nil
}

// LoadSeedFile reads a JSON array of driver profiles.
func LoadSeedFile(path string) ([]models.DriverProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read driver seed: %w", err)
	}
	var profiles []models.DriverProfile
	if err := json.Unmarshal(b, &profiles); err != nil {
		return nil, fmt.Errorf("parse driver seed: %w", err)
	}
	return profiles, validateSeed(profiles)
}

func validateSeed(profiles []models.DriverProfile) error {
	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		if strings.TrimSpace(p.DriverID) == "" {
			return models.Validation("driver seed entry %d has no driver_id", i)
		}
		if seen[p.DriverID] {
			return models.Validation("driver seed lists %s twice", p.DriverID)
		}
		if p.TotalRides < 0 {
			return models.Validation("driver %s has negative total_rides", p.DriverID)
		}
		seen[p.DriverID] = true
	}
	return nil
}

// IncrementRides bumps the lifetime ride counter. Only booking completion calls it.
func (d *Directory) IncrementRides(ctx context.Context, driverID string) (models.DriverProfile, error) {
	unlock, err := d.locks.Lock(ctx, lock.CollectionKey(string(storage.DriverProfiles)))
	if err != nil {
		return models.DriverProfile{}, fmt.Errorf("lock driver profiles: %w", err)
	}
	defer unlock()

	profiles, err := d.All(ctx)
	if err != nil {
		return models.DriverProfile{}, err
	}
	for i := range profiles {
		if profiles[i].DriverID != driverID {
			continue
		}
		profiles[i].TotalRides++
		if err := storage.Save(ctx, d.store, storage.DriverProfiles, profiles); err != nil {
			return models.DriverProfile{}, err
		}
		d.log.Info("driver ride count incremented", "driver_id", driverID, "total_rides", profiles[i].TotalRides)
		return profiles[i], nil
	}
	return models.DriverProfile{}, models.NotFound("driver %s not found", driverID)
}

// SetAvailability upserts the driver's availability. Nil coordinates keep
// whatever was last reported.
func (d *Directory) SetAvailability(ctx context.Context, driverID string, isOnline bool, lat, lon *float64) (models.DriverAvailability, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.DriverAvailability{}, models.Validation("driver_id is required")
	}
	if lat != nil && (math.IsNaN(*lat) || *lat < -90 || *lat > 90) {
		return models.DriverAvailability{}, models.Validation("latitude %v out of range", *lat)
	}
	if lon != nil && (math.IsNaN(*lon) || *lon < -180 || *lon > 180) {
		return models.DriverAvailability{}, models.Validation("longitude %v out of range", *lon)
	}

	unlock, err := d.locks.Lock(ctx, lock.CollectionKey(string(storage.DriverAvailability)))
	if err != nil {
		return models.DriverAvailability{}, fmt.Errorf("lock driver availability: %w", err)
	}
	defer unlock()

	all, err := storage.Load[models.DriverAvailability](ctx, d.store, storage.DriverAvailability)
	if err != nil {
		return models.DriverAvailability{}, err
	}
	now := d.now()
	idx := -1
	for i := range all {
		if all[i].DriverID == driverID {
			idx = i
			break
		}
	}
	if idx == -1 {
		all = append(all, models.DriverAvailability{ID: models.NewID(models.PrefixAvailability, now), DriverID: driverID})
		idx = len(all) - 1
	}
	rec := &all[idx]
	rec.IsOnline = isOnline
	if lat != nil {
		rec.Latitude = lat
	}
	if lon != nil {
		rec.Longitude = lon
	}
	rec.UpdatedAt = now

	if err := storage.Save(ctx, d.store, storage.DriverAvailability, all); err != nil {
		return models.DriverAvailability{}, err
	}

	online := 0
	for _, a := range all {
		if a.IsOnline {
			online++
		}
	}
	observability.DriversOnline.Set(float64(online))

	out := *rec
	d.log.Info("driver availability updated", "driver_id", driverID, "is_online", isOnline)
	events.Emit(ctx, d.events, d.log, events.Event{Type: events.DriverAvailabilityUpdated, Key: driverID, OccurredAt: now, Availability: &out})
	return out, nil
}

func (d *Directory) AvailabilityFor(ctx context.Context, driverID string) (models.DriverAvailability, bool, error) {
	all, err := storage.Load[models.DriverAvailability](ctx, d.store, storage.DriverAvailability)
	if err != nil {
		return models.DriverAvailability{}, false, err
	}
	for _, a := range all {
		if a.DriverID == driverID {
			return a, true, nil
		}
	}
	return models.DriverAvailability{}, false, nil
}

// ListOnline returns the profiles of drivers currently flagged online, in
// profile order. Availability for a driver with no profile is ignored.
func (d *Directory) ListOnline(ctx context.Context) ([]models.DriverProfile, error) {
	all, err := storage.Load[models.DriverAvailability](ctx, d.store, storage.DriverAvailability)
	if err != nil {
		return nil, err
	}
	online := make(map[string]bool, len(all))
	for _, a := range all {
		if a.IsOnline {
			online[a.DriverID] = true
		}
	}
	profiles, err := d.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverProfile, 0, len(online))
	for _, p := range profiles {
		if online[p.DriverID] {
			out = append(out, p)
		}
	}
	return out, nil
}

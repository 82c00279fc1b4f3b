package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fakeRides struct {
	calls []string
	err   error
}

func (f *fakeRides) IncrementRides(_ context.Context, driverID string) (models.DriverProfile, error) {
	f.calls = append(f.calls, driverID)
	return models.DriverProfile{DriverID: driverID}, f.err
}

func fare(f float64) *float64 { return &f }
func seats(n int) *int        { return &n }

type fixture struct {
	reg   *Registry
	rides *fakeRides
	rec   *recorder
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{rides: &fakeRides{}, rec: &recorder{}, now: time.Date(2025, 11, 14, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithPublisher(f.rec),
		WithLocation(time.UTC),
		WithClock(func() time.Time {
			f.now = f.now.Add(time.Second)
			return f.now
		}),
	}, opts...)
	f.reg = NewRegistry(storage.NewMemoryStore(), f.rides, opts...)
	return f
}

func (f *fixture) create(t *testing.T, pickup, dropoff, when string) models.Booking {
	t.Helper()
	b, err := f.reg.Create(context.Background(), CreateInput{
		PickupLocation:  pickup,
		DropoffLocation: dropoff,
		RequiredTime:    when,
		FixedFare:       fare(500),
		SeatsRequired:   seats(2),
		StudentID:       "STU001",
	})
	require.NoError(t, err)
	return b
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t)
	b, err := f.reg.Create(context.Background(), CreateInput{
		PickupLocation:  "  Campus Gate 1 ",
		DropoffLocation: "Airport",
		RequiredTime:    "2025-11-15T08:30",
		StudentID:       "STU001",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^BK_\d+_[0-9a-f]{9}$`, b.ID)
	assert.Equal(t, "Campus Gate 1", b.PickupLocation)
	assert.Equal(t, models.BookingPending, b.Status)
	assert.Equal(t, models.BookingOneTime, b.Type)
	assert.Equal(t, 1, b.SeatsRequired)
	assert.Nil(t, b.FixedFare)
	assert.Equal(t, time.Date(2025, 11, 15, 8, 30, 0, 0, time.UTC), b.RequiredTime)
	assert.Equal(t, b.CreatedAt, b.UpdatedAt)
	assert.Empty(t, b.AcceptedDriverID)
	assert.Equal(t, []string{events.BookingCreated}, f.rec.types())

	got, ok, err := f.reg.ByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	valid := func() CreateInput {
		return CreateInput{PickupLocation: "Campus", DropoffLocation: "Airport", RequiredTime: "2025-11-15T08:30:00Z", StudentID: "STU001"}
	}
	cases := map[string]func(*CreateInput){
		"blank pickup":     func(in *CreateInput) { in.PickupLocation = "   " },
		"missing dropoff":  func(in *CreateInput) { in.DropoffLocation = "" },
		"missing student":  func(in *CreateInput) { in.StudentID = "" },
		"zero seats":       func(in *CreateInput) { in.SeatsRequired = seats(0) },
		"negative fare":    func(in *CreateInput) { in.FixedFare = fare(-1) },
		"unparsable time":  func(in *CreateInput) { in.RequiredTime = "tomorrow morning" },
		"unknown type":     func(in *CreateInput) { in.Type = "weekly" },
		"empty time value": func(in *CreateInput) { in.RequiredTime = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			in := valid()
			mutate(&in)
			_, err := f.reg.Create(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)

			all, err := f.reg.All(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestTransitionStateMachine(t *testing.T) {
	all := []models.BookingStatus{models.BookingPending, models.BookingAccepted, models.BookingCompleted, models.BookingCancelled}
	legal := map[[2]models.BookingStatus]bool{
		{models.BookingPending, models.BookingAccepted}:   true,
		{models.BookingAccepted, models.BookingCompleted}: true,
		{models.BookingPending, models.BookingCancelled}:  true,
		{models.BookingAccepted, models.BookingCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]models.BookingStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	done := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")
	_, err := f.reg.Transition(ctx, done.ID, models.BookingAccepted, "DRV001", "BID_1")
	require.NoError(t, err)
	_, err = f.reg.Complete(ctx, done.ID)
	require.NoError(t, err)
	_, err = f.reg.Transition(ctx, done.ID, models.BookingPending, "", "")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	cancelled := f.create(t, "Campus", "Station", "2025-11-15T08:30:00Z")
	_, err = f.reg.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = f.reg.Transition(ctx, cancelled.ID, models.BookingAccepted, "DRV001", "BID_2")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.reg.Transition(ctx, "BK_missing", models.BookingCancelled, "", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.reg.Transition(ctx, cancelled.ID, "archived", "", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAcceptRequiresDriverAndBid(t *testing.T) {
	f := newFixture(t)
	b := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")

	_, err := f.reg.Transition(context.Background(), b.ID, models.BookingAccepted, "DRV001", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := f.reg.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, got.Status)
}

func TestAcceptedIDsFollowStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")

	accepted, err := f.reg.Transition(ctx, b.ID, models.BookingAccepted, "DRV002", "BID_9")
	require.NoError(t, err)
	assert.Equal(t, "DRV002", accepted.AcceptedDriverID)
	assert.Equal(t, "BID_9", accepted.AcceptedBidID)
	assert.True(t, accepted.UpdatedAt.After(b.UpdatedAt))

	cancelled, err := f.reg.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, cancelled.AcceptedDriverID)
	assert.Empty(t, cancelled.AcceptedBidID)

	assert.Equal(t, []string{events.BookingCreated, events.BookingAccepted, events.BookingCancelled}, f.rec.types())
}

func TestCompleteIncrementsBoundDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")

	_, err := f.reg.Complete(ctx, b.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Empty(t, f.rides.calls)

	_, err = f.reg.Transition(ctx, b.ID, models.BookingAccepted, "DRV002", "BID_1")
	require.NoError(t, err)
	done, err := f.reg.Complete(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCompleted, done.Status)
	assert.Equal(t, "DRV002", done.AcceptedDriverID)
	assert.Equal(t, []string{"DRV002"}, f.rides.calls)

	_, err = f.reg.Complete(ctx, b.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Len(t, f.rides.calls, 1)
}

func TestCompleteWithMissingProfileLogsWarning(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	f := newFixture(t, WithLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))))
	f.rides.err = models.NotFound("driver DRV404 not found")

	b := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")
	_, err := f.reg.Transition(ctx, b.ID, models.BookingAccepted, "DRV404", "BID_1")
	require.NoError(t, err)

	done, err := f.reg.Complete(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCompleted, done.Status)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "DRV404", line["driver_id"])
}

func TestCompleteCounterFailureLeavesBookingRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rides.err = errors.New("redis: connection refused")

	b := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")
	_, err := f.reg.Transition(ctx, b.ID, models.BookingAccepted, "DRV001", "BID_1")
	require.NoError(t, err)
	_, err = f.reg.Complete(ctx, b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	still, err := f.reg.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingAccepted, still.Status)
	assert.Equal(t, "DRV001", still.AcceptedDriverID)

	f.rides.err = nil
	done, err := f.reg.Complete(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCompleted, done.Status)
	assert.Equal(t, []string{"DRV001", "DRV001"}, f.rides.calls)
}

func TestListAvailableForDriversOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")
	taken := f.create(t, "Campus", "Mall", "2025-11-15T09:30:00Z")
	third := f.create(t, "Hostel", "Station", "2025-11-15T10:30:00Z")
	_, err := f.reg.Cancel(ctx, taken.ID)
	require.NoError(t, err)

	got, err := f.reg.ListAvailableForDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, third.ID, got[1].ID)
}

func TestFilterPickupAndDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	match := f.create(t, "North Campus", "Airport", "2025-11-15T08:30:00Z")
	f.create(t, "North Campus", "Airport", "2025-11-16T08:30:00Z")
	f.create(t, "City Centre", "Airport", "2025-11-15T08:30:00Z")
	lateNight := f.create(t, "CAMPUS hostel", "Station", "2025-11-15T23:59:00Z")

	got, err := f.reg.Filter(ctx, Filter{PickupLocation: "campus", Date: "2025-11-15"})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, b := range got {
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{match.ID, lateNight.ID}, ids)

	got, err = f.reg.Filter(ctx, Filter{DropoffLocation: "station", Status: models.BookingPending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, lateNight.ID, got[0].ID)

	got, err = f.reg.Filter(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestFilterDateUsesRegistryLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	f := newFixture(t, WithLocation(ist))
	b := f.create(t, "Campus", "Airport", "2025-11-14T20:00:00Z")

	got, err := f.reg.Filter(context.Background(), Filter{Date: "2025-11-15"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestFilterRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Filter(context.Background(), Filter{Date: "15/11/2025"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.reg.Filter(context.Background(), Filter{Status: "done"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestListingHelpers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, "Campus", "Airport", "2025-11-15T08:30:00Z")
	b := f.create(t, "Campus", "Mall", "2025-11-15T08:30:00Z")
	_, err := f.reg.Transition(ctx, a.ID, models.BookingAccepted, "DRV001", "BID_1")
	require.NoError(t, err)
	_, err = f.reg.Transition(ctx, b.ID, models.BookingAccepted, "DRV001", "BID_2")
	require.NoError(t, err)
	_, err = f.reg.Complete(ctx, b.ID)
	require.NoError(t, err)

	mine, err := f.reg.ByStudent(ctx, "STU001")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	driven, err := f.reg.ByDriver(ctx, "DRV001", "")
	require.NoError(t, err)
	assert.Len(t, driven, 2)
	driven, err = f.reg.ByDriver(ctx, "DRV001", models.BookingCompleted)
	require.NoError(t, err)
	require.Len(t, driven, 1)
	assert.Equal(t, b.ID, driven[0].ID)

	accepted, err := f.reg.ByStatus(ctx, models.BookingAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, a.ID, accepted[0].ID)

	_, ok, err := f.reg.ByID(ctx, "BK_nope")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.reg.Get(ctx, "BK_nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentCreatesAreAllKept(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(storage.NewMemoryStore(), nil)

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Create(ctx, CreateInput{PickupLocation: "Campus", DropoffLocation: "Airport", RequiredTime: "2025-11-15T08:30:00Z", StudentID: "STU001"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := reg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

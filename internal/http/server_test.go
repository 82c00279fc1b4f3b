package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/auction"
	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/driver"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/pool"
	"github.com/example/carpool/internal/storage"
)

type mockIngest struct {
	mock.Mock
}

func (m *mockIngest) PublishAvailability(ctx context.Context, u ingest.AvailabilityUpdate) error {
	return m.Called(ctx, u).Error(0)
}

type brokenStore struct{ storage.RecordStore }

func (brokenStore) Get(context.Context, storage.Collection) ([]json.RawMessage, error) {
	return nil, errors.New("connection reset")
}

func newTestServer(t *testing.T, store storage.RecordStore, pub AvailabilityPublisher) *Server {
	t.Helper()
	locks := lock.NewLocal()
	drivers := driver.NewDirectory(store, driver.WithLocker(locks))
	registry := booking.NewRegistry(store, drivers, booking.WithLocker(locks))
	deps := Deps{
		Store:    store,
		Bookings: registry,
		Auction:  auction.NewAuction(store, registry, drivers, auction.WithLocker(locks)),
		Pool:     pool.NewPool(store, registry, pool.WithLocker(locks)),
		Drivers:  drivers,
		Stats:    driver.NewStats(registry, drivers, nil, nil),
		Ingest:   pub,
	}
	return NewServer(deps, nil)
}

func seeded(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t, storage.NewMemoryStore(), nil)
	_, err := s.Drivers.Seed(context.Background(), []models.DriverProfile{
		{DriverID: "D1", Name: "Asha", Rating: 4.7},
		{DriverID: "D2", Name: "Ravi", Rating: 4.9, TotalRides: 3},
	})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBookingBidLifecycle(t *testing.T) {
	s := seeded(t)

	rec := do(t, s, http.MethodPost, "/api/carpool/bookings", map[string]any{
		"pickup_location": "Campus", "dropoff_location": "Airport",
		"required_time": "2025-11-15T08:30:00Z", "fixed_fare": 500, "seats_required": 2, "student_id": "STU001",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decodeBody[models.Booking](t, rec)
	assert.Equal(t, models.BookingPending, b.Status)
	assert.NotContains(t, rec.Body.String(), "accepted_driver_id")

	rec = do(t, s, http.MethodPost, "/api/carpool/bids", map[string]any{"booking_id": b.ID, "driver_id": "D1", "proposed_fare": 450})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/carpool/bids", map[string]any{"booking_id": b.ID, "driver_id": "D2", "proposed_fare": 470})
	require.Equal(t, http.StatusCreated, rec.Code)
	d2 := decodeBody[models.Bid](t, rec)

	rec = do(t, s, http.MethodGet, "/api/carpool/bids/booking/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]models.BidWithDriver](t, rec)
	require.Len(t, listed, 2)
	require.NotNil(t, listed[1].DriverInfo)
	assert.Equal(t, "Ravi", listed[1].DriverInfo.Name)

	rec = do(t, s, http.MethodPost, "/api/carpool/bids/"+d2.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decodeBody[auction.Accepted](t, rec)
	assert.Equal(t, "D2", accepted.Booking.AcceptedDriverID)

	rec = do(t, s, http.MethodPost, "/api/carpool/bids", map[string]any{"booking_id": b.ID, "driver_id": "D1", "proposed_fare": 400})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[map[string]string](t, rec)["kind"])

	rec = do(t, s, http.MethodPost, "/api/carpool/bookings/"+b.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/carpool/drivers/D2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decodeBody[models.DriverProfile](t, rec).TotalRides)

	rec = do(t, s, http.MethodGet, "/api/carpool/drivers/D2/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DriverStats{TotalRides: 1, Rating: 4.9}, decodeBody[models.DriverStats](t, rec))

	rec = do(t, s, http.MethodGet, "/api/carpool/drivers/D2/bookings?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Booking](t, rec), 1)
}

func TestStatusUpdateGoesThroughAuctionAndCompletion(t *testing.T) {
	s := seeded(t)
	create := func() models.Booking {
		rec := do(t, s, http.MethodPost, "/api/carpool/bookings", map[string]any{
			"pickup_location": "Campus", "dropoff_location": "Airport",
			"required_time": "2025-11-15T08:30:00Z", "student_id": "STU001",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeBody[models.Booking](t, rec)
	}
	placeBid := func(bookingID, driverID string) models.Bid {
		rec := do(t, s, http.MethodPost, "/api/carpool/bids", map[string]any{"booking_id": bookingID, "driver_id": driverID, "proposed_fare": 450})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeBody[models.Bid](t, rec)
	}

	b := create()
	d1 := placeBid(b.ID, "D1")
	rec := do(t, s, http.MethodPut, "/api/carpool/bookings/"+b.ID, map[string]any{"status": "accepted", "driver_id": "D2", "bid_id": "BID_bogus"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[map[string]string](t, rec)["kind"])

	rec = do(t, s, http.MethodGet, "/api/carpool/bookings/"+b.ID, nil)
	got := decodeBody[models.Booking](t, rec)
	assert.Equal(t, models.BookingPending, got.Status)
	assert.Empty(t, got.AcceptedBidID)

	rec = do(t, s, http.MethodPut, "/api/carpool/bookings/"+b.ID, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d2 := placeBid(b.ID, "D2")
	rec = do(t, s, http.MethodPost, "/api/carpool/bids/"+d2.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPut, "/api/carpool/bookings/"+b.ID, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.BookingCompleted, decodeBody[models.Booking](t, rec).Status)

	rec = do(t, s, http.MethodGet, "/api/carpool/drivers/D2", nil)
	assert.Equal(t, 4, decodeBody[models.DriverProfile](t, rec).TotalRides)

	rec = do(t, s, http.MethodGet, "/api/carpool/bids/booking/"+b.ID, nil)
	for _, bid := range decodeBody[[]models.BidWithDriver](t, rec) {
		if bid.ID == d1.ID {
			assert.Equal(t, models.BidRejected, bid.Status)
		}
	}

	other := create()
	won := placeBid(other.ID, "D1")
	rec = do(t, s, http.MethodPost, "/api/carpool/bids/"+won.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPut, "/api/carpool/bookings/"+other.ID, map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[models.Booking](t, rec)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.Empty(t, cancelled.AcceptedBidID)

	rec = do(t, s, http.MethodGet, "/api/carpool/bids/booking/"+other.ID, nil)
	bids := decodeBody[[]models.BidWithDriver](t, rec)
	require.Len(t, bids, 1)
	assert.Equal(t, models.BidRejected, bids[0].Status)
}

func TestCancelRouteReleasesAcceptedBid(t *testing.T) {
	s := seeded(t)
	b, err := s.Bookings.Create(context.Background(), booking.CreateInput{
		PickupLocation: "Campus", DropoffLocation: "Mall", RequiredTime: "2025-11-15T08:30:00Z", StudentID: "STU001",
	})
	require.NoError(t, err)
	bid, err := s.Auction.PlaceBid(context.Background(), b.ID, "D1", 300)
	require.NoError(t, err)
	_, err = s.Auction.AcceptBid(context.Background(), bid.ID)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/carpool/bookings/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bids, err := s.Auction.ByDriver(context.Background(), "D1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, models.BidRejected, bids[0].Status)
}

func TestErrorMapping(t *testing.T) {
	s := seeded(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"missing booking", http.MethodGet, "/api/carpool/bookings/BK_missing", nil, http.StatusNotFound, "not_found"},
		{"missing driver", http.MethodGet, "/api/carpool/drivers/D404", nil, http.StatusNotFound, "not_found"},
		{"bad create", http.MethodPost, "/api/carpool/bookings", map[string]any{"pickup_location": "Campus"}, http.StatusBadRequest, "validation"},
		{"bad filter date", http.MethodGet, "/api/carpool/bookings/filter?date=tomorrow", nil, http.StatusBadRequest, "validation"},
		{"bid without fare", http.MethodPost, "/api/carpool/bids", map[string]any{"booking_id": "BK_1", "driver_id": "D1"}, http.StatusBadRequest, "validation"},
		{"accept missing bid", http.MethodPost, "/api/carpool/bids/BID_missing/accept", nil, http.StatusNotFound, "not_found"},
		{"join missing booking", http.MethodPost, "/api/carpool/participants/join", map[string]any{"booking_id": "BK_missing", "student_id": "S1"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			assert.Equal(t, tc.kind, body["kind"])
			assert.NotEmpty(t, body["message"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/carpool/bookings", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreFailureIsInternal(t *testing.T) {
	s := newTestServer(t, brokenStore{storage.NewMemoryStore()}, nil)

	rec := do(t, s, http.MethodGet, "/api/carpool/bookings", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "internal", body["kind"])
	assert.NotContains(t, body["message"], "connection reset")

	rec = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParticipantsEndpoints(t *testing.T) {
	s := seeded(t)
	b, err := s.Bookings.Create(context.Background(), booking.CreateInput{
		PickupLocation: "Campus", DropoffLocation: "Mall", RequiredTime: "2025-11-15T08:30:00Z", StudentID: "STU001",
	})
	require.NoError(t, err)

	for _, student := range []string{"S1", "S2", "S1"} {
		rec := do(t, s, http.MethodPost, "/api/carpool/participants/join", map[string]any{"booking_id": b.ID, "student_id": student})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := do(t, s, http.MethodGet, "/api/carpool/participants/booking/"+b.ID, nil)
	assert.Len(t, decodeBody[[]models.Participant](t, rec), 2)

	rec = do(t, s, http.MethodPost, "/api/carpool/participants/leave", map[string]any{"booking_id": b.ID, "student_id": "S9"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/carpool/participants/student/S1", nil)
	got := decodeBody[[]models.Participation](t, rec)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].BookingDetails)
	assert.Equal(t, b.ID, got[0].BookingDetails.ID)
}

func TestDriverAvailabilityEndpoints(t *testing.T) {
	pub := &mockIngest{}
	pub.On("PublishAvailability", mock.Anything, ingest.AvailabilityUpdate{DriverID: "D1"}).Return(nil).Once()
	pub.On("PublishAvailability", mock.Anything, mock.MatchedBy(func(u ingest.AvailabilityUpdate) bool { return u.DriverID == "" })).
		Return(models.Validation("driver_id is required")).Once()
	s := newTestServer(t, storage.NewMemoryStore(), pub)
	_, err := s.Drivers.Seed(context.Background(), []models.DriverProfile{{DriverID: "D1", Name: "Asha"}})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPut, "/api/carpool/drivers/D1/availability", map[string]any{"is_online": true, "current_latitude": 12.9})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[models.DriverAvailability](t, rec).IsOnline)

	rec = do(t, s, http.MethodGet, "/api/carpool/drivers/online", nil)
	online := decodeBody[[]models.DriverProfile](t, rec)
	require.Len(t, online, 1)
	assert.Equal(t, "D1", online[0].DriverID)

	rec = do(t, s, http.MethodPost, "/api/carpool/drivers/availability", map[string]any{"driver_id": "D1", "is_online": false})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/carpool/drivers/availability", map[string]any{"is_online": false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	pub.AssertExpectations(t)

	noIngest := seeded(t)
	rec = do(t, noIngest, http.MethodPost, "/api/carpool/drivers/availability", map[string]any{"driver_id": "D1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndProbes(t *testing.T) {
	s := seeded(t)
	_, err := s.Bookings.Create(context.Background(), booking.CreateInput{
		PickupLocation: "Campus", DropoffLocation: "Mall", RequiredTime: "2025-11-15T08:30:00Z", StudentID: "STU001",
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/carpool/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[systemStatus](t, rec)
	assert.Equal(t, 1, st.TotalBookings)
	assert.Equal(t, 1, st.PendingBookings)
	assert.Equal(t, 2, st.TotalDrivers)
	assert.Equal(t, "operational", st.Status)

	rec = do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carpool_http_requests_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := seeded(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestPanicIsRecoveredAndLoggedWithRequestID(t *testing.T) {
	var logs bytes.Buffer
	s := NewServer(seeded(t).Deps, logging.New(&logs, logging.Options{Service: "carpool-server"}))
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	served := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "500")
	before := testutil.ToFloat64(served)

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-panic")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeBody[map[string]string](t, rec)["kind"])

	var recovered, access map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		switch m["msg"] {
		case "panic recovered":
			recovered = m
		case "http_request":
			access = m
		}
	}
	require.NotNil(t, recovered)
	assert.Equal(t, "req-panic", recovered["request_id"])
	assert.Equal(t, "/boom", recovered["route"])
	assert.Equal(t, "kaboom", recovered["panic"])
	require.NotNil(t, access)
	assert.Equal(t, "WARN", access["level"])
	assert.EqualValues(t, http.StatusInternalServerError, access["status"])
	assert.Equal(t, before+1, testutil.ToFloat64(served))
}

func TestOversizedBodyIsRejected(t *testing.T) {
	s := seeded(t)
	body := `{"booking_id":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/carpool/bids", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[map[string]string](t, rec)["kind"])
}

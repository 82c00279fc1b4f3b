package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/auction"
	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/driver"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/pool"
	"github.com/example/carpool/internal/storage"
)

// AvailabilityPublisher queues an availability report for asynchronous
// application. *ingest.KafkaProducer satisfies it.
type AvailabilityPublisher interface {
	PublishAvailability(ctx context.Context, u ingest.AvailabilityUpdate) error
}

// Deps are the engine components the adapter exposes.
type Deps struct {
	Store    storage.RecordStore
	Bookings *booking.Registry
	Auction  *auction.Auction
	Pool     *pool.Pool
	Drivers  *driver.Directory
	Stats    *driver.Stats
	Ingest   AvailabilityPublisher
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/carpool").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/available", s.handleAvailableBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/filter", s.handleFilterBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/student/{student_id}", s.handleStudentBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleTransitionBooking).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/accept", s.handleAcceptAtFixedFare).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/complete", s.handleCompleteBooking).Methods(http.MethodPost)

	api.HandleFunc("/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/bids", s.handlePlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/booking/{booking_id}", s.handleBookingBids).Methods(http.MethodGet)
	api.HandleFunc("/bids/driver/{driver_id}", s.handleDriverBids).Methods(http.MethodGet)
	api.HandleFunc("/bids/{id}/accept", s.handleAcceptBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{id}/reject", s.handleRejectBid).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/online", s.handleOnlineDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/availability", s.handleReportAvailability).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/stats", s.handleDriverStats).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/bookings", s.handleDriverBookings).Methods(http.MethodGet)

	api.HandleFunc("/participants/booking/{booking_id}", s.handleBookingParticipants).Methods(http.MethodGet)
	api.HandleFunc("/participants/student/{student_id}", s.handleStudentParticipations).Methods(http.MethodGet)
	api.HandleFunc("/participants/join", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/participants/leave", s.handleLeave).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.Get(r.Context(), storage.DriverProfiles); err != nil {
		s.requestLogger(r).Warn("readiness check failed", "error", err)
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type systemStatus struct {
	Status          string `json:"status"`
	TotalBookings   int    `json:"total_bookings"`
	PendingBookings int    `json:"pending_bookings"`
	TotalBids       int    `json:"total_bids"`
	TotalDrivers    int    `json:"total_drivers"`
	OnlineDrivers   int    `json:"online_drivers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookings, err := s.Bookings.All(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bids, err := s.Auction.All(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.Drivers.All(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	online, err := s.Drivers.ListOnline(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st := systemStatus{
		Status:        "operational",
		TotalBookings: len(bookings),
		TotalBids:     len(bids),
		TotalDrivers:  len(drivers),
		OnlineDrivers: len(online),
	}
	for _, b := range bookings {
		if b.Status == models.BookingPending {
			st.PendingBookings++
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// bookings

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Bookings.All(r.Context()))
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	s.respond(w, r, http.StatusCreated)(s.Bookings.Create(r.Context(), in))
}

func (s *Server) handleAvailableBookings(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Bookings.ListAvailableForDrivers(r.Context()))
}

func (s *Server) handleFilterBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := booking.Filter{
		PickupLocation:  q.Get("pickup_location"),
		DropoffLocation: q.Get("dropoff_location"),
		Date:            q.Get("date"),
		Status:          models.BookingStatus(q.Get("status")),
	}
	s.respond(w, r, http.StatusOK)(s.Bookings.Filter(r.Context(), f))
}

func (s *Server) handleStudentBookings(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Bookings.ByStudent(r.Context(), mux.Vars(r)["student_id"]))
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Bookings.Get(r.Context(), mux.Vars(r)["id"]))
}

// transitionRequest drives the requester-side moves. Acceptance belongs to
// the bid routes.
type transitionRequest struct {
	Status models.BookingStatus `json:"status"`
}

func (s *Server) handleTransitionBooking(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	switch req.Status {
	case models.BookingCancelled:
		s.respond(w, r, http.StatusOK)(s.Auction.CancelBooking(r.Context(), id))
	case models.BookingCompleted:
		s.respond(w, r, http.StatusOK)(s.Bookings.Complete(r.Context(), id))
	case models.BookingAccepted:
		s.writeError(w, r, models.InvalidState("booking %s is accepted through its bids, not by status update", id))
	default:
		s.writeError(w, r, models.Validation("status must be cancelled or completed, got %q", req.Status))
	}
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptAtFixedFare(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, http.StatusOK)(s.Auction.AcceptAtFixedFare(r.Context(), mux.Vars(r)["id"], req.DriverID))
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.CancelBooking(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleCompleteBooking(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Bookings.Complete(r.Context(), mux.Vars(r)["id"]))
}

// bids

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.All(r.Context()))
}

type bidRequest struct {
	BookingID    string   `json:"booking_id"`
	DriverID     string   `json:"driver_id"`
	ProposedFare *float64 `json:"proposed_fare"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ProposedFare == nil {
		s.writeError(w, r, models.Validation("proposed_fare is required"))
		return
	}
	s.respond(w, r, http.StatusCreated)(s.Auction.PlaceBid(r.Context(), req.BookingID, req.DriverID, *req.ProposedFare))
}

func (s *Server) handleBookingBids(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.ListForBooking(r.Context(), mux.Vars(r)["booking_id"]))
}

func (s *Server) handleDriverBids(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.ByDriver(r.Context(), mux.Vars(r)["driver_id"]))
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.AcceptBid(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleRejectBid(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Auction.RejectBid(r.Context(), mux.Vars(r)["id"]))
}

// drivers

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Drivers.All(r.Context()))
}

func (s *Server) handleOnlineDrivers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Drivers.ListOnline(r.Context()))
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Drivers.ByID(r.Context(), mux.Vars(r)["id"]))
}

type availabilityRequest struct {
	IsOnline  bool     `json:"is_online"`
	Latitude  *float64 `json:"current_latitude"`
	Longitude *float64 `json:"current_longitude"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, http.StatusOK)(s.Drivers.SetAvailability(r.Context(), mux.Vars(r)["id"], req.IsOnline, req.Latitude, req.Longitude))
}

// handleReportAvailability queues a report on the availability topic
// instead of applying it inline.
func (s *Server) handleReportAvailability(w http.ResponseWriter, r *http.Request) {
	if s.Ingest == nil {
		http.Error(w, "availability ingest not configured", http.StatusServiceUnavailable)
		return
	}
	var u ingest.AvailabilityUpdate
	if !s.decode(w, r, &u) {
		return
	}
	if err := s.Ingest.PublishAvailability(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDriverStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Stats.For(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleDriverBookings(w http.ResponseWriter, r *http.Request) {
	status := models.BookingStatus(r.URL.Query().Get("status"))
	s.respond(w, r, http.StatusOK)(s.Bookings.ByDriver(r.Context(), mux.Vars(r)["id"], status))
}

// participants

func (s *Server) handleBookingParticipants(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Pool.ListForBooking(r.Context(), mux.Vars(r)["booking_id"]))
}

func (s *Server) handleStudentParticipations(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)(s.Pool.ListForStudent(r.Context(), mux.Vars(r)["student_id"]))
}

type membershipRequest struct {
	BookingID string `json:"booking_id"`
	StudentID string `json:"student_id"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, http.StatusOK)(s.Pool.Join(r.Context(), req.BookingID, req.StudentID))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Pool.Leave(r.Context(), req.BookingID, req.StudentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respond returns a sink for a (value, error) pair: v is written with
// status, or the error is mapped.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, v)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, models.Validation("malformed request body: %v", err))
		return false
	}
	return true
}

type errorBody struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

var internalError = errorBody{Kind: "internal", Message: "internal error"}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindInvalidState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *models.Error
	if errors.As(err, &de) {
		writeJSON(w, statusFor(de.Kind), errorBody{Kind: de.Kind, Message: de.Message})
		return
	}
	s.requestLogger(r).Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, internalError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

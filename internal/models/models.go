package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingAccepted  BookingStatus = "accepted"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Valid reports whether s is one of the four booking states.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingAccepted, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

type BookingType string

const (
	BookingOneTime BookingType = "one_time"
	BookingRegular BookingType = "regular"
)

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

type ParticipantStatus string

const (
	ParticipantJoined ParticipantStatus = "joined"
	ParticipantLeft   ParticipantStatus = "left"
)

// Booking is a ride request posted by a student.
type Booking struct {
	ID               string        `json:"booking_id"`
	PickupLocation   string        `json:"pickup_location"`
	DropoffLocation  string        `json:"dropoff_location"`
	RequiredTime     time.Time     `json:"required_time"`
	Type             BookingType   `json:"booking_type"`
	FixedFare        *float64      `json:"fixed_fare"`
	SeatsRequired    int           `json:"seats_required"`
	StudentID        string        `json:"student_id"`
	Status           BookingStatus `json:"status"`
	AcceptedDriverID string        `json:"accepted_driver_id,omitempty"`
	AcceptedBidID    string        `json:"accepted_bid_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Bid is a driver's fare offer against a pending booking.
type Bid struct {
	ID           string    `json:"bid_id"`
	BookingID    string    `json:"booking_id"`
	DriverID     string    `json:"driver_id"`
	ProposedFare float64   `json:"proposed_fare"`
	Status       BidStatus `json:"bid_status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AcceptedAt   time.Time `json:"accepted_at,omitzero"`
	RejectedAt   time.Time `json:"rejected_at,omitzero"`
}

// BidWithDriver is a bid joined with the bidding driver's profile for display.
type BidWithDriver struct {
	Bid
	DriverInfo *DriverSnapshot `json:"driver_info"`
}

type DriverSnapshot struct {
	Name          string  `json:"name"`
	Rating        float64 `json:"rating"`
	VehicleModel  string  `json:"vehicle_model"`
	VehicleNumber string  `json:"vehicle_number"`
	TotalRides    int     `json:"total_rides"`
}

// Participant is a student's membership in a shared booking.
type Participant struct {
	ID        string            `json:"participant_id"`
	BookingID string            `json:"booking_id"`
	StudentID string            `json:"student_id"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  time.Time         `json:"joined_at"`
	LeftAt    time.Time         `json:"left_at,omitzero"`
}

type Participation struct {
	Participant
	BookingDetails *Booking `json:"booking_details"`
}

type DriverProfile struct {
	DriverID      string  `json:"driver_id"`
	Name          string  `json:"name"`
	Rating        float64 `json:"rating"`
	VehicleModel  string  `json:"vehicle_model"`
	VehicleNumber string  `json:"vehicle_number"`
	TotalRides    int     `json:"total_rides"`
}

func (p DriverProfile) Snapshot() *DriverSnapshot {
	return &DriverSnapshot{
		Name:          p.Name,
		Rating:        p.Rating,
		VehicleModel:  p.VehicleModel,
		VehicleNumber: p.VehicleNumber,
		TotalRides:    p.TotalRides,
	}
}

type DriverAvailability struct {
	ID        string    `json:"avail_id"`
	DriverID  string    `json:"driver_id"`
	IsOnline  bool      `json:"is_online"`
	Latitude  *float64  `json:"current_latitude"`
	Longitude *float64  `json:"current_longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DriverStats is derived from booking history on every request; it is never stored.
type DriverStats struct {
	TotalRides      int     `json:"total_rides"`
	AcceptedRides   int     `json:"accepted_rides"`
	ConfirmedToday  int     `json:"confirmed_today"`
	PendingRequests int     `json:"pending_requests"`
	Rating          float64 `json:"rating"`
}

// SameDate reports whether a and b fall on the same calendar day in loc.
func SameDate(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PrefixBooking      = "BK"
	PrefixBid          = "BID"
	PrefixParticipant  = "PART"
	PrefixAvailability = "AVAIL"
)

// NewID returns prefix_<unix millis>_<9 random chars>. Uniqueness is
// practical rather than guaranteed; no central sequence is involved.
func NewID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

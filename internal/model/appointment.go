package model

import "time"

// Appointment statuses. Reminders skip cancelled, completed and in-progress
// appointments; series rebuilds only ever touch future occurrences.
const (
	StatusScheduled  = "scheduled"
	StatusConfirmed  = "confirmed"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Appointment is one bookable visit. Dates are calendar dates (midnight UTC);
// StartTime is a wall-clock "15:04" string interpreted in Timezone.
// Recurrence fields live only on the anchor record of a series.
type Appointment struct {
	ID              string
	AccountID       string
	CustomerID      string
	Date            time.Time
	StartTime       string
	DurationMinutes int
	Status          string
	PaymentStatus   string
	Notes           string
	Timezone        string

	SeriesID         string
	SeriesOccurrence *time.Time

	RecurrenceRule  string
	RecurrenceCount *int
	RecurrenceUntil *time.Time

	// Per-appointment reminder offsets, minutes before start. Overrides the
	// member preference offsets when non-empty.
	ReminderOffsets []int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppointmentService joins an appointment to one (service, pet) pair, with an
// optional price-tier override and a set of addons.
type AppointmentService struct {
	ID             string
	AppointmentID  string
	AccountID      string
	ServiceID      string
	PetID          string
	PriceTierID    *string
	PriceTierLabel *string
	Price          *float64
	AddonIDs       []string
}

// Series is the recurrence definition owning its occurrences (occurrences hold
// SeriesID). Deactivating a series never touches past occurrences.
type Series struct {
	ID              string
	AccountID       string
	Rule            string
	Interval        int
	Count           *int
	Until           *time.Time
	StartDate       time.Time
	StartTime       string
	DurationMinutes int
	Timezone        string
	Notes           string
	Status          string
	CreatedAt       time.Time
}

const (
	SeriesActive   = "active"
	SeriesInactive = "inactive"
)

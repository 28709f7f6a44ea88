package model

import "time"

// AccountMember links a user to a tenant account. Only accepted members are
// considered for reminder delivery.
type AccountMember struct {
	AccountID string
	UserID    string
	Role      string
	Status    string
}

const (
	MemberAccepted = "accepted"
	MemberPending  = "pending"

	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// DeviceToken is one push delivery target for a user. Tokens flagged inactive
// (provider reported DeviceNotRegistered) are skipped on future sends.
type DeviceToken struct {
	ID        string
	UserID    string
	Token     string
	Platform  string
	Active    bool
	CreatedAt time.Time
}

// Notification is the delivery log and, for reminders, the dedupe ledger:
// one row per (user, type) send attempt. AppointmentID and OffsetMinutes are
// set for appointment reminders only.
type Notification struct {
	ID            string
	AccountID     string
	UserID        string
	Type          string
	Title         string
	Body          string
	Data          map[string]string
	AppointmentID string
	OffsetMinutes int
	Status        string
	CreatedAt     time.Time
}

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"

	TypeAppointmentReminder = "appointments.reminder"
)

// AccountEntitlements caps account usage by subscription tier.
type AccountEntitlements struct {
	AccountID              string
	Tier                   string
	MaxMonthlyAppointments int
}
